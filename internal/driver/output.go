package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Extension of written binary modules.
const Extension = ".mvb"

// FileName maps 0x1::coin to 0x1_coin.mvb.
func FileName(module string) string {
	return strings.ReplaceAll(module, "::", "_") + Extension
}

// WriteUnits writes every unit into dir and returns the paths in unit order.
func WriteUnits(dir string, units []Unit) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	paths := make([]string, 0, len(units))
	for _, u := range units {
		path := filepath.Join(dir, FileName(u.Name))
		if err := os.WriteFile(path, u.Bytes, 0o600); err != nil {
			return paths, fmt.Errorf("write %s: %w", u.Name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
