package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"movec/internal/binfmt"
	"movec/internal/version"
)

type versionPayload struct {
	Tool          string `json:"tool"`
	Version       string `json:"version"`
	FormatVersion uint32 `json:"bytecode_format"`
	GitCommit     string `json:"git_commit,omitempty"`
	BuildDate     string `json:"build_date,omitempty"`
}

var (
	versionFormat   string
	versionShowFull bool
)

func init() {
	versionCmd.Flags().BoolVar(&versionShowFull, "full", false, "show every recorded bit of build metadata")
	versionCmd.Flags().StringVar(&versionFormat, "format", "pretty", "output format (pretty|json)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show movec build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch strings.ToLower(versionFormat) {
		case "json":
			return renderVersionJSON(cmd.OutOrStdout())
		case "pretty":
		default:
			return fmt.Errorf("unsupported format %q (must be pretty or json)", versionFormat)
		}
		colorValue, err := cmd.Root().PersistentFlags().GetString("color")
		if err != nil {
			return err
		}
		enabled, err := readColorMode(colorValue, os.Stdout)
		if err != nil {
			return err
		}
		color.NoColor = !enabled
		renderVersionPretty(cmd.OutOrStdout())
		return nil
	},
}

func renderVersionPretty(out io.Writer) {
	fmt.Fprintf(out, "movec %s\n", version.Colored())
	if versionShowFull {
		fmt.Fprint(out, version.Details())
	}
}

func renderVersionJSON(out io.Writer) error {
	payload := versionPayload{
		Tool:          "movec",
		Version:       strings.TrimSpace(version.Version),
		FormatVersion: uint32(binfmt.FormatVersion),
	}
	if versionShowFull {
		payload.GitCommit = version.GitCommit
		payload.BuildDate = version.BuildDate
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
