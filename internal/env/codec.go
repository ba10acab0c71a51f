package env

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/text/unicode/norm"
)

// FormatVersion is bumped whenever the on-disk environment layout changes.
const FormatVersion uint16 = 1

var errBadMagic = errors.New("not a movec environment file")

const magic = "MVENV"

type envHeader struct {
	Magic   string `msgpack:"magic"`
	Version uint16 `msgpack:"version"`
}

type envFile struct {
	Header envHeader `msgpack:"header"`
	Env    *Env      `msgpack:"env"`
}

// Encode writes e in the front-end hand-off format.
func Encode(w io.Writer, e *Env) error {
	enc := msgpack.NewEncoder(w)
	enc.SetSortMapKeys(true)
	return enc.Encode(&envFile{
		Header: envHeader{Magic: magic, Version: FormatVersion},
		Env:    e,
	})
}

// Decode reads an environment, normalizes identifiers to NFC and freezes it.
func Decode(r io.Reader) (*Env, error) {
	var file envFile
	dec := msgpack.NewDecoder(r)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if file.Header.Magic != magic {
		return nil, errBadMagic
	}
	if file.Header.Version != FormatVersion {
		return nil, fmt.Errorf("environment format version %d, expected %d", file.Header.Version, FormatVersion)
	}
	if file.Env == nil {
		return nil, fmt.Errorf("environment file has no body")
	}
	if err := normalizeIdentifiers(file.Env); err != nil {
		return nil, err
	}
	file.Env.Freeze()
	return file.Env, nil
}

// Load decodes the environment stored at path.
func Load(path string) (*Env, error) {
	// #nosec G304 -- path is provided by the caller
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	e, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return e, nil
}

// Save writes e to path.
func Save(path string, e *Env) error {
	var buf bytes.Buffer
	if err := Encode(&buf, e); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// normalizeIdentifiers rewrites every name into NFC so that lookups and
// binary identifier pools do not depend on how the front-end spelled them.
func normalizeIdentifiers(e *Env) error {
	for _, m := range e.Modules {
		if m == nil {
			return fmt.Errorf("nil module in environment")
		}
		var err error
		if m.Name, err = ident(m.Name); err != nil {
			return err
		}
		for si := range m.Structs {
			s := &m.Structs[si]
			if s.Name, err = ident(s.Name); err != nil {
				return err
			}
			for fi := range s.Fields {
				if s.Fields[fi].Name, err = ident(s.Fields[fi].Name); err != nil {
					return err
				}
			}
		}
		for fi := range m.Funcs {
			f := &m.Funcs[fi]
			if f.Name, err = ident(f.Name); err != nil {
				return err
			}
			for pi := range f.Params {
				if f.Params[pi].Name, err = ident(f.Params[pi].Name); err != nil {
					return err
				}
			}
			Walk(f.Body, func(x *Exp) bool {
				if x.Name != "" {
					x.Name = norm.NFC.String(x.Name)
				}
				for i := range x.Names {
					x.Names[i] = norm.NFC.String(x.Names[i])
				}
				return true
			})
		}
	}
	return nil
}

func ident(s string) (string, error) {
	n := norm.NFC.String(s)
	if n == "" {
		return "", fmt.Errorf("empty identifier")
	}
	for i, r := range n {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return "", fmt.Errorf("invalid identifier %q", s)
	}
	return n, nil
}
