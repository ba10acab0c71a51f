package binfmt

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical mode so equal modules encode to equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("binfmt: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Encode serializes a module to canonical CBOR.
func Encode(m *Module) ([]byte, error) {
	data, err := cborEncMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("binfmt: marshal module: %w", err)
	}
	return data, nil
}

// DecodeModule deserializes a module and checks its format version.
func DecodeModule(data []byte) (*Module, error) {
	var m Module
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("binfmt: unmarshal module: %w", err)
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("binfmt: unsupported format version %d", m.Version)
	}
	return &m, nil
}
