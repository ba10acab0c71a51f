package env

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// AccountAddress is a 32-byte account address.
type AccountAddress [32]byte

// ParseAddress accepts 0x-prefixed hex shorter than 64 digits, left-padded with zeros.
func ParseAddress(s string) (AccountAddress, error) {
	var a AccountAddress
	h := strings.TrimPrefix(strings.ToLower(s), "0x")
	if h == "" || len(h) > 64 {
		return a, fmt.Errorf("invalid address %q", s)
	}
	if len(h)%2 == 1 {
		h = "0" + h
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	copy(a[32-len(raw):], raw)
	return a, nil
}

// MustAddress panics on malformed input; used by fixtures.
func MustAddress(s string) AccountAddress {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String prints the short 0x form without leading zero bytes.
func (a AccountAddress) String() string {
	h := strings.TrimLeft(hex.EncodeToString(a[:]), "0")
	if h == "" {
		h = "0"
	}
	return "0x" + h
}

// Value is a constant. Integers up to u256 are stored as four little-endian 64-bit limbs.
type Value struct {
	Type  Type           `msgpack:"t"`
	Bool  bool           `msgpack:"b,omitempty"`
	Limbs [4]uint64      `msgpack:"l"`
	Addr  AccountAddress `msgpack:"a"`
	Bytes []byte         `msgpack:"y,omitempty"`
}

func BoolValue(b bool) Value { return Value{Type: Bool, Bool: b} }

// UintValue makes an integer constant of kind t.
func UintValue(t Type, v uint64) Value { return Value{Type: t, Limbs: [4]uint64{v}} }

func U64Value(v uint64) Value { return UintValue(U64, v) }

func AddressValue(a AccountAddress) Value { return Value{Type: Address, Addr: a} }

// BytesValue is a vector<u8> constant.
func BytesValue(b []byte) Value { return Value{Type: VectorOf(U8), Bytes: b} }

// Uint64 returns the low limb and whether the value fits in 64 bits.
func (v Value) Uint64() (uint64, bool) {
	return v.Limbs[0], v.Limbs[1] == 0 && v.Limbs[2] == 0 && v.Limbs[3] == 0
}

// Big returns the integer value as a big.Int.
func (v Value) Big() *big.Int {
	out := new(big.Int)
	for i := 3; i >= 0; i-- {
		out.Lsh(out, 64)
		out.Or(out, new(big.Int).SetUint64(v.Limbs[i]))
	}
	return out
}

// LittleEndian encodes the integer in width bytes.
func (v Value) LittleEndian(width int) []byte {
	out := make([]byte, width)
	for i := 0; i < width; i++ {
		out[i] = byte(v.Limbs[i/8] >> (8 * (i % 8)))
	}
	return out
}

func (v Value) Equal(o Value) bool {
	if !v.Type.Equal(o.Type) || v.Bool != o.Bool || v.Limbs != o.Limbs || v.Addr != o.Addr {
		return false
	}
	return string(v.Bytes) == string(o.Bytes)
}

func (v Value) String() string {
	switch v.Type.Kind {
	case TypeBool:
		return fmt.Sprintf("%t", v.Bool)
	case TypeAddress:
		return "@" + v.Addr.String()
	case TypeVector:
		return "x\"" + hex.EncodeToString(v.Bytes) + "\""
	}
	if v.Type.IsInteger() {
		return v.Big().String() + v.Type.String()
	}
	return "<value>"
}
