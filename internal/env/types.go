package env

import (
	"fmt"
	"strings"
)

type TypeKind uint8

const (
	TypeInvalid TypeKind = iota
	TypeBool
	TypeU8
	TypeU16
	TypeU32
	TypeU64
	TypeU128
	TypeU256
	TypeAddress
	TypeSigner
	TypeVector
	TypeStruct
	TypeRef
	TypeParam
	// TypeTuple only appears as the type of expressions (unit is the empty tuple).
	TypeTuple
)

// Type is a fully instantiated or generic type. Vector and Ref use Elem;
// Struct uses Struct and Args; Tuple uses Args; Param uses Param.
type Type struct {
	Kind   TypeKind  `msgpack:"k"`
	Elem   *Type     `msgpack:"e,omitempty"`
	Mut    bool      `msgpack:"m,omitempty"`
	Struct StructRef `msgpack:"s,omitempty"`
	Args   []Type    `msgpack:"a,omitempty"`
	Param  int       `msgpack:"p,omitempty"`
}

var (
	Bool    = Type{Kind: TypeBool}
	U8      = Type{Kind: TypeU8}
	U16     = Type{Kind: TypeU16}
	U32     = Type{Kind: TypeU32}
	U64     = Type{Kind: TypeU64}
	U128    = Type{Kind: TypeU128}
	U256    = Type{Kind: TypeU256}
	Address = Type{Kind: TypeAddress}
	Signer  = Type{Kind: TypeSigner}
	Unit    = Type{Kind: TypeTuple}
)

func VectorOf(elem Type) Type { return Type{Kind: TypeVector, Elem: &elem} }

func RefOf(elem Type, mut bool) Type { return Type{Kind: TypeRef, Elem: &elem, Mut: mut} }

func StructOf(s StructRef, args ...Type) Type { return Type{Kind: TypeStruct, Struct: s, Args: args} }

func TypeParamOf(i int) Type { return Type{Kind: TypeParam, Param: i} }

func TupleOf(items ...Type) Type {
	if len(items) == 1 {
		return items[0]
	}
	return Type{Kind: TypeTuple, Args: items}
}

func (t Type) IsRef() bool { return t.Kind == TypeRef }

func (t Type) IsMutRef() bool { return t.Kind == TypeRef && t.Mut }

func (t Type) IsUnit() bool { return t.Kind == TypeTuple && len(t.Args) == 0 }

// IsInteger reports u8 through u256.
func (t Type) IsInteger() bool { return t.Kind >= TypeU8 && t.Kind <= TypeU256 }

// Flatten returns tuple elements, or t itself as a single element.
func (t Type) Flatten() []Type {
	if t.Kind == TypeTuple {
		return t.Args
	}
	return []Type{t}
}

// Inner returns the referenced type of a reference.
func (t Type) Inner() Type {
	if t.Elem == nil {
		return Type{}
	}
	return *t.Elem
}

func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind || t.Mut != o.Mut || t.Param != o.Param || t.Struct != o.Struct {
		return false
	}
	if (t.Elem == nil) != (o.Elem == nil) {
		return false
	}
	if t.Elem != nil && !t.Elem.Equal(*o.Elem) {
		return false
	}
	if len(t.Args) != len(o.Args) {
		return false
	}
	for i := range t.Args {
		if !t.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return true
}

// Subst replaces type parameters with args.
func (t Type) Subst(args []Type) Type {
	switch t.Kind {
	case TypeParam:
		if t.Param < len(args) {
			return args[t.Param]
		}
		return t
	case TypeVector, TypeRef:
		inner := t.Elem.Subst(args)
		t.Elem = &inner
		return t
	case TypeStruct, TypeTuple:
		if len(t.Args) == 0 {
			return t
		}
		out := make([]Type, len(t.Args))
		for i, a := range t.Args {
			out[i] = a.Subst(args)
		}
		t.Args = out
		return t
	}
	return t
}

// String renders the type without an environment; structs print as S#m.i.
// Use Env.TypeString for qualified struct names.
func (t Type) String() string {
	return typeString(t, nil)
}

func typeString(t Type, e *Env) string {
	switch t.Kind {
	case TypeBool:
		return "bool"
	case TypeU8:
		return "u8"
	case TypeU16:
		return "u16"
	case TypeU32:
		return "u32"
	case TypeU64:
		return "u64"
	case TypeU128:
		return "u128"
	case TypeU256:
		return "u256"
	case TypeAddress:
		return "address"
	case TypeSigner:
		return "signer"
	case TypeVector:
		return "vector<" + typeString(t.Inner(), e) + ">"
	case TypeRef:
		if t.Mut {
			return "&mut " + typeString(t.Inner(), e)
		}
		return "&" + typeString(t.Inner(), e)
	case TypeParam:
		return fmt.Sprintf("#%d", t.Param)
	case TypeTuple:
		parts := make([]string, len(t.Args))
		for i, a := range t.Args {
			parts[i] = typeString(a, e)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case TypeStruct:
		name := fmt.Sprintf("S#%d.%d", t.Struct.Module, t.Struct.Index)
		if e != nil {
			if decl := e.Struct(t.Struct); decl != nil {
				name = e.Modules[t.Struct.Module].Name + "::" + decl.Name
			}
		}
		if len(t.Args) == 0 {
			return name
		}
		parts := make([]string, len(t.Args))
		for i, a := range t.Args {
			parts[i] = typeString(a, e)
		}
		return name + "<" + strings.Join(parts, ", ") + ">"
	}
	return "<invalid>"
}
