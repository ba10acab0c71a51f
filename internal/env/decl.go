package env

import (
	"movec/internal/source"
)

// ModuleID indexes Env.Modules.
type ModuleID int

// StructRef names a struct declaration by module and position.
type StructRef struct {
	Module ModuleID `msgpack:"m"`
	Index  int      `msgpack:"i"`
}

// FuncRef names a function declaration by module and position.
type FuncRef struct {
	Module ModuleID `msgpack:"m"`
	Index  int      `msgpack:"i"`
}

type Visibility uint8

const (
	VisPrivate Visibility = iota
	VisFriend
	VisPublic
)

type TypeParamDecl struct {
	Name        string     `msgpack:"n"`
	Constraints AbilitySet `msgpack:"c"`
	Phantom     bool       `msgpack:"p,omitempty"`
}

type FieldDecl struct {
	Name string      `msgpack:"n"`
	Type Type        `msgpack:"t"`
	Span source.Span `msgpack:"s"`
}

type StructDecl struct {
	Name       string          `msgpack:"n"`
	Abilities  AbilitySet      `msgpack:"a"`
	TypeParams []TypeParamDecl `msgpack:"tp,omitempty"`
	Fields     []FieldDecl     `msgpack:"f"`
	Native     bool            `msgpack:"nat,omitempty"`
	Span       source.Span     `msgpack:"s"`
}

// FieldIndex returns the position of the named field or -1.
func (s *StructDecl) FieldIndex(name string) int {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

type ParamDecl struct {
	Name string      `msgpack:"n"`
	Type Type        `msgpack:"t"`
	Span source.Span `msgpack:"s"`
}

// FuncDecl is a typed function. Body is nil for native functions.
type FuncDecl struct {
	Name       string          `msgpack:"n"`
	Visibility Visibility      `msgpack:"v"`
	Entry      bool            `msgpack:"e,omitempty"`
	TypeParams []TypeParamDecl `msgpack:"tp,omitempty"`
	Params     []ParamDecl     `msgpack:"p"`
	Results    []Type          `msgpack:"r"`
	Body       *Exp            `msgpack:"b"`
	Span       source.Span     `msgpack:"s"`
}

func (f *FuncDecl) Native() bool { return f.Body == nil }

// TypeParamAbilities returns declared constraints in order.
func (f *FuncDecl) TypeParamAbilities() []AbilitySet {
	out := make([]AbilitySet, len(f.TypeParams))
	for i, tp := range f.TypeParams {
		out[i] = tp.Constraints
	}
	return out
}

type Module struct {
	Address AccountAddress `msgpack:"addr"`
	Name    string         `msgpack:"n"`
	Structs []StructDecl   `msgpack:"st"`
	Funcs   []FuncDecl     `msgpack:"fn"`
	Span    source.Span    `msgpack:"s"`
}

// QualifiedName renders 0x1::coin.
func (m *Module) QualifiedName() string {
	return m.Address.String() + "::" + m.Name
}

// SourceFile travels with the environment so spans resolve without the original tree.
type SourceFile struct {
	Path    string `msgpack:"p"`
	Content []byte `msgpack:"c"`
}
