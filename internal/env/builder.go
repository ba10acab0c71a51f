package env

import (
	"movec/internal/source"
)

// Builder assembles an environment in memory. Tests and tools use it in place
// of a front-end; it performs no checking beyond what Check does later.
type Builder struct {
	env *Env
}

func NewBuilder() *Builder {
	return &Builder{env: &Env{}}
}

// File registers source text and returns the FileID spans should use.
func (b *Builder) File(path string, content string) source.FileID {
	b.env.Files = append(b.env.Files, SourceFile{Path: path, Content: []byte(content)})
	return source.FileID(len(b.env.Files) - 1) // #nosec G115 -- fixture sized
}

// Module starts a new module.
func (b *Builder) Module(address, name string) *ModuleBuilder {
	m := &Module{Address: MustAddress(address), Name: name}
	b.env.Modules = append(b.env.Modules, m)
	return &ModuleBuilder{id: ModuleID(len(b.env.Modules) - 1), mod: m}
}

// Build freezes and returns the environment. The builder must not be reused.
func (b *Builder) Build() *Env {
	b.env.Freeze()
	return b.env
}

type ModuleBuilder struct {
	id  ModuleID
	mod *Module
}

func (m *ModuleBuilder) ID() ModuleID { return m.id }

// Field is a fixture helper for struct fields.
func Field(name string, t Type) FieldDecl { return FieldDecl{Name: name, Type: t} }

// Param is a fixture helper for function parameters.
func Param(name string, t Type) ParamDecl { return ParamDecl{Name: name, Type: t} }

// Generic is a fixture helper for constrained type parameters.
func Generic(name string, constraints AbilitySet) TypeParamDecl {
	return TypeParamDecl{Name: name, Constraints: constraints}
}

// Struct declares a struct and returns its reference.
func (m *ModuleBuilder) Struct(name string, abilities AbilitySet, fields ...FieldDecl) StructRef {
	m.mod.Structs = append(m.mod.Structs, StructDecl{Name: name, Abilities: abilities, Fields: fields})
	return StructRef{Module: m.id, Index: len(m.mod.Structs) - 1}
}

// GenericStruct declares a struct with type parameters.
func (m *ModuleBuilder) GenericStruct(name string, abilities AbilitySet, typeParams []TypeParamDecl, fields ...FieldDecl) StructRef {
	m.mod.Structs = append(m.mod.Structs, StructDecl{Name: name, Abilities: abilities, TypeParams: typeParams, Fields: fields})
	return StructRef{Module: m.id, Index: len(m.mod.Structs) - 1}
}

// Func declares a function without a body; set it with SetBody so that
// recursive functions can reference themselves.
func (m *ModuleBuilder) Func(name string, params []ParamDecl, results ...Type) FuncRef {
	m.mod.Funcs = append(m.mod.Funcs, FuncDecl{Name: name, Visibility: VisPublic, Params: params, Results: results})
	return FuncRef{Module: m.id, Index: len(m.mod.Funcs) - 1}
}

// GenericFunc declares a function with type parameters.
func (m *ModuleBuilder) GenericFunc(name string, typeParams []TypeParamDecl, params []ParamDecl, results ...Type) FuncRef {
	r := m.Func(name, params, results...)
	m.mod.Funcs[r.Index].TypeParams = typeParams
	return r
}

// SetBody attaches the typed body of f.
func (m *ModuleBuilder) SetBody(f FuncRef, body *Exp) {
	m.mod.Funcs[f.Index].Body = body
}

// SetSpan attaches a declaration span to f.
func (m *ModuleBuilder) SetSpan(f FuncRef, sp source.Span) {
	m.mod.Funcs[f.Index].Span = sp
}

// Decl exposes the declaration for fixture tweaks (spans, visibility).
func (m *ModuleBuilder) Decl(f FuncRef) *FuncDecl {
	return &m.mod.Funcs[f.Index]
}

// StructDecl exposes a struct declaration for fixture tweaks.
func (m *ModuleBuilder) StructDecl(s StructRef) *StructDecl {
	return &m.mod.Structs[s.Index]
}
