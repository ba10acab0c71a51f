package env

import (
	"fmt"

	"movec/internal/source"
)

// Env is the Global Environment: every module, struct and function of one
// compilation, fully typed. It is never mutated after Freeze, so passes running
// on different goroutines may share it.
type Env struct {
	Files   []SourceFile `msgpack:"files"`
	Modules []*Module    `msgpack:"modules"`

	fileSet *source.FileSet
	byName  map[string]FuncRef
	frozen  bool
}

// Freeze builds lookup indexes and the file set. Decode and Builder.Build call
// it; mutating the environment afterwards is a bug.
func (e *Env) Freeze() {
	if e.frozen {
		return
	}
	e.fileSet = source.NewFileSet()
	for _, f := range e.Files {
		e.fileSet.Add(f.Path, f.Content, source.FileVirtual)
	}
	e.byName = make(map[string]FuncRef)
	for mi, m := range e.Modules {
		for fi := range m.Funcs {
			e.byName[m.QualifiedName()+"::"+m.Funcs[fi].Name] = FuncRef{Module: ModuleID(mi), Index: fi}
		}
	}
	e.frozen = true
}

// FileSet resolves spans carried by declarations and expressions.
func (e *Env) FileSet() *source.FileSet {
	if e.fileSet == nil {
		return source.NewFileSet()
	}
	return e.fileSet
}

func (e *Env) Module(id ModuleID) *Module {
	if int(id) < 0 || int(id) >= len(e.Modules) {
		return nil
	}
	return e.Modules[id]
}

// Struct returns nil for an out-of-range reference.
func (e *Env) Struct(r StructRef) *StructDecl {
	m := e.Module(r.Module)
	if m == nil || r.Index < 0 || r.Index >= len(m.Structs) {
		return nil
	}
	return &m.Structs[r.Index]
}

// Func returns nil for an out-of-range reference.
func (e *Env) Func(r FuncRef) *FuncDecl {
	m := e.Module(r.Module)
	if m == nil || r.Index < 0 || r.Index >= len(m.Funcs) {
		return nil
	}
	return &m.Funcs[r.Index]
}

// LookupFunc finds a function by its qualified name "0x1::m::f".
func (e *Env) LookupFunc(name string) (FuncRef, bool) {
	if e.byName == nil {
		for _, r := range e.FuncRefs() {
			if e.FuncName(r) == name {
				return r, true
			}
		}
		return FuncRef{}, false
	}
	r, ok := e.byName[name]
	return r, ok
}

// FuncName renders the qualified name of r.
func (e *Env) FuncName(r FuncRef) string {
	m := e.Module(r.Module)
	f := e.Func(r)
	if m == nil || f == nil {
		return fmt.Sprintf("<func %d.%d>", r.Module, r.Index)
	}
	return m.QualifiedName() + "::" + f.Name
}

// FuncRefs lists every function in module then declaration order.
func (e *Env) FuncRefs() []FuncRef {
	var out []FuncRef
	for mi, m := range e.Modules {
		for fi := range m.Funcs {
			out = append(out, FuncRef{Module: ModuleID(mi), Index: fi})
		}
	}
	return out
}

// TypeString renders t with qualified struct names.
func (e *Env) TypeString(t Type) string {
	return typeString(t, e)
}

// AbilitiesOf computes the abilities of t. typeParams gives the declared
// constraints of type parameters in scope.
func (e *Env) AbilitiesOf(t Type, typeParams []AbilitySet) AbilitySet {
	switch t.Kind {
	case TypeBool, TypeU8, TypeU16, TypeU32, TypeU64, TypeU128, TypeU256, TypeAddress:
		return primitiveAbilities
	case TypeSigner:
		return AbilityDrop
	case TypeRef:
		return AbilityCopy | AbilityDrop
	case TypeVector:
		return e.AbilitiesOf(t.Inner(), typeParams) & primitiveAbilities
	case TypeParam:
		if t.Param < len(typeParams) {
			return typeParams[t.Param]
		}
		return AbilityNone
	case TypeStruct:
		decl := e.Struct(t.Struct)
		if decl == nil {
			return AbilityNone
		}
		abilities := decl.Abilities
		for i, arg := range t.Args {
			if i < len(decl.TypeParams) && decl.TypeParams[i].Phantom {
				continue
			}
			argAbilities := e.AbilitiesOf(arg, typeParams)
			// struct has ability a only if every non-phantom argument has the ability required for a
			for _, a := range []AbilitySet{AbilityCopy, AbilityDrop, AbilityStore, AbilityKey} {
				if abilities.Has(a) && !argAbilities.Has(a.RequiredForField()) {
					abilities &^= a
				}
			}
		}
		return abilities
	case TypeTuple:
		out := AbilityAll
		for _, a := range t.Args {
			out &= e.AbilitiesOf(a, typeParams)
		}
		return out
	}
	return AbilityNone
}

// FieldType returns the type of field i of an instantiated struct type.
func (e *Env) FieldType(s StructRef, typeArgs []Type, i int) (Type, bool) {
	decl := e.Struct(s)
	if decl == nil || i < 0 || i >= len(decl.Fields) {
		return Type{}, false
	}
	return decl.Fields[i].Type.Subst(typeArgs), true
}

// FieldTypes returns every field type of an instantiated struct.
func (e *Env) FieldTypes(s StructRef, typeArgs []Type) []Type {
	decl := e.Struct(s)
	if decl == nil {
		return nil
	}
	out := make([]Type, len(decl.Fields))
	for i := range decl.Fields {
		out[i] = decl.Fields[i].Type.Subst(typeArgs)
	}
	return out
}

// SignatureOf instantiates f's parameter and result types with typeArgs.
func (e *Env) SignatureOf(r FuncRef, typeArgs []Type) (params, results []Type, ok bool) {
	f := e.Func(r)
	if f == nil {
		return nil, nil, false
	}
	params = make([]Type, len(f.Params))
	for i := range f.Params {
		params[i] = f.Params[i].Type.Subst(typeArgs)
	}
	results = make([]Type, len(f.Results))
	for i := range f.Results {
		results[i] = f.Results[i].Subst(typeArgs)
	}
	return params, results, true
}
