package env

import (
	"fmt"

	"movec/internal/diag"
)

// Check reports declaration-level problems: duplicate names, dangling
// struct references, reference-typed fields and struct abilities that their
// fields cannot support. Function bodies are checked during lowering.
func Check(e *Env, r diag.Reporter) {
	seenModules := make(map[string]bool, len(e.Modules))
	for mi, m := range e.Modules {
		qn := m.QualifiedName()
		if seenModules[qn] {
			diag.ReportError(r, diag.EnvDuplicateName, m.Span, fmt.Sprintf("module %s declared twice", qn)).Emit()
		}
		seenModules[qn] = true
		checkStructs(e, ModuleID(mi), r)
		checkFuncs(e, ModuleID(mi), r)
	}
}

func checkStructs(e *Env, mid ModuleID, r diag.Reporter) {
	m := e.Modules[mid]
	seen := make(map[string]bool, len(m.Structs))
	for si := range m.Structs {
		s := &m.Structs[si]
		if seen[s.Name] {
			diag.ReportError(r, diag.EnvDuplicateName, s.Span, fmt.Sprintf("struct %s declared twice in %s", s.Name, m.Name)).Emit()
		}
		seen[s.Name] = true

		// Field positions assume type arguments carry every ability; instantiation sites check the rest.
		assumed := make([]AbilitySet, len(s.TypeParams))
		for i := range assumed {
			assumed[i] = AbilityAll
		}
		required := s.Abilities.RequiredForField()
		fieldNames := make(map[string]bool, len(s.Fields))
		for fi := range s.Fields {
			f := &s.Fields[fi]
			if fieldNames[f.Name] {
				diag.ReportError(r, diag.EnvDuplicateName, f.Span, fmt.Sprintf("field %s declared twice in %s", f.Name, s.Name)).Emit()
			}
			fieldNames[f.Name] = true
			if err := e.ValidateType(f.Type, len(s.TypeParams)); err != nil {
				diag.ReportError(r, diag.EnvInconsistent, f.Span, fmt.Sprintf("field %s: %v", f.Name, err)).Emit()
				continue
			}
			if containsRef(f.Type) {
				diag.ReportError(r, diag.EnvInconsistent, f.Span, fmt.Sprintf("field %s of %s has reference type %s", f.Name, s.Name, e.TypeString(f.Type))).Emit()
				continue
			}
			has := e.AbilitiesOf(f.Type, assumed)
			if missing := has.Missing(required); missing != 0 {
				diag.ReportError(r, diag.ResAbilityMismatch, f.Span,
					fmt.Sprintf("struct %s declares {%s} but field %s of type %s lacks {%s}", s.Name, s.Abilities, f.Name, e.TypeString(f.Type), missing)).
					WithNote(s.Span, "abilities declared here").
					Emit()
			}
		}
	}
}

func checkFuncs(e *Env, mid ModuleID, r diag.Reporter) {
	m := e.Modules[mid]
	seen := make(map[string]bool, len(m.Funcs))
	for fi := range m.Funcs {
		f := &m.Funcs[fi]
		if seen[f.Name] {
			diag.ReportError(r, diag.EnvDuplicateName, f.Span, fmt.Sprintf("function %s declared twice in %s", f.Name, m.Name)).Emit()
		}
		seen[f.Name] = true
		for _, p := range f.Params {
			if err := e.ValidateType(p.Type, len(f.TypeParams)); err != nil {
				diag.ReportError(r, diag.EnvInconsistent, p.Span, fmt.Sprintf("parameter %s: %v", p.Name, err)).Emit()
			}
		}
		for i, res := range f.Results {
			if err := e.ValidateType(res, len(f.TypeParams)); err != nil {
				diag.ReportError(r, diag.EnvInconsistent, f.Span, fmt.Sprintf("result %d: %v", i, err)).Emit()
			}
		}
	}
}

// ValidateType checks struct references, type argument counts and type
// parameter indexes. Tuples are not valid declaration types.
func (e *Env) ValidateType(t Type, typeParams int) error {
	switch t.Kind {
	case TypeBool, TypeU8, TypeU16, TypeU32, TypeU64, TypeU128, TypeU256, TypeAddress, TypeSigner:
		return nil
	case TypeVector:
		if t.Elem == nil {
			return fmt.Errorf("vector without element type")
		}
		return e.ValidateType(*t.Elem, typeParams)
	case TypeRef:
		if t.Elem == nil {
			return fmt.Errorf("reference without element type")
		}
		if t.Elem.IsRef() {
			return fmt.Errorf("reference to reference")
		}
		return e.ValidateType(*t.Elem, typeParams)
	case TypeParam:
		if t.Param < 0 || t.Param >= typeParams {
			return fmt.Errorf("type parameter #%d out of range", t.Param)
		}
		return nil
	case TypeStruct:
		decl := e.Struct(t.Struct)
		if decl == nil {
			return fmt.Errorf("unknown struct %d.%d", t.Struct.Module, t.Struct.Index)
		}
		if len(t.Args) != len(decl.TypeParams) {
			return fmt.Errorf("struct %s expects %d type arguments, got %d", decl.Name, len(decl.TypeParams), len(t.Args))
		}
		for _, a := range t.Args {
			if a.IsRef() {
				return fmt.Errorf("reference type argument to %s", decl.Name)
			}
			if err := e.ValidateType(a, typeParams); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("invalid type kind %d", t.Kind)
}

func containsRef(t Type) bool {
	switch t.Kind {
	case TypeRef:
		return true
	case TypeVector:
		return containsRef(t.Inner())
	case TypeStruct, TypeTuple:
		for _, a := range t.Args {
			if containsRef(a) {
				return true
			}
		}
	}
	return false
}

// CheckInstantiation reports which type arguments fail their parameter's constraints.
// It returns one message per violation.
func (e *Env) CheckInstantiation(params []TypeParamDecl, args []Type, scope []AbilitySet) []string {
	var out []string
	for i := range params {
		if i >= len(args) {
			break
		}
		has := e.AbilitiesOf(args[i], scope)
		if missing := has.Missing(params[i].Constraints); missing != 0 {
			out = append(out, fmt.Sprintf("type argument %s for %s lacks {%s}", e.TypeString(args[i]), params[i].Name, missing))
		}
	}
	return out
}
