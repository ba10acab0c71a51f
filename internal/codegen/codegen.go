// Package codegen lowers checked stackless functions to the stack-based binary
// module format.
package codegen

import (
	"errors"
	"fmt"

	"movec/internal/binfmt"
	"movec/internal/diag"
	"movec/internal/env"
	"movec/internal/stackless"
)

// GenerateModule assembles module mid. bodies holds the final stackless code
// of every non-native function of the module; functions are emitted in
// declaration order so the output depends only on the input.
func GenerateModule(e *env.Env, mid env.ModuleID, bodies map[env.FuncRef]*stackless.FuncData) (*binfmt.Module, error) {
	mod := e.Module(mid)
	if mod == nil {
		return nil, fmt.Errorf("codegen: unknown module %d", mid)
	}
	t := newTables(e, mid)
	self, err := t.module(mid)
	if err != nil {
		return nil, fmt.Errorf("codegen %s: %w", mod.QualifiedName(), err)
	}
	t.m.Self = self

	// own handles first so definition i uses handle i
	for si := range mod.Structs {
		if _, err := t.structHandle(env.StructRef{Module: mid, Index: si}); err != nil {
			return nil, fmt.Errorf("codegen %s: %w", mod.QualifiedName(), err)
		}
	}
	for fi := range mod.Funcs {
		if _, err := t.funcHandle(env.FuncRef{Module: mid, Index: fi}); err != nil {
			return nil, fmt.Errorf("codegen %s: %w", mod.QualifiedName(), err)
		}
	}
	for si := range mod.Structs {
		def, err := t.structDefinition(env.StructRef{Module: mid, Index: si})
		if err != nil {
			return nil, fmt.Errorf("codegen %s: %w", mod.QualifiedName(), err)
		}
		t.m.StructDefs = append(t.m.StructDefs, def)
	}
	for fi := range mod.Funcs {
		ref := env.FuncRef{Module: mid, Index: fi}
		decl := &mod.Funcs[fi]
		fn := binfmt.FunctionDef{
			Handle:     t.funcs[ref],
			Visibility: decl.Visibility,
			Entry:      decl.Entry,
		}
		if !decl.Native() {
			fd := bodies[ref]
			if fd == nil {
				return nil, fmt.Errorf("codegen %s: no code for %s", mod.QualifiedName(), e.FuncName(ref))
			}
			unit, err := generateFunction(t, fd, &fn)
			if err != nil {
				return nil, wrapFunction(e.FuncName(ref), err)
			}
			fn.Code = unit
		}
		t.m.FunctionDefs = append(t.m.FunctionDefs, fn)
	}
	return t.m, nil
}

// wrapFunction keeps internal errors intact and tags the rest with the function.
func wrapFunction(name string, err error) error {
	var ie *diag.InternalError
	if errors.As(err, &ie) {
		return err
	}
	return fmt.Errorf("codegen %s: %w", name, err)
}

func (t *tables) structDefinition(r env.StructRef) (binfmt.StructDef, error) {
	decl := t.e.Struct(r)
	def := binfmt.StructDef{Handle: t.structs[r], Native: decl.Native}
	if decl.Native {
		return def, nil
	}
	for _, f := range decl.Fields {
		name, err := t.identifier(f.Name)
		if err != nil {
			return def, err
		}
		tok, err := t.token(f.Type)
		if err != nil {
			return def, fmt.Errorf("field %s.%s: %w", decl.Name, f.Name, err)
		}
		def.Fields = append(def.Fields, binfmt.FieldDef{Name: name, Type: tok})
	}
	return def, nil
}

// generateFunction runs both assembler passes and the stack self-check.
func generateFunction(t *tables, fd *stackless.FuncData, fn *binfmt.FunctionDef) (*binfmt.CodeUnit, error) {
	lv, err := stackless.ComputeLiveness(fd)
	if err != nil {
		return nil, err
	}
	a := &assembler{
		t:      t,
		fd:     fd,
		lv:     lv,
		code:   binfmt.NewCodeBuilder(),
		labels: make(map[stackless.Label]int),
		span:   fd.Span,
	}
	locals, err := a.assignSlots()
	if err != nil {
		return nil, err
	}
	localSig, err := t.signature(locals)
	if err != nil {
		return nil, err
	}
	for offset := range fd.Code {
		if err := a.instr(offset); err != nil {
			return nil, err
		}
	}
	if err := a.resolve(); err != nil {
		return nil, err
	}
	if err := a.checkStack(fn); err != nil {
		return nil, err
	}
	return &binfmt.CodeUnit{Locals: localSig, Code: a.code.Bytes()}, nil
}
