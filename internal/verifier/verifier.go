// Package verifier independently checks generated modules before they are
// written. A rejection means the compiler produced code its own analyses
// should have ruled out.
package verifier

import (
	"fmt"

	"movec/internal/binfmt"
	"movec/internal/env"
)

// Verifier accepts or rejects a module.
type Verifier interface {
	Verify(m *binfmt.Module) error
}

// Rejection describes why a module was refused. Offset is -1 for table errors.
type Rejection struct {
	Module   string
	Function string
	Offset   int
	Reason   string
}

func (r *Rejection) Error() string {
	switch {
	case r.Function == "":
		return fmt.Sprintf("module %s: %s", r.Module, r.Reason)
	case r.Offset < 0:
		return fmt.Sprintf("module %s, function %s: %s", r.Module, r.Function, r.Reason)
	}
	return fmt.Sprintf("module %s, function %s, offset %d: %s", r.Module, r.Function, r.Offset, r.Reason)
}

// Structural checks table bounds, branch targets, a typed operand stack,
// local availability and the ability rules that the bytecode alone can
// express. It does not check reference safety.
type Structural struct{}

var _ Verifier = Structural{}

func (Structural) Verify(m *binfmt.Module) error {
	v := &moduleVerifier{m: m, name: m.Address().String() + "::" + m.Name()}
	if err := v.tables(); err != nil {
		return err
	}
	for i := range m.FunctionDefs {
		if m.FunctionDefs[i].Code == nil {
			continue
		}
		if err := v.function(&m.FunctionDefs[i]); err != nil {
			return err
		}
	}
	return nil
}

type moduleVerifier struct {
	m    *binfmt.Module
	name string
}

func (v *moduleVerifier) reject(format string, args ...any) error {
	return &Rejection{Module: v.name, Offset: -1, Reason: fmt.Sprintf(format, args...)}
}

func (v *moduleVerifier) tables() error {
	m := v.m
	if int(m.Self) >= len(m.ModuleHandles) {
		return v.reject("self handle %d out of range", m.Self)
	}
	for i, h := range m.ModuleHandles {
		if int(h.Address) >= len(m.AddressIdentifiers) || int(h.Name) >= len(m.Identifiers) {
			return v.reject("module handle %d has out-of-range indices", i)
		}
	}
	for i, h := range m.StructHandles {
		if int(h.Module) >= len(m.ModuleHandles) || int(h.Name) >= len(m.Identifiers) {
			return v.reject("struct handle %d has out-of-range indices", i)
		}
	}
	for i, sig := range m.Signatures {
		for _, tok := range sig {
			if err := v.token(tok); err != nil {
				return v.reject("signature %d: %v", i, err)
			}
		}
	}
	for i, h := range m.FunctionHandles {
		if int(h.Module) >= len(m.ModuleHandles) || int(h.Name) >= len(m.Identifiers) ||
			int(h.Params) >= len(m.Signatures) || int(h.Return) >= len(m.Signatures) {
			return v.reject("function handle %d has out-of-range indices", i)
		}
	}
	for i, d := range m.StructDefs {
		if int(d.Handle) >= len(m.StructHandles) {
			return v.reject("struct definition %d: handle out of range", i)
		}
		if m.StructHandles[d.Handle].Module != m.Self {
			return v.reject("struct definition %d defines a foreign struct", i)
		}
		for _, f := range d.Fields {
			if int(f.Name) >= len(m.Identifiers) {
				return v.reject("struct definition %d: field name out of range", i)
			}
			if err := v.token(f.Type); err != nil {
				return v.reject("struct definition %d: %v", i, err)
			}
			if f.Type.IsRef() {
				return v.reject("struct definition %d stores a reference", i)
			}
		}
	}
	for i, fh := range m.FieldHandles {
		if int(fh.Owner) >= len(m.StructDefs) || int(fh.Field) >= len(m.StructDefs[fh.Owner].Fields) {
			return v.reject("field handle %d out of range", i)
		}
	}
	for i, inst := range m.StructInsts {
		if int(inst.Def) >= len(m.StructDefs) || int(inst.TypeArgs) >= len(m.Signatures) {
			return v.reject("struct instantiation %d out of range", i)
		}
	}
	for i, inst := range m.FunctionInsts {
		if int(inst.Handle) >= len(m.FunctionHandles) || int(inst.TypeArgs) >= len(m.Signatures) {
			return v.reject("function instantiation %d out of range", i)
		}
	}
	for i, c := range m.Constants {
		switch c.Type.Kind {
		case binfmt.TokAddress:
			if len(c.Data) != len(env.AccountAddress{}) {
				return v.reject("constant %d: address of %d bytes", i, len(c.Data))
			}
		case binfmt.TokVector:
			if c.Type.Inner().Kind != binfmt.TokU8 {
				return v.reject("constant %d: unsupported vector constant", i)
			}
		default:
			return v.reject("constant %d: unsupported type", i)
		}
	}
	for i, d := range m.FunctionDefs {
		if int(d.Handle) >= len(m.FunctionHandles) {
			return v.reject("function definition %d: handle out of range", i)
		}
		if m.FunctionHandles[d.Handle].Module != m.Self {
			return v.reject("function definition %d defines a foreign function", i)
		}
		if d.Code != nil && int(d.Code.Locals) >= len(m.Signatures) {
			return v.reject("function definition %d: locals signature out of range", i)
		}
	}
	return nil
}

func (v *moduleVerifier) token(tok binfmt.SignatureToken) error {
	switch tok.Kind {
	case binfmt.TokBool, binfmt.TokU8, binfmt.TokU16, binfmt.TokU32, binfmt.TokU64, binfmt.TokU128,
		binfmt.TokU256, binfmt.TokAddress, binfmt.TokSigner, binfmt.TokTypeParam:
		return nil
	case binfmt.TokVector, binfmt.TokRef, binfmt.TokMutRef:
		if tok.Elem == nil {
			return fmt.Errorf("%s token without element", kindName(tok.Kind))
		}
		if tok.Elem.IsRef() {
			return fmt.Errorf("nested reference")
		}
		return v.token(*tok.Elem)
	case binfmt.TokStruct:
		if int(tok.Handle) >= len(v.m.StructHandles) {
			return fmt.Errorf("struct handle %d out of range", tok.Handle)
		}
		if want := len(v.m.StructHandles[tok.Handle].TypeParams); want != len(tok.Args) {
			return fmt.Errorf("struct %s takes %d type arguments, got %d", v.m.StructName(tok.Handle), want, len(tok.Args))
		}
		for _, a := range tok.Args {
			if a.IsRef() {
				return fmt.Errorf("reference type argument")
			}
			if err := v.token(a); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("invalid token kind %d", tok.Kind)
}

func kindName(k binfmt.TokenKind) string {
	switch k {
	case binfmt.TokVector:
		return "vector"
	case binfmt.TokRef, binfmt.TokMutRef:
		return "reference"
	}
	return "token"
}
