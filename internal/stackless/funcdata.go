package stackless

import (
	"fmt"
	"slices"

	"movec/internal/env"
	"movec/internal/source"
)

// Local is a typed slot. Temporaries have an empty Name.
type Local struct {
	Name  string
	Type  env.Type
	Param bool
	Span  source.Span
}

// FuncData is the per-function unit every pass reads and rewrites.
// It is owned by exactly one pass at a time.
type FuncData struct {
	Ref        env.FuncRef
	Name       string
	Span       source.Span
	TypeParams []env.AbilitySet
	Locals     []Local
	Results    []env.Type
	Code       []Bytecode

	nextLabel   Label
	annotations annotations
}

// NewFuncData creates function data whose first locals are the parameters.
func NewFuncData(ref env.FuncRef, name string, span source.Span, typeParams []env.AbilitySet, params []Local, results []env.Type) *FuncData {
	fd := &FuncData{
		Ref:        ref,
		Name:       name,
		Span:       span,
		TypeParams: typeParams,
		Results:    results,
	}
	for _, p := range params {
		p.Param = true
		fd.Locals = append(fd.Locals, p)
	}
	return fd
}

// ParamCount returns the number of leading parameter slots.
func (fd *FuncData) ParamCount() int {
	n := 0
	for n < len(fd.Locals) && fd.Locals[n].Param {
		n++
	}
	return n
}

// NewTemp allocates a fresh temporary slot.
func (fd *FuncData) NewTemp(t env.Type, sp source.Span) TempIndex {
	fd.Locals = append(fd.Locals, Local{Type: t, Span: sp})
	return len(fd.Locals) - 1
}

// NewNamedLocal allocates a slot for a source-level let binding.
func (fd *FuncData) NewNamedLocal(name string, t env.Type, sp source.Span) TempIndex {
	fd.Locals = append(fd.Locals, Local{Name: name, Type: t, Span: sp})
	return len(fd.Locals) - 1
}

// NewLabel returns a label not yet used in this function.
func (fd *FuncData) NewLabel() Label {
	l := fd.nextLabel
	fd.nextLabel++
	return l
}

// LocalType returns the type of temp t.
func (fd *FuncData) LocalType(t TempIndex) env.Type {
	return fd.Locals[t].Type
}

// LocalName renders a temp for dumps and diagnostics.
func (fd *FuncData) LocalName(t TempIndex) string {
	if t >= 0 && t < len(fd.Locals) && fd.Locals[t].Name != "" {
		return fd.Locals[t].Name
	}
	return fmt.Sprintf("$t%d", t)
}

// SetCode replaces the instruction sequence and drops every annotation,
// since annotations are keyed by code offset.
func (fd *FuncData) SetCode(code []Bytecode) {
	fd.Code = code
	fd.annotations.clear()
	for i := range code {
		for _, l := range []Label{code[i].Label, code[i].Then, code[i].Else} {
			if l >= fd.nextLabel {
				fd.nextLabel = l + 1
			}
		}
	}
}

// CloneCode deep-copies the instruction sequence.
func (fd *FuncData) CloneCode() []Bytecode {
	out := make([]Bytecode, len(fd.Code))
	for i := range fd.Code {
		out[i] = fd.Code[i].Clone()
	}
	return out
}

// Clone copies the function without annotations.
func (fd *FuncData) Clone() *FuncData {
	out := *fd
	out.Locals = slices.Clone(fd.Locals)
	out.Results = slices.Clone(fd.Results)
	out.TypeParams = slices.Clone(fd.TypeParams)
	out.Code = fd.CloneCode()
	out.annotations = annotations{}
	return &out
}

// SameCode reports whether two functions carry identical instruction sequences.
func (fd *FuncData) SameCode(other *FuncData) bool {
	if len(fd.Code) != len(other.Code) {
		return false
	}
	for i := range fd.Code {
		if !fd.Code[i].Equal(&other.Code[i]) {
			return false
		}
	}
	return true
}
