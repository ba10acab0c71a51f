package stackless

import (
	"slices"

	"movec/internal/env"
	"movec/internal/source"
)

// TempIndex indexes FuncData.Locals. Parameters come first.
type TempIndex = int

// Label names a branch target. Labels are unique within a function.
type Label uint32

// Kind enumerates bytecode kinds.
type Kind uint8

const (
	// KindAssign moves or copies one temp into another.
	KindAssign Kind = iota
	// KindLoad loads a constant.
	KindLoad
	// KindCall applies an Operation to Srcs and defines Dsts.
	KindCall
	// KindLabel marks a branch target.
	KindLabel
	KindJump
	// KindBranch jumps to Then when Srcs[0] is true, otherwise to Else.
	KindBranch
	KindRet
	KindAbort
	KindNop
)

var kindNames = [...]string{
	KindAssign: "assign", KindLoad: "load", KindCall: "call", KindLabel: "label",
	KindJump: "jump", KindBranch: "branch", KindRet: "ret", KindAbort: "abort", KindNop: "nop",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "?"
}

// AssignKind selects the read semantics of an assignment source.
type AssignKind uint8

const (
	// AssignStore follows implicit operand semantics: move at last use, copy otherwise.
	AssignStore AssignKind = iota
	AssignCopy
	AssignMove
)

// OpKind enumerates operations carried by KindCall.
type OpKind uint8

const (
	OpFunction OpKind = iota
	OpPack
	OpUnpack
	// OpBorrowLoc borrows Srcs[0] in place; the source is not read.
	OpBorrowLoc
	OpBorrowField
	OpReadRef
	// OpWriteRef writes Srcs[1] through the reference Srcs[0].
	OpWriteRef
	OpFreezeRef
	// OpDestroy discards a value that has the drop ability.
	OpDestroy
	OpBuiltin
)

var opKindNames = [...]string{
	OpFunction: "call", OpPack: "pack", OpUnpack: "unpack", OpBorrowLoc: "borrow_local",
	OpBorrowField: "borrow_field", OpReadRef: "read_ref", OpWriteRef: "write_ref",
	OpFreezeRef: "freeze_ref", OpDestroy: "destroy", OpBuiltin: "builtin",
}

func (k OpKind) String() string {
	if int(k) < len(opKindNames) {
		return opKindNames[k]
	}
	return "?"
}

// Operation is the payload of KindCall.
type Operation struct {
	Kind     OpKind
	Func     env.FuncRef
	Struct   env.StructRef
	TypeArgs []env.Type
	Field    int
	Mut      bool
	Builtin  env.Builtin
}

// ReadMode tells how an instruction accesses one of its sources.
type ReadMode uint8

const (
	// ReadImplicit consumes at last use and copies otherwise.
	ReadImplicit ReadMode = iota
	ReadCopy
	ReadMove
	// ReadBorrow takes a reference to the temp without reading its value.
	ReadBorrow
)

// Bytecode is one stackless instruction. Only the fields relevant to Kind are set.
type Bytecode struct {
	Kind   Kind
	Span   source.Span
	Assign AssignKind
	Dsts   []TempIndex
	Srcs   []TempIndex
	Const  env.Value
	Op     Operation
	Label  Label
	Then   Label
	Else   Label
}

func NewAssign(sp source.Span, kind AssignKind, dst, src TempIndex) Bytecode {
	return Bytecode{Kind: KindAssign, Span: sp, Assign: kind, Dsts: []TempIndex{dst}, Srcs: []TempIndex{src}}
}

func NewLoad(sp source.Span, dst TempIndex, v env.Value) Bytecode {
	return Bytecode{Kind: KindLoad, Span: sp, Dsts: []TempIndex{dst}, Const: v}
}

func NewCall(sp source.Span, op Operation, dsts, srcs []TempIndex) Bytecode {
	return Bytecode{Kind: KindCall, Span: sp, Op: op, Dsts: dsts, Srcs: srcs}
}

func NewLabel(sp source.Span, l Label) Bytecode {
	return Bytecode{Kind: KindLabel, Span: sp, Label: l}
}

func NewJump(sp source.Span, l Label) Bytecode {
	return Bytecode{Kind: KindJump, Span: sp, Label: l}
}

func NewBranch(sp source.Span, cond TempIndex, then, els Label) Bytecode {
	return Bytecode{Kind: KindBranch, Span: sp, Srcs: []TempIndex{cond}, Then: then, Else: els}
}

func NewRet(sp source.Span, srcs []TempIndex) Bytecode {
	return Bytecode{Kind: KindRet, Span: sp, Srcs: srcs}
}

func NewAbort(sp source.Span, code TempIndex) Bytecode {
	return Bytecode{Kind: KindAbort, Span: sp, Srcs: []TempIndex{code}}
}

// IsTerminator reports instructions that end a block without fallthrough.
func (b *Bytecode) IsTerminator() bool {
	switch b.Kind {
	case KindJump, KindBranch, KindRet, KindAbort:
		return true
	}
	return false
}

// Targets lists the labels a terminator may jump to.
func (b *Bytecode) Targets() []Label {
	switch b.Kind {
	case KindJump:
		return []Label{b.Label}
	case KindBranch:
		if b.Then == b.Else {
			return []Label{b.Then}
		}
		return []Label{b.Then, b.Else}
	}
	return nil
}

// Uses returns every temp the instruction accesses, borrowed sources included.
func (b *Bytecode) Uses() []TempIndex { return b.Srcs }

// Defs returns the temps the instruction assigns.
func (b *Bytecode) Defs() []TempIndex { return b.Dsts }

// Mode returns the read semantics of Srcs[i].
func (b *Bytecode) Mode(i int) ReadMode {
	switch b.Kind {
	case KindAssign:
		switch b.Assign {
		case AssignCopy:
			return ReadCopy
		case AssignMove:
			return ReadMove
		}
	case KindCall:
		if b.Op.Kind == OpBorrowLoc {
			return ReadBorrow
		}
	}
	return ReadImplicit
}

// Clone deep-copies slices so the result may be mutated independently.
func (b Bytecode) Clone() Bytecode {
	b.Dsts = slices.Clone(b.Dsts)
	b.Srcs = slices.Clone(b.Srcs)
	b.Op.TypeArgs = slices.Clone(b.Op.TypeArgs)
	b.Const.Bytes = slices.Clone(b.Const.Bytes)
	return b
}

// Equal compares instructions structurally, spans included.
func (b *Bytecode) Equal(o *Bytecode) bool {
	if b.Kind != o.Kind || b.Span != o.Span || b.Assign != o.Assign ||
		b.Label != o.Label || b.Then != o.Then || b.Else != o.Else {
		return false
	}
	if !slices.Equal(b.Dsts, o.Dsts) || !slices.Equal(b.Srcs, o.Srcs) || !b.Const.Equal(o.Const) {
		return false
	}
	return b.Op.equal(&o.Op)
}

func (op *Operation) equal(o *Operation) bool {
	if op.Kind != o.Kind || op.Func != o.Func || op.Struct != o.Struct || op.Field != o.Field ||
		op.Mut != o.Mut || op.Builtin != o.Builtin || len(op.TypeArgs) != len(o.TypeArgs) {
		return false
	}
	for i := range op.TypeArgs {
		if !op.TypeArgs[i].Equal(o.TypeArgs[i]) {
			return false
		}
	}
	return true
}
