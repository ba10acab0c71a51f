package env

import "movec/internal/source"

type ExpKind uint8

const (
	ExpInvalid ExpKind = iota
	// ExpValue is a constant.
	ExpValue
	// ExpLocal reads a local; last use moves, otherwise copies.
	ExpLocal
	ExpCopy
	ExpMove
	// ExpBorrowLocal takes &x or &mut x.
	ExpBorrowLocal
	// ExpBorrowField takes &r.f or &mut r.f where Args[0] is a reference.
	ExpBorrowField
	ExpDeref
	// ExpWriteRef stores Args[1] through reference Args[0].
	ExpWriteRef
	ExpFreeze
	ExpCall
	ExpBuiltin
	ExpPack
	// ExpLet binds Names from Args[0] when present. Unpack destructures a struct.
	ExpLet
	ExpAssign
	ExpSeq
	ExpIfElse
	ExpWhile
	ExpLoop
	ExpBreak
	ExpContinue
	ExpReturn
	ExpAbort
	ExpTuple
)

var expKindNames = [...]string{
	ExpInvalid: "invalid", ExpValue: "value", ExpLocal: "local", ExpCopy: "copy", ExpMove: "move",
	ExpBorrowLocal: "borrow_local", ExpBorrowField: "borrow_field", ExpDeref: "deref",
	ExpWriteRef: "write_ref", ExpFreeze: "freeze", ExpCall: "call", ExpBuiltin: "builtin",
	ExpPack: "pack", ExpLet: "let", ExpAssign: "assign", ExpSeq: "seq", ExpIfElse: "if",
	ExpWhile: "while", ExpLoop: "loop", ExpBreak: "break", ExpContinue: "continue",
	ExpReturn: "return", ExpAbort: "abort", ExpTuple: "tuple",
}

func (k ExpKind) String() string {
	if int(k) < len(expKindNames) {
		return expKindNames[k]
	}
	return "invalid"
}

// Builtin enumerates primitive operators.
type Builtin uint8

const (
	OpAdd Builtin = iota + 1
	OpSub
	OpMul
	OpDiv
	OpMod
	OpBitAnd
	OpBitOr
	OpXor
	OpShl
	OpShr
	OpLt
	OpLe
	OpGt
	OpGe
	OpEq
	OpNeq
	// OpAnd and OpOr short-circuit; lowering turns them into branches.
	OpAnd
	OpOr
	OpNot
	OpCastU8
	OpCastU16
	OpCastU32
	OpCastU64
	OpCastU128
	OpCastU256
)

var builtinNames = [...]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpMod: "%", OpBitAnd: "&", OpBitOr: "|",
	OpXor: "^", OpShl: "<<", OpShr: ">>", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpEq: "==", OpNeq: "!=", OpAnd: "&&", OpOr: "||", OpNot: "!",
	OpCastU8: "as u8", OpCastU16: "as u16", OpCastU32: "as u32", OpCastU64: "as u64",
	OpCastU128: "as u128", OpCastU256: "as u256",
}

func (b Builtin) String() string {
	if int(b) < len(builtinNames) && builtinNames[b] != "" {
		return builtinNames[b]
	}
	return "?"
}

// Arity is the number of operands.
func (b Builtin) Arity() int {
	switch b {
	case OpNot, OpCastU8, OpCastU16, OpCastU32, OpCastU64, OpCastU128, OpCastU256:
		return 1
	}
	return 2
}

// CanAbort reports whether evaluation may abort (overflow, division by zero, lossy cast).
func (b Builtin) CanAbort() bool {
	switch b {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpShl, OpShr,
		OpCastU8, OpCastU16, OpCastU32, OpCastU64, OpCastU128, OpCastU256:
		return true
	}
	return false
}

// Exp is a node of the typed expression tree. Which fields are meaningful
// depends on Kind; Args holds sub-expressions in evaluation order.
type Exp struct {
	Kind     ExpKind     `msgpack:"k"`
	Type     Type        `msgpack:"t"`
	Span     source.Span `msgpack:"s"`
	Value    Value       `msgpack:"v"`
	Name     string      `msgpack:"n,omitempty"`
	Names    []string    `msgpack:"ns,omitempty"`
	Mut      bool        `msgpack:"m,omitempty"`
	Field    int         `msgpack:"f,omitempty"`
	Struct   StructRef   `msgpack:"st,omitempty"`
	Unpack   bool        `msgpack:"u,omitempty"`
	TypeArgs []Type      `msgpack:"ta,omitempty"`
	Types    []Type      `msgpack:"ty,omitempty"`
	Func     FuncRef     `msgpack:"fn,omitempty"`
	Op       Builtin     `msgpack:"op,omitempty"`
	Args     []*Exp      `msgpack:"a,omitempty"`
}

// At sets the span and returns e for chaining in fixtures.
func (e *Exp) At(sp source.Span) *Exp {
	e.Span = sp
	return e
}

// Walk visits e and its sub-expressions in pre-order until fn returns false.
func Walk(e *Exp, fn func(*Exp) bool) {
	if e == nil || !fn(e) {
		return
	}
	for _, a := range e.Args {
		Walk(a, fn)
	}
}

func Lit(v Value) *Exp { return &Exp{Kind: ExpValue, Type: v.Type, Value: v} }

func U64Lit(v uint64) *Exp { return Lit(U64Value(v)) }

func BoolLit(b bool) *Exp { return Lit(BoolValue(b)) }

func Var(name string, t Type) *Exp { return &Exp{Kind: ExpLocal, Type: t, Name: name} }

func CopyOf(name string, t Type) *Exp { return &Exp{Kind: ExpCopy, Type: t, Name: name} }

func MoveOf(name string, t Type) *Exp { return &Exp{Kind: ExpMove, Type: t, Name: name} }

func BorrowLocal(mut bool, name string, t Type) *Exp {
	return &Exp{Kind: ExpBorrowLocal, Type: RefOf(t, mut), Name: name, Mut: mut}
}

// BorrowFieldOf borrows field of the struct reached by ref.
func BorrowFieldOf(mut bool, ref *Exp, s StructRef, typeArgs []Type, field int, fieldType Type) *Exp {
	return &Exp{Kind: ExpBorrowField, Type: RefOf(fieldType, mut), Mut: mut, Struct: s, TypeArgs: typeArgs, Field: field, Args: []*Exp{ref}}
}

func Deref(ref *Exp) *Exp { return &Exp{Kind: ExpDeref, Type: ref.Type.Inner(), Args: []*Exp{ref}} }

func WriteRef(ref, val *Exp) *Exp { return &Exp{Kind: ExpWriteRef, Type: Unit, Args: []*Exp{ref, val}} }

func Freeze(ref *Exp) *Exp {
	return &Exp{Kind: ExpFreeze, Type: RefOf(ref.Type.Inner(), false), Args: []*Exp{ref}}
}

func Call(f FuncRef, result Type, typeArgs []Type, args ...*Exp) *Exp {
	return &Exp{Kind: ExpCall, Type: result, Func: f, TypeArgs: typeArgs, Args: args}
}

func Op(op Builtin, result Type, args ...*Exp) *Exp {
	return &Exp{Kind: ExpBuiltin, Type: result, Op: op, Args: args}
}

func Pack(s StructRef, typeArgs []Type, fields ...*Exp) *Exp {
	return &Exp{Kind: ExpPack, Type: StructOf(s, typeArgs...), Struct: s, TypeArgs: typeArgs, Args: fields}
}

// Let declares names with the given types. init may be nil.
func Let(names []string, types []Type, init *Exp) *Exp {
	e := &Exp{Kind: ExpLet, Type: Unit, Names: names, Types: types}
	if init != nil {
		e.Args = []*Exp{init}
	}
	return e
}

func Let1(name string, t Type, init *Exp) *Exp { return Let([]string{name}, []Type{t}, init) }

// LetUnpack destructures init (a struct value) binding each field to names in field order.
func LetUnpack(s StructRef, typeArgs []Type, names []string, fieldTypes []Type, init *Exp) *Exp {
	return &Exp{Kind: ExpLet, Type: Unit, Unpack: true, Struct: s, TypeArgs: typeArgs, Names: names, Types: fieldTypes, Args: []*Exp{init}}
}

func Assign(name string, val *Exp) *Exp {
	return &Exp{Kind: ExpAssign, Type: Unit, Name: name, Args: []*Exp{val}}
}

// Seq evaluates items in order; its value is the last item's.
func Seq(items ...*Exp) *Exp {
	t := Unit
	if len(items) > 0 {
		t = items[len(items)-1].Type
	}
	return &Exp{Kind: ExpSeq, Type: t, Args: items}
}

func IfElse(cond, then, els *Exp, t Type) *Exp {
	args := []*Exp{cond, then}
	if els != nil {
		args = append(args, els)
	}
	return &Exp{Kind: ExpIfElse, Type: t, Args: args}
}

func While(cond, body *Exp) *Exp { return &Exp{Kind: ExpWhile, Type: Unit, Args: []*Exp{cond, body}} }

func Loop(body *Exp) *Exp { return &Exp{Kind: ExpLoop, Type: Unit, Args: []*Exp{body}} }

func Break() *Exp { return &Exp{Kind: ExpBreak, Type: Unit} }

func Continue() *Exp { return &Exp{Kind: ExpContinue, Type: Unit} }

func Return(vals ...*Exp) *Exp { return &Exp{Kind: ExpReturn, Type: Unit, Args: vals} }

func Abort(code *Exp) *Exp { return &Exp{Kind: ExpAbort, Type: Unit, Args: []*Exp{code}} }

func Tuple(items ...*Exp) *Exp {
	types := make([]Type, len(items))
	for i, it := range items {
		types[i] = it.Type
	}
	return &Exp{Kind: ExpTuple, Type: Type{Kind: TypeTuple, Args: types}, Args: items}
}
