package binfmt

import (
	"fmt"
)

// Opcode is a single stack machine instruction.
type Opcode byte

// Stack and control flow
const (
	OpNop     Opcode = 0x00 // no operation
	OpPop     Opcode = 0x01 // discard top of stack
	OpRet     Opcode = 0x02 // return function results
	OpBrTrue  Opcode = 0x03 // pop bool, jump if true (16-bit code offset)
	OpBrFalse Opcode = 0x04 // pop bool, jump if false (16-bit code offset)
	OpBranch  Opcode = 0x05 // unconditional jump (16-bit code offset)
	OpAbort   Opcode = 0x06 // pop u64 abort code
)

// Constants
const (
	OpLdU8    Opcode = 0x10 // 1 immediate byte
	OpLdU16   Opcode = 0x11 // 2 immediate bytes
	OpLdU32   Opcode = 0x12 // 4 immediate bytes
	OpLdU64   Opcode = 0x13 // 8 immediate bytes
	OpLdU128  Opcode = 0x14 // 16 immediate bytes
	OpLdU256  Opcode = 0x15 // 32 immediate bytes
	OpLdConst Opcode = 0x16 // constant pool index
	OpLdTrue  Opcode = 0x17
	OpLdFalse Opcode = 0x18
)

// Locals (8-bit slot index)
const (
	OpCopyLoc      Opcode = 0x20
	OpMoveLoc      Opcode = 0x21
	OpStLoc        Opcode = 0x22
	OpMutBorrowLoc Opcode = 0x23
	OpImmBorrowLoc Opcode = 0x24
)

// References
const (
	OpMutBorrowField Opcode = 0x30 // field handle index
	OpImmBorrowField Opcode = 0x31 // field handle index
	OpReadRef        Opcode = 0x32
	OpWriteRef       Opcode = 0x33 // pops reference then value
	OpFreezeRef      Opcode = 0x34
)

// Calls and structs (16-bit table index)
const (
	OpCall          Opcode = 0x40 // function handle
	OpCallGeneric   Opcode = 0x41 // function instantiation
	OpPack          Opcode = 0x42 // struct definition
	OpPackGeneric   Opcode = 0x43 // struct instantiation
	OpUnpack        Opcode = 0x44 // struct definition
	OpUnpackGeneric Opcode = 0x45 // struct instantiation
)

// Arithmetic, bitwise and logic
const (
	OpAdd    Opcode = 0x50
	OpSub    Opcode = 0x51
	OpMul    Opcode = 0x52
	OpDiv    Opcode = 0x53
	OpMod    Opcode = 0x54
	OpBitAnd Opcode = 0x55
	OpBitOr  Opcode = 0x56
	OpXor    Opcode = 0x57
	OpShl    Opcode = 0x58
	OpShr    Opcode = 0x59
	OpLt     Opcode = 0x5A
	OpLe     Opcode = 0x5B
	OpGt     Opcode = 0x5C
	OpGe     Opcode = 0x5D
	OpEq     Opcode = 0x5E
	OpNeq    Opcode = 0x5F
	OpAnd    Opcode = 0x60
	OpOr     Opcode = 0x61
	OpNot    Opcode = 0x62
)

// Casts
const (
	OpCastU8   Opcode = 0x70
	OpCastU16  Opcode = 0x71
	OpCastU32  Opcode = 0x72
	OpCastU64  Opcode = 0x73
	OpCastU128 Opcode = 0x74
	OpCastU256 Opcode = 0x75
)

// Variable marks a stack effect that depends on the instruction operand or the
// enclosing function; use Module.StackEffect to resolve it.
const Variable = -1

// OpcodeInfo holds static metadata about an opcode.
type OpcodeInfo struct {
	Name         string
	OperandBytes int
	Pops         int
	Pushes       int
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:     {"NOP", 0, 0, 0},
	OpPop:     {"POP", 0, 1, 0},
	OpRet:     {"RET", 0, Variable, 0},
	OpBrTrue:  {"BR_TRUE", 2, 1, 0},
	OpBrFalse: {"BR_FALSE", 2, 1, 0},
	OpBranch:  {"BRANCH", 2, 0, 0},
	OpAbort:   {"ABORT", 0, 1, 0},

	OpLdU8:    {"LD_U8", 1, 0, 1},
	OpLdU16:   {"LD_U16", 2, 0, 1},
	OpLdU32:   {"LD_U32", 4, 0, 1},
	OpLdU64:   {"LD_U64", 8, 0, 1},
	OpLdU128:  {"LD_U128", 16, 0, 1},
	OpLdU256:  {"LD_U256", 32, 0, 1},
	OpLdConst: {"LD_CONST", 2, 0, 1},
	OpLdTrue:  {"LD_TRUE", 0, 0, 1},
	OpLdFalse: {"LD_FALSE", 0, 0, 1},

	OpCopyLoc:      {"COPY_LOC", 1, 0, 1},
	OpMoveLoc:      {"MOVE_LOC", 1, 0, 1},
	OpStLoc:        {"ST_LOC", 1, 1, 0},
	OpMutBorrowLoc: {"MUT_BORROW_LOC", 1, 0, 1},
	OpImmBorrowLoc: {"IMM_BORROW_LOC", 1, 0, 1},

	OpMutBorrowField: {"MUT_BORROW_FIELD", 2, 1, 1},
	OpImmBorrowField: {"IMM_BORROW_FIELD", 2, 1, 1},
	OpReadRef:        {"READ_REF", 0, 1, 1},
	OpWriteRef:       {"WRITE_REF", 0, 2, 0},
	OpFreezeRef:      {"FREEZE_REF", 0, 1, 1},

	OpCall:          {"CALL", 2, Variable, Variable},
	OpCallGeneric:   {"CALL_GENERIC", 2, Variable, Variable},
	OpPack:          {"PACK", 2, Variable, 1},
	OpPackGeneric:   {"PACK_GENERIC", 2, Variable, 1},
	OpUnpack:        {"UNPACK", 2, 1, Variable},
	OpUnpackGeneric: {"UNPACK_GENERIC", 2, 1, Variable},

	OpAdd:    {"ADD", 0, 2, 1},
	OpSub:    {"SUB", 0, 2, 1},
	OpMul:    {"MUL", 0, 2, 1},
	OpDiv:    {"DIV", 0, 2, 1},
	OpMod:    {"MOD", 0, 2, 1},
	OpBitAnd: {"BIT_AND", 0, 2, 1},
	OpBitOr:  {"BIT_OR", 0, 2, 1},
	OpXor:    {"XOR", 0, 2, 1},
	OpShl:    {"SHL", 0, 2, 1},
	OpShr:    {"SHR", 0, 2, 1},
	OpLt:     {"LT", 0, 2, 1},
	OpLe:     {"LE", 0, 2, 1},
	OpGt:     {"GT", 0, 2, 1},
	OpGe:     {"GE", 0, 2, 1},
	OpEq:     {"EQ", 0, 2, 1},
	OpNeq:    {"NEQ", 0, 2, 1},
	OpAnd:    {"AND", 0, 2, 1},
	OpOr:     {"OR", 0, 2, 1},
	OpNot:    {"NOT", 0, 1, 1},

	OpCastU8:   {"CAST_U8", 0, 1, 1},
	OpCastU16:  {"CAST_U16", 0, 1, 1},
	OpCastU32:  {"CAST_U32", 0, 1, 1},
	OpCastU64:  {"CAST_U64", 0, 1, 1},
	OpCastU128: {"CAST_U128", 0, 1, 1},
	OpCastU256: {"CAST_U256", 0, 1, 1},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

func (op Opcode) Name() string {
	return op.Info().Name
}

func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

func (op Opcode) String() string {
	return op.Name()
}

// IsBranch reports opcodes whose operand is a code offset.
func (op Opcode) IsBranch() bool {
	return op == OpBrTrue || op == OpBrFalse || op == OpBranch
}

// IsTerminator reports opcodes after which control never falls through.
func (op Opcode) IsTerminator() bool {
	return op == OpRet || op == OpAbort || op == OpBranch
}

// LoadWidth returns the immediate width of an LdU* opcode and its integer
// token, or 0 for other opcodes.
func LoadWidth(op Opcode) (int, TokenKind) {
	switch op {
	case OpLdU8:
		return 1, TokU8
	case OpLdU16:
		return 2, TokU16
	case OpLdU32:
		return 4, TokU32
	case OpLdU64:
		return 8, TokU64
	case OpLdU128:
		return 16, TokU128
	case OpLdU256:
		return 32, TokU256
	}
	return 0, TokInvalid
}

// CastTarget returns the integer token produced by a Cast* opcode.
func CastTarget(op Opcode) (TokenKind, bool) {
	switch op {
	case OpCastU8:
		return TokU8, true
	case OpCastU16:
		return TokU16, true
	case OpCastU32:
		return TokU32, true
	case OpCastU64:
		return TokU64, true
	case OpCastU128:
		return TokU128, true
	case OpCastU256:
		return TokU256, true
	}
	return TokInvalid, false
}
