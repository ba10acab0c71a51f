package binfmt

import (
	"encoding/binary"
	"fmt"
)

// Instruction is one decoded instruction. Index carries 8- and 16-bit
// operands; Imm carries the immediate of LdU* opcodes.
type Instruction struct {
	Offset int
	Op     Opcode
	Index  uint16
	Imm    []byte
}

// Size is the encoded length of the instruction.
func (in Instruction) Size() int {
	return 1 + in.Op.OperandBytes()
}

// CodeBuilder appends encoded instructions.
type CodeBuilder struct {
	bytes []byte
}

func NewCodeBuilder() *CodeBuilder {
	return &CodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed code.
func (b *CodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length, which is also the offset of the next instruction.
func (b *CodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *CodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with an 8-bit operand.
func (b *CodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *CodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitImmediate appends an LdU* opcode with its little-endian immediate.
func (b *CodeBuilder) EmitImmediate(op Opcode, imm []byte) error {
	if len(imm) != op.OperandBytes() {
		return fmt.Errorf("%s takes %d immediate bytes, got %d", op, op.OperandBytes(), len(imm))
	}
	b.bytes = append(b.bytes, byte(op))
	b.bytes = append(b.bytes, imm...)
	return nil
}

// EmitBranch appends a branch with a zero target and returns the operand
// position for PatchUint16.
func (b *CodeBuilder) EmitBranch(op Opcode) int {
	b.bytes = append(b.bytes, byte(op), 0, 0)
	return len(b.bytes) - 2
}

// PatchUint16 overwrites the 16-bit operand at pos.
func (b *CodeBuilder) PatchUint16(pos int, v uint16) {
	binary.LittleEndian.PutUint16(b.bytes[pos:], v)
}

// Decode splits code into instructions. Unknown opcodes and truncated
// operands are errors.
func Decode(code []byte) ([]Instruction, error) {
	var out []Instruction
	for pos := 0; pos < len(code); {
		op := Opcode(code[pos])
		if !op.Valid() {
			return out, fmt.Errorf("offset %d: unknown opcode 0x%02X", pos, byte(op))
		}
		n := op.OperandBytes()
		if pos+1+n > len(code) {
			return out, fmt.Errorf("offset %d: %s operand truncated", pos, op)
		}
		in := Instruction{Offset: pos, Op: op}
		operand := code[pos+1 : pos+1+n]
		switch {
		case n == 1 && !isLoad(op):
			in.Index = uint16(operand[0])
		case n == 2 && !isLoad(op):
			in.Index = binary.LittleEndian.Uint16(operand)
		case n > 0:
			in.Imm = operand
		}
		out = append(out, in)
		pos += 1 + n
	}
	return out, nil
}

func isLoad(op Opcode) bool {
	w, _ := LoadWidth(op)
	return w > 0
}
