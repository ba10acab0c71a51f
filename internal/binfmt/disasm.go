package binfmt

import (
	"fmt"
	"math/big"
	"strings"
)

// DisassembleInstruction renders one instruction, resolving operands through the module tables.
func (m *Module) DisassembleInstruction(in Instruction) string {
	prefix := fmt.Sprintf("%04d  %s", in.Offset, in.Op.Name())
	switch in.Op {
	case OpBrTrue, OpBrFalse, OpBranch:
		return fmt.Sprintf("%s %04d", prefix, in.Index)
	case OpLdU8, OpLdU16, OpLdU32, OpLdU64, OpLdU128, OpLdU256:
		return fmt.Sprintf("%s %s", prefix, littleEndianInt(in.Imm))
	case OpLdConst:
		if int(in.Index) < len(m.Constants) {
			c := m.Constants[in.Index]
			return fmt.Sprintf("%s %d (%s 0x%x)", prefix, in.Index, m.TokenString(c.Type), c.Data)
		}
	case OpCopyLoc, OpMoveLoc, OpStLoc, OpMutBorrowLoc, OpImmBorrowLoc:
		return fmt.Sprintf("%s %d", prefix, in.Index)
	case OpMutBorrowField, OpImmBorrowField:
		if int(in.Index) < len(m.FieldHandles) {
			fh := m.FieldHandles[in.Index]
			return fmt.Sprintf("%s %d (%s)", prefix, in.Index, m.fieldName(fh))
		}
	case OpCall, OpCallGeneric:
		if h, args, err := m.CallTarget(in.Op, in.Index); err == nil {
			return fmt.Sprintf("%s %d (%s%s)", prefix, in.Index, m.FunctionName(h), m.typeArgs(args))
		}
	case OpPack, OpPackGeneric, OpUnpack, OpUnpackGeneric:
		if def, args, err := m.StructInstance(in.Op, in.Index); err == nil {
			return fmt.Sprintf("%s %d (%s%s)", prefix, in.Index, m.StructName(m.StructDefs[def].Handle), m.typeArgs(args))
		}
	default:
		return prefix
	}
	return fmt.Sprintf("%s %d (invalid)", prefix, in.Index)
}

func (m *Module) fieldName(fh FieldHandle) string {
	if int(fh.Owner) >= len(m.StructDefs) {
		return "<field>"
	}
	def := m.StructDefs[fh.Owner]
	if int(fh.Field) >= len(def.Fields) {
		return m.StructName(def.Handle) + ".<field>"
	}
	return m.StructName(def.Handle) + "." + m.identifier(def.Fields[fh.Field].Name)
}

func (m *Module) typeArgs(args []SignatureToken) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, len(args))
	for i := range args {
		parts[i] = m.TokenString(args[i])
	}
	return "<" + strings.Join(parts, ", ") + ">"
}

func (m *Module) signatureString(i SignatureIndex) string {
	sig := m.Signature(i)
	parts := make([]string, len(sig))
	for j := range sig {
		parts[j] = m.TokenString(sig[j])
	}
	return strings.Join(parts, ", ")
}

// Disassemble renders the whole module for humans.
func Disassemble(m *Module) string {
	var b strings.Builder
	fmt.Fprintf(&b, "module %s::%s (version %d)\n", m.Address(), m.Name(), m.Version)
	for i := range m.StructDefs {
		def := &m.StructDefs[i]
		sh := m.StructHandles[def.Handle]
		fmt.Fprintf(&b, "\nstruct %s has {%s}", m.identifier(sh.Name), sh.Abilities)
		if def.Native {
			b.WriteString(" native\n")
			continue
		}
		b.WriteString(" {\n")
		for _, f := range def.Fields {
			fmt.Fprintf(&b, "    %s: %s\n", m.identifier(f.Name), m.TokenString(f.Type))
		}
		b.WriteString("}\n")
	}
	for i := range m.FunctionDefs {
		fd := &m.FunctionDefs[i]
		if int(fd.Handle) >= len(m.FunctionHandles) {
			fmt.Fprintf(&b, "\nfun <invalid handle %d>\n", fd.Handle)
			continue
		}
		fh := m.FunctionHandles[fd.Handle]
		fmt.Fprintf(&b, "\nfun %s(%s): (%s)", m.identifier(fh.Name), m.signatureString(fh.Params), m.signatureString(fh.Return))
		if fd.Code == nil {
			b.WriteString(" native\n")
			continue
		}
		b.WriteString(" {\n")
		if locals := m.Signature(fd.Code.Locals); len(locals) > 0 {
			fmt.Fprintf(&b, "  locals: %s\n", m.signatureString(fd.Code.Locals))
		}
		code, err := Decode(fd.Code.Code)
		for _, in := range code {
			b.WriteString("  ")
			b.WriteString(m.DisassembleInstruction(in))
			b.WriteByte('\n')
		}
		if err != nil {
			fmt.Fprintf(&b, "  <error: %v>\n", err)
		}
		b.WriteString("}\n")
	}
	return b.String()
}

func littleEndianInt(imm []byte) string {
	be := make([]byte, len(imm))
	for i := range imm {
		be[len(imm)-1-i] = imm[i]
	}
	return new(big.Int).SetBytes(be).String()
}
