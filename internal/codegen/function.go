package codegen

import (
	"fmt"

	"fortio.org/safecast"

	"movec/internal/binfmt"
	"movec/internal/diag"
	"movec/internal/env"
	"movec/internal/source"
	"movec/internal/stackless"
)

// assembler lowers one function. The first pass emits code with zero branch
// targets and records label offsets; the second pass patches the targets.
type assembler struct {
	t    *tables
	fd   *stackless.FuncData
	lv   *stackless.LiveVars
	code *binfmt.CodeBuilder

	slots   []int // temp -> local slot, -1 when the temp is never used
	labels  map[stackless.Label]int
	patches []patch

	// depth is the operand stack depth predicted by the opcode table.
	depth int
	span  source.Span
}

type patch struct {
	pos   int
	label stackless.Label
}

func (a *assembler) imbalance(format string, args ...any) error {
	return diag.NewInternal(diag.IntStackImbalance, a.fd.Name, a.span, fmt.Sprintf(format, args...), nil)
}

// assignSlots gives parameters the first slots and numbers the remaining used
// temps densely in temp order. It returns the types of the non-parameter slots.
func (a *assembler) assignSlots() ([]env.Type, error) {
	used := make([]bool, len(a.fd.Locals))
	for i := range a.fd.Code {
		for _, t := range a.fd.Code[i].Srcs {
			used[t] = true
		}
		for _, t := range a.fd.Code[i].Dsts {
			used[t] = true
		}
	}
	a.slots = make([]int, len(a.fd.Locals))
	var locals []env.Type
	next := a.fd.ParamCount()
	for t := range a.fd.Locals {
		switch {
		case a.fd.Locals[t].Param:
			a.slots[t] = t
		case used[t]:
			a.slots[t] = next
			locals = append(locals, a.fd.Locals[t].Type)
			next++
		default:
			a.slots[t] = -1
		}
	}
	if next > 0 {
		if _, err := safecast.Conv[uint8](next - 1); err != nil {
			return nil, fmt.Errorf("%s needs %d local slots: %w", a.fd.Name, next, err)
		}
	}
	return locals, nil
}

// emit appends op and applies its table stack effect.
func (a *assembler) emit(op binfmt.Opcode, operand uint16, operandBytes int) error {
	pops, pushes, err := a.effect(op, operand)
	if err != nil {
		return err
	}
	if a.depth < pops {
		return a.imbalance("%s pops %d values with %d on the stack", op, pops, a.depth)
	}
	a.depth += pushes - pops
	switch operandBytes {
	case 0:
		a.code.Emit(op)
	case 1:
		a.code.EmitByte(op, byte(operand))
	default:
		a.code.EmitUint16(op, operand)
	}
	return nil
}

func (a *assembler) effect(op binfmt.Opcode, operand uint16) (int, int, error) {
	info := op.Info()
	if info.Pops != binfmt.Variable && info.Pushes != binfmt.Variable {
		return info.Pops, info.Pushes, nil
	}
	switch op {
	case binfmt.OpRet:
		return len(a.fd.Results), 0, nil
	}
	fn := &binfmt.FunctionDef{}
	return a.t.m.StackEffect(fn, binfmt.Instruction{Op: op, Index: operand})
}

// expect compares the table-predicted depth with what the instruction
// semantics require at this point.
func (a *assembler) expect(want int) error {
	if a.depth != want {
		return a.imbalance("stack depth %d, expected %d", a.depth, want)
	}
	return nil
}

func (a *assembler) slot(t stackless.TempIndex) (uint16, error) {
	s := a.slots[t]
	if s < 0 {
		return 0, fmt.Errorf("temp %s has no slot", a.fd.LocalName(t))
	}
	return uint16(s), nil // #nosec G115 -- bounded by assignSlots
}

func (a *assembler) local(op binfmt.Opcode, t stackless.TempIndex) error {
	s, err := a.slot(t)
	if err != nil {
		return err
	}
	return a.emit(op, s, 1)
}

// push loads the sources of instr at offset; consumed reads become moves.
func (a *assembler) push(instr *stackless.Bytecode, offset int, order []int) error {
	for _, i := range order {
		op := binfmt.OpCopyLoc
		if a.lv.Consumes(instr, offset, i) {
			op = binfmt.OpMoveLoc
		}
		if err := a.local(op, instr.Srcs[i]); err != nil {
			return err
		}
	}
	return nil
}

func inOrder(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// store pops the results into dsts; the last result is on top.
func (a *assembler) store(dsts []stackless.TempIndex) error {
	for i := len(dsts) - 1; i >= 0; i-- {
		if err := a.local(binfmt.OpStLoc, dsts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (a *assembler) branch(op binfmt.Opcode, l stackless.Label) error {
	pops, _, _ := a.effect(op, 0)
	if a.depth < pops {
		return a.imbalance("%s with empty stack", op)
	}
	a.depth -= pops
	a.patches = append(a.patches, patch{pos: a.code.EmitBranch(op), label: l})
	return nil
}

// nextLabel returns the label placed immediately after offset, skipping nops.
func (a *assembler) nextLabel(offset int) (stackless.Label, bool) {
	for i := offset + 1; i < len(a.fd.Code); i++ {
		switch a.fd.Code[i].Kind {
		case stackless.KindNop:
			continue
		case stackless.KindLabel:
			return a.fd.Code[i].Label, true
		}
		return 0, false
	}
	return 0, false
}

func (a *assembler) instr(offset int) error {
	instr := &a.fd.Code[offset]
	a.span = instr.Span
	// every stackless instruction starts and ends with an empty stack
	if err := a.expect(0); err != nil {
		return err
	}
	switch instr.Kind {
	case stackless.KindNop:
		return nil
	case stackless.KindLabel:
		a.labels[instr.Label] = a.code.Len()
		return nil
	case stackless.KindAssign:
		if err := a.push(instr, offset, []int{0}); err != nil {
			return err
		}
		return a.store(instr.Dsts)
	case stackless.KindLoad:
		if err := a.load(instr.Const); err != nil {
			return err
		}
		return a.store(instr.Dsts)
	case stackless.KindCall:
		return a.call(instr, offset)
	case stackless.KindJump:
		if next, ok := a.nextLabel(offset); ok && next == instr.Label {
			return nil
		}
		return a.branch(binfmt.OpBranch, instr.Label)
	case stackless.KindBranch:
		if err := a.push(instr, offset, []int{0}); err != nil {
			return err
		}
		next, hasNext := a.nextLabel(offset)
		switch {
		case hasNext && next == instr.Else:
			return a.branch(binfmt.OpBrTrue, instr.Then)
		case hasNext && next == instr.Then:
			return a.branch(binfmt.OpBrFalse, instr.Else)
		}
		if err := a.branch(binfmt.OpBrTrue, instr.Then); err != nil {
			return err
		}
		return a.branch(binfmt.OpBranch, instr.Else)
	case stackless.KindRet:
		if err := a.push(instr, offset, inOrder(len(instr.Srcs))); err != nil {
			return err
		}
		if err := a.expect(len(a.fd.Results)); err != nil {
			return err
		}
		return a.emit(binfmt.OpRet, 0, 0)
	case stackless.KindAbort:
		if err := a.push(instr, offset, []int{0}); err != nil {
			return err
		}
		return a.emit(binfmt.OpAbort, 0, 0)
	}
	return fmt.Errorf("offset %d: unknown bytecode kind %s", offset, instr.Kind)
}

func (a *assembler) load(v env.Value) error {
	switch v.Type.Kind {
	case env.TypeBool:
		if v.Bool {
			return a.emit(binfmt.OpLdTrue, 0, 0)
		}
		return a.emit(binfmt.OpLdFalse, 0, 0)
	case env.TypeU8, env.TypeU16, env.TypeU32, env.TypeU64, env.TypeU128, env.TypeU256:
		op := map[env.TypeKind]binfmt.Opcode{
			env.TypeU8: binfmt.OpLdU8, env.TypeU16: binfmt.OpLdU16, env.TypeU32: binfmt.OpLdU32,
			env.TypeU64: binfmt.OpLdU64, env.TypeU128: binfmt.OpLdU128, env.TypeU256: binfmt.OpLdU256,
		}[v.Type.Kind]
		width, _ := binfmt.LoadWidth(op)
		if err := a.code.EmitImmediate(op, v.LittleEndian(width)); err != nil {
			return err
		}
		a.depth += op.Info().Pushes
		return nil
	}
	idx, err := a.t.constant(v)
	if err != nil {
		return err
	}
	return a.emit(binfmt.OpLdConst, idx, 2)
}

func (a *assembler) call(instr *stackless.Bytecode, offset int) error {
	op := &instr.Op
	var emit func() error
	order := inOrder(len(instr.Srcs))
	switch op.Kind {
	case stackless.OpFunction:
		code, idx, err := a.t.call(op.Func, op.TypeArgs)
		if err != nil {
			return err
		}
		emit = func() error { return a.emit(code, idx, 2) }
	case stackless.OpPack, stackless.OpUnpack:
		code, idx, err := a.t.pack(op.Kind == stackless.OpUnpack, op.Struct, op.TypeArgs)
		if err != nil {
			return err
		}
		emit = func() error { return a.emit(code, idx, 2) }
	case stackless.OpBorrowLoc:
		code := binfmt.OpImmBorrowLoc
		if op.Mut {
			code = binfmt.OpMutBorrowLoc
		}
		if err := a.local(code, instr.Srcs[0]); err != nil {
			return err
		}
		return a.finish(instr)
	case stackless.OpBorrowField:
		idx, err := a.t.field(op.Struct, op.Field)
		if err != nil {
			return err
		}
		code := binfmt.OpImmBorrowField
		if op.Mut {
			code = binfmt.OpMutBorrowField
		}
		emit = func() error { return a.emit(code, idx, 2) }
	case stackless.OpReadRef:
		emit = func() error { return a.emit(binfmt.OpReadRef, 0, 0) }
	case stackless.OpWriteRef:
		// the reference goes on top of the value
		order = []int{1, 0}
		emit = func() error { return a.emit(binfmt.OpWriteRef, 0, 0) }
	case stackless.OpFreezeRef:
		emit = func() error { return a.emit(binfmt.OpFreezeRef, 0, 0) }
	case stackless.OpDestroy:
		emit = func() error { return a.emit(binfmt.OpPop, 0, 0) }
	case stackless.OpBuiltin:
		code, ok := builtinOpcodes[op.Builtin]
		if !ok {
			return fmt.Errorf("offset %d: builtin %s has no opcode", offset, op.Builtin)
		}
		emit = func() error { return a.emit(code, 0, 0) }
	default:
		return fmt.Errorf("offset %d: unknown operation %s", offset, op.Kind)
	}
	if err := a.push(instr, offset, order); err != nil {
		return err
	}
	if err := a.expect(len(instr.Srcs)); err != nil {
		return err
	}
	if err := emit(); err != nil {
		return err
	}
	return a.finish(instr)
}

// finish stores an operation's results and checks the stack is empty again.
func (a *assembler) finish(instr *stackless.Bytecode) error {
	if err := a.expect(len(instr.Dsts)); err != nil {
		return err
	}
	return a.store(instr.Dsts)
}

var builtinOpcodes = map[env.Builtin]binfmt.Opcode{
	env.OpAdd: binfmt.OpAdd, env.OpSub: binfmt.OpSub, env.OpMul: binfmt.OpMul,
	env.OpDiv: binfmt.OpDiv, env.OpMod: binfmt.OpMod, env.OpBitAnd: binfmt.OpBitAnd,
	env.OpBitOr: binfmt.OpBitOr, env.OpXor: binfmt.OpXor, env.OpShl: binfmt.OpShl,
	env.OpShr: binfmt.OpShr, env.OpLt: binfmt.OpLt, env.OpLe: binfmt.OpLe,
	env.OpGt: binfmt.OpGt, env.OpGe: binfmt.OpGe, env.OpEq: binfmt.OpEq,
	env.OpNeq: binfmt.OpNeq, env.OpAnd: binfmt.OpAnd, env.OpOr: binfmt.OpOr,
	env.OpNot: binfmt.OpNot, env.OpCastU8: binfmt.OpCastU8, env.OpCastU16: binfmt.OpCastU16,
	env.OpCastU32: binfmt.OpCastU32, env.OpCastU64: binfmt.OpCastU64,
	env.OpCastU128: binfmt.OpCastU128, env.OpCastU256: binfmt.OpCastU256,
}

// resolve is the second pass: it patches branch targets with code offsets.
func (a *assembler) resolve() error {
	for _, p := range a.patches {
		off, ok := a.labels[p.label]
		if !ok {
			return fmt.Errorf("branch to undefined label L%d", p.label)
		}
		target, err := safecast.Conv[uint16](off)
		if err != nil {
			return diag.NewInternal(diag.IntIndexOverflow, a.fd.Name, a.fd.Span, "code offset exceeds 16 bits", err)
		}
		a.code.PatchUint16(p.pos, target)
	}
	return nil
}

// checkStack re-simulates the finished code with the opcode table, following
// control flow from the entry. Every reachable branch target must be entered
// with an empty stack and no instruction may pop more than is there.
func (a *assembler) checkStack(fn *binfmt.FunctionDef) error {
	code, err := binfmt.Decode(a.code.Bytes())
	if err != nil {
		return err
	}
	if len(code) == 0 {
		return nil
	}
	at := make(map[int]int, len(code))
	for i, in := range code {
		at[in.Offset] = i
	}
	depthAt := make([]int, len(code))
	seen := make([]bool, len(code))
	work := []int{0}
	seen[0] = true
	enter := func(from binfmt.Instruction, i, depth int) error {
		if seen[i] {
			if depthAt[i] != depth {
				return a.imbalanceAt(from, "reaches offset %d with depth %d, previously %d", code[i].Offset, depth, depthAt[i])
			}
			return nil
		}
		seen[i], depthAt[i] = true, depth
		work = append(work, i)
		return nil
	}
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		in := code[i]
		pops, pushes, err := a.t.m.StackEffect(fn, in)
		if err != nil {
			return err
		}
		depth := depthAt[i]
		if depth < pops {
			return a.imbalanceAt(in, "%s pops %d values with %d on the stack", in.Op, pops, depth)
		}
		depth += pushes - pops
		if in.Op.IsBranch() {
			if depth != 0 {
				return a.imbalanceAt(in, "%s leaves %d values on the stack", in.Op, depth)
			}
			target, ok := at[int(in.Index)]
			if !ok {
				return a.imbalanceAt(in, "branch into the middle of an instruction")
			}
			if err := enter(in, target, 0); err != nil {
				return err
			}
		}
		if in.Op.IsTerminator() {
			if depth != 0 {
				return a.imbalanceAt(in, "%s leaves %d values on the stack", in.Op, depth)
			}
			continue
		}
		if i+1 == len(code) {
			return a.imbalanceAt(in, "control falls off the end of the code")
		}
		if err := enter(in, i+1, depth); err != nil {
			return err
		}
	}
	return nil
}

func (a *assembler) imbalanceAt(in binfmt.Instruction, format string, args ...any) error {
	msg := fmt.Sprintf("offset %d: ", in.Offset) + fmt.Sprintf(format, args...)
	return diag.NewInternal(diag.IntStackImbalance, a.fd.Name, a.fd.Span, msg, nil)
}
