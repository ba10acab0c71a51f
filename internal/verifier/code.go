package verifier

import (
	"fmt"
	"slices"

	"movec/internal/binfmt"
	"movec/internal/env"
)

type avail uint8

const (
	unavailable avail = iota
	available
	maybe
)

// frame is the abstract state before an instruction.
type frame struct {
	stack  []binfmt.SignatureToken
	locals []avail
}

func (f *frame) clone() *frame {
	return &frame{stack: slices.Clone(f.stack), locals: slices.Clone(f.locals)}
}

// join merges in into f. Stacks must agree exactly; locals that differ
// become maybe.
func (f *frame) join(in *frame) (changed bool, err error) {
	if len(f.stack) != len(in.stack) {
		return false, fmt.Errorf("stack depth %d meets %d at merge", len(f.stack), len(in.stack))
	}
	for i := range f.stack {
		if !f.stack[i].Equal(in.stack[i]) {
			return false, fmt.Errorf("stack slot %d has different types at merge", i)
		}
	}
	for i := range f.locals {
		if f.locals[i] != in.locals[i] && f.locals[i] != maybe {
			f.locals[i] = maybe
			changed = true
		}
	}
	return changed, nil
}

type codeVerifier struct {
	*moduleVerifier
	fn         *binfmt.FunctionDef
	fname      string
	code       []binfmt.Instruction
	at         map[int]int
	locals     []binfmt.SignatureToken
	results    binfmt.Signature
	typeParams []env.AbilitySet
	offset     int
}

func (c *codeVerifier) fail(format string, args ...any) error {
	return &Rejection{Module: c.name, Function: c.fname, Offset: c.offset, Reason: fmt.Sprintf(format, args...)}
}

func (v *moduleVerifier) function(fn *binfmt.FunctionDef) error {
	fh := v.m.FunctionHandles[fn.Handle]
	c := &codeVerifier{
		moduleVerifier: v,
		fn:             fn,
		fname:          v.m.FunctionName(fn.Handle),
		results:        v.m.Signature(fh.Return),
		typeParams:     fh.TypeParams,
		offset:         -1,
	}
	params := v.m.Signature(fh.Params)
	c.locals = append(slices.Clone([]binfmt.SignatureToken(params)), v.m.Signature(fn.Code.Locals)...)
	if len(c.locals) > 256 {
		return c.fail("%d locals exceed the 8-bit slot range", len(c.locals))
	}
	code, err := binfmt.Decode(fn.Code.Code)
	if err != nil {
		return c.fail("%v", err)
	}
	if len(code) == 0 {
		return c.fail("empty code")
	}
	c.code = code
	c.at = make(map[int]int, len(code))
	for i, in := range code {
		c.at[in.Offset] = i
	}

	entry := &frame{locals: make([]avail, len(c.locals))}
	for i := range params {
		entry.locals[i] = available
	}
	states := make([]*frame, len(code))
	states[0] = entry
	work := []int{0}
	queued := make([]bool, len(code))
	queued[0] = true
	for len(work) > 0 {
		i := work[0]
		work = work[1:]
		queued[i] = false
		c.offset = code[i].Offset
		st := states[i].clone()
		succs, err := c.step(st, code[i])
		if err != nil {
			return err
		}
		for _, s := range succs {
			if states[s] == nil {
				states[s] = st.clone()
			} else {
				changed, err := states[s].join(st)
				if err != nil {
					return c.fail("%v", err)
				}
				if !changed {
					continue
				}
			}
			if !queued[s] {
				queued[s] = true
				work = append(work, s)
			}
		}
	}
	return nil
}

func (c *codeVerifier) pop(st *frame) (binfmt.SignatureToken, error) {
	if len(st.stack) == 0 {
		return binfmt.SignatureToken{}, c.fail("pop from empty stack")
	}
	t := st.stack[len(st.stack)-1]
	st.stack = st.stack[:len(st.stack)-1]
	return t, nil
}

func (c *codeVerifier) popExpect(st *frame, want binfmt.SignatureToken) error {
	got, err := c.pop(st)
	if err != nil {
		return err
	}
	if !got.Equal(want) {
		return c.fail("expected %s on the stack, found %s", c.m.TokenString(want), c.m.TokenString(got))
	}
	return nil
}

func (c *codeVerifier) popInteger(st *frame) (binfmt.SignatureToken, error) {
	t, err := c.pop(st)
	if err != nil {
		return t, err
	}
	if !t.IsInteger() {
		return t, c.fail("expected an integer, found %s", c.m.TokenString(t))
	}
	return t, nil
}

func (c *codeVerifier) push(st *frame, t binfmt.SignatureToken) {
	st.stack = append(st.stack, t)
}

func (c *codeVerifier) has(t binfmt.SignatureToken, a env.AbilitySet) bool {
	return c.m.Abilities(t, c.typeParams).Has(a)
}

func (c *codeVerifier) local(idx uint16) (binfmt.SignatureToken, error) {
	if int(idx) >= len(c.locals) {
		return binfmt.SignatureToken{}, c.fail("local %d out of range", idx)
	}
	return c.locals[idx], nil
}

func (c *codeVerifier) target(in binfmt.Instruction) (int, error) {
	i, ok := c.at[int(in.Index)]
	if !ok {
		return 0, c.fail("branch target %d is not an instruction boundary", in.Index)
	}
	return i, nil
}

func (c *codeVerifier) checkTypeArgs(args []binfmt.SignatureToken, constraints []env.AbilitySet) error {
	if len(args) != len(constraints) {
		return c.fail("%d type arguments for %d type parameters", len(args), len(constraints))
	}
	for i, a := range args {
		if a.IsRef() {
			return c.fail("reference type argument")
		}
		if !c.has(a, constraints[i]) {
			return c.fail("type argument %s lacks {%s}", c.m.TokenString(a), constraints[i].Missing(c.m.Abilities(a, c.typeParams)))
		}
	}
	return nil
}

// step applies in to st and returns the successor instruction indices.
func (c *codeVerifier) step(st *frame, in binfmt.Instruction) ([]int, error) {
	next := c.at[in.Offset] + 1
	fall := []int{next}
	if next >= len(c.code) && !in.Op.IsTerminator() {
		return nil, c.fail("control falls off the end of the code")
	}
	m := c.m
	switch in.Op {
	case binfmt.OpNop:
	case binfmt.OpPop:
		t, err := c.pop(st)
		if err != nil {
			return nil, err
		}
		if !c.has(t, env.AbilityDrop) {
			return nil, c.fail("pop of %s without drop", m.TokenString(t))
		}
	case binfmt.OpRet:
		for i := len(c.results) - 1; i >= 0; i-- {
			if err := c.popExpect(st, c.results[i]); err != nil {
				return nil, err
			}
		}
		if len(st.stack) != 0 {
			return nil, c.fail("return leaves %d values on the stack", len(st.stack))
		}
		for i, a := range st.locals {
			if a != unavailable && !c.has(c.locals[i], env.AbilityDrop) {
				return nil, c.fail("return leaves local %d of type %s without drop", i, m.TokenString(c.locals[i]))
			}
		}
		return nil, nil
	case binfmt.OpBrTrue, binfmt.OpBrFalse:
		if err := c.popExpect(st, binfmt.Prim(binfmt.TokBool)); err != nil {
			return nil, err
		}
		t, err := c.target(in)
		if err != nil {
			return nil, err
		}
		return []int{t, next}, nil
	case binfmt.OpBranch:
		t, err := c.target(in)
		if err != nil {
			return nil, err
		}
		return []int{t}, nil
	case binfmt.OpAbort:
		if err := c.popExpect(st, binfmt.Prim(binfmt.TokU64)); err != nil {
			return nil, err
		}
		return nil, nil

	case binfmt.OpLdU8, binfmt.OpLdU16, binfmt.OpLdU32, binfmt.OpLdU64, binfmt.OpLdU128, binfmt.OpLdU256:
		_, kind := binfmt.LoadWidth(in.Op)
		c.push(st, binfmt.Prim(kind))
	case binfmt.OpLdConst:
		if int(in.Index) >= len(m.Constants) {
			return nil, c.fail("constant %d out of range", in.Index)
		}
		c.push(st, m.Constants[in.Index].Type)
	case binfmt.OpLdTrue, binfmt.OpLdFalse:
		c.push(st, binfmt.Prim(binfmt.TokBool))

	case binfmt.OpCopyLoc, binfmt.OpMoveLoc, binfmt.OpMutBorrowLoc, binfmt.OpImmBorrowLoc:
		t, err := c.local(in.Index)
		if err != nil {
			return nil, err
		}
		if st.locals[in.Index] != available {
			return nil, c.fail("%s of unavailable local %d", in.Op, in.Index)
		}
		switch in.Op {
		case binfmt.OpCopyLoc:
			if !c.has(t, env.AbilityCopy) {
				return nil, c.fail("copy of %s without copy", m.TokenString(t))
			}
			c.push(st, t)
		case binfmt.OpMoveLoc:
			st.locals[in.Index] = unavailable
			c.push(st, t)
		default:
			if t.IsRef() {
				return nil, c.fail("borrow of reference local %d", in.Index)
			}
			c.push(st, binfmt.RefTok(t, in.Op == binfmt.OpMutBorrowLoc))
		}
	case binfmt.OpStLoc:
		t, err := c.local(in.Index)
		if err != nil {
			return nil, err
		}
		if err := c.popExpect(st, t); err != nil {
			return nil, err
		}
		if st.locals[in.Index] != unavailable && !c.has(t, env.AbilityDrop) {
			return nil, c.fail("store overwrites local %d of type %s without drop", in.Index, m.TokenString(t))
		}
		st.locals[in.Index] = available

	case binfmt.OpMutBorrowField, binfmt.OpImmBorrowField:
		if int(in.Index) >= len(m.FieldHandles) {
			return nil, c.fail("field handle %d out of range", in.Index)
		}
		fh := m.FieldHandles[in.Index]
		def := m.StructDefs[fh.Owner]
		ref, err := c.pop(st)
		if err != nil {
			return nil, err
		}
		mut := in.Op == binfmt.OpMutBorrowField
		if !ref.IsRef() || (mut && ref.Kind != binfmt.TokMutRef) {
			return nil, c.fail("%s on %s", in.Op, m.TokenString(ref))
		}
		inner := ref.Inner()
		if inner.Kind != binfmt.TokStruct || inner.Handle != def.Handle {
			return nil, c.fail("%s on %s", in.Op, m.TokenString(ref))
		}
		c.push(st, binfmt.RefTok(def.Fields[fh.Field].Type.Subst(inner.Args), mut))
	case binfmt.OpReadRef:
		ref, err := c.pop(st)
		if err != nil {
			return nil, err
		}
		if !ref.IsRef() {
			return nil, c.fail("read through %s", m.TokenString(ref))
		}
		if !c.has(ref.Inner(), env.AbilityCopy) {
			return nil, c.fail("read of %s without copy", m.TokenString(ref.Inner()))
		}
		c.push(st, ref.Inner())
	case binfmt.OpWriteRef:
		ref, err := c.pop(st)
		if err != nil {
			return nil, err
		}
		if ref.Kind != binfmt.TokMutRef {
			return nil, c.fail("write through %s", m.TokenString(ref))
		}
		if err := c.popExpect(st, ref.Inner()); err != nil {
			return nil, err
		}
		if !c.has(ref.Inner(), env.AbilityDrop) {
			return nil, c.fail("write overwrites %s without drop", m.TokenString(ref.Inner()))
		}
	case binfmt.OpFreezeRef:
		ref, err := c.pop(st)
		if err != nil {
			return nil, err
		}
		if ref.Kind != binfmt.TokMutRef {
			return nil, c.fail("freeze of %s", m.TokenString(ref))
		}
		c.push(st, binfmt.RefTok(ref.Inner(), false))

	case binfmt.OpCall, binfmt.OpCallGeneric:
		h, args, err := m.CallTarget(in.Op, in.Index)
		if err != nil {
			return nil, c.fail("%v", err)
		}
		fh := m.FunctionHandles[h]
		if err := c.checkTypeArgs(args, fh.TypeParams); err != nil {
			return nil, err
		}
		params := m.Signature(fh.Params)
		for i := len(params) - 1; i >= 0; i-- {
			if err := c.popExpect(st, params[i].Subst(args)); err != nil {
				return nil, err
			}
		}
		for _, r := range m.Signature(fh.Return) {
			c.push(st, r.Subst(args))
		}
	case binfmt.OpPack, binfmt.OpPackGeneric, binfmt.OpUnpack, binfmt.OpUnpackGeneric:
		di, args, err := m.StructInstance(in.Op, in.Index)
		if err != nil {
			return nil, c.fail("%v", err)
		}
		def := m.StructDefs[di]
		if def.Native {
			return nil, c.fail("%s of native struct %s", in.Op, m.StructName(def.Handle))
		}
		if err := c.checkTypeArgs(args, constraints(m.StructHandles[def.Handle].TypeParams)); err != nil {
			return nil, err
		}
		whole := binfmt.SignatureToken{Kind: binfmt.TokStruct, Handle: def.Handle, Args: args}
		if in.Op == binfmt.OpPack || in.Op == binfmt.OpPackGeneric {
			for i := len(def.Fields) - 1; i >= 0; i-- {
				if err := c.popExpect(st, def.Fields[i].Type.Subst(args)); err != nil {
					return nil, err
				}
			}
			c.push(st, whole)
			break
		}
		if err := c.popExpect(st, whole); err != nil {
			return nil, err
		}
		for _, f := range def.Fields {
			c.push(st, f.Type.Subst(args))
		}

	case binfmt.OpAdd, binfmt.OpSub, binfmt.OpMul, binfmt.OpDiv, binfmt.OpMod,
		binfmt.OpBitAnd, binfmt.OpBitOr, binfmt.OpXor,
		binfmt.OpLt, binfmt.OpLe, binfmt.OpGt, binfmt.OpGe:
		rhs, err := c.popInteger(st)
		if err != nil {
			return nil, err
		}
		if err := c.popExpect(st, rhs); err != nil {
			return nil, err
		}
		switch in.Op {
		case binfmt.OpLt, binfmt.OpLe, binfmt.OpGt, binfmt.OpGe:
			c.push(st, binfmt.Prim(binfmt.TokBool))
		default:
			c.push(st, rhs)
		}
	case binfmt.OpShl, binfmt.OpShr:
		if err := c.popExpect(st, binfmt.Prim(binfmt.TokU8)); err != nil {
			return nil, err
		}
		lhs, err := c.popInteger(st)
		if err != nil {
			return nil, err
		}
		c.push(st, lhs)
	case binfmt.OpEq, binfmt.OpNeq:
		rhs, err := c.pop(st)
		if err != nil {
			return nil, err
		}
		if err := c.popExpect(st, rhs); err != nil {
			return nil, err
		}
		if !c.has(rhs, env.AbilityDrop) {
			return nil, c.fail("equality on %s without drop", m.TokenString(rhs))
		}
		c.push(st, binfmt.Prim(binfmt.TokBool))
	case binfmt.OpAnd, binfmt.OpOr:
		for range 2 {
			if err := c.popExpect(st, binfmt.Prim(binfmt.TokBool)); err != nil {
				return nil, err
			}
		}
		c.push(st, binfmt.Prim(binfmt.TokBool))
	case binfmt.OpNot:
		if err := c.popExpect(st, binfmt.Prim(binfmt.TokBool)); err != nil {
			return nil, err
		}
		c.push(st, binfmt.Prim(binfmt.TokBool))
	case binfmt.OpCastU8, binfmt.OpCastU16, binfmt.OpCastU32, binfmt.OpCastU64, binfmt.OpCastU128, binfmt.OpCastU256:
		if _, err := c.popInteger(st); err != nil {
			return nil, err
		}
		kind, _ := binfmt.CastTarget(in.Op)
		c.push(st, binfmt.Prim(kind))
	default:
		return nil, c.fail("unknown opcode %s", in.Op)
	}
	return fall, nil
}

func constraints(tps []binfmt.TypeParam) []env.AbilitySet {
	out := make([]env.AbilitySet, len(tps))
	for i, tp := range tps {
		out[i] = tp.Constraints
	}
	return out
}
