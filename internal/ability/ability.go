// Package ability enforces copy and drop on top of the availability state
// computed by reference safety. Values without drop must be consumed on
// every path; values without copy are never duplicated.
package ability

import (
	"fmt"

	"movec/internal/diag"
	"movec/internal/env"
	"movec/internal/refsafety"
	"movec/internal/source"
	"movec/internal/stackless"
)

// ErrNoAvailability is returned when reference safety has not annotated fd.
var ErrNoAvailability = fmt.Errorf("ability: function has no availability table")

type checker struct {
	env   *env.Env
	fd    *stackless.FuncData
	lv    *stackless.LiveVars
	avail *refsafety.Availability
	rep   *diag.CountingReporter
	abils []env.AbilitySet

	// returning[b] is set when a Ret is reachable from block b; a value
	// abandoned on paths that all abort does not leak.
	cfg       *stackless.CFG
	returning []bool
	// held marks temps already reported as holding a value without drop,
	// so one abandoned value yields one diagnostic.
	held []bool
}

// Check reports ability violations in fd and returns the number of errors.
func Check(e *env.Env, fd *stackless.FuncData, lv *stackless.LiveVars, r diag.Reporter) (int, error) {
	avail, ok := stackless.GetAnnotation[*refsafety.Availability](fd)
	if !ok {
		return 0, ErrNoAvailability
	}
	c := &checker{
		env:   e,
		fd:    fd,
		lv:    lv,
		avail: avail,
		rep:   &diag.CountingReporter{Next: r},
		abils: make([]env.AbilitySet, len(fd.Locals)),
	}
	for i, l := range fd.Locals {
		c.abils[i] = e.AbilitiesOf(l.Type, fd.TypeParams)
	}
	cfg, err := stackless.BuildCFG(fd.Code)
	if err != nil {
		return 0, fmt.Errorf("ability: %s: %w", fd.Name, err)
	}
	c.cfg, c.returning = cfg, cfg.Returning(fd.Code)
	c.held = make([]bool, len(fd.Locals))

	leaks := make(map[int][]stackless.TempIndex)
	for _, jl := range avail.JoinLeaks {
		leaks[jl.Offset] = append(leaks[jl.Offset], jl.Temp)
	}
	for offset := range fd.Code {
		if offset >= len(avail.Before) || avail.Before[offset] == nil {
			continue
		}
		if offset == 0 {
			c.unusedParams()
		}
		for _, t := range leaks[offset] {
			c.abandon(fd.Code[offset].Span, fmt.Sprintf("%s holds a value without drop on some paths only", fd.LocalName(t)), t)
		}
		c.instr(offset)
	}
	return c.rep.Errors, nil
}

// unusedParams reports parameters without drop that nothing reads. The
// leak is unavoidable on entry, so it points at the parameter.
func (c *checker) unusedParams() {
	if !c.returning[c.cfg.BlockAt(0)] {
		return
	}
	first := &c.fd.Code[0]
	for p := 0; p < c.fd.ParamCount(); p++ {
		if c.has(p, env.AbilityDrop) || c.liveBefore(0, first, p) {
			continue
		}
		sp := c.fd.Locals[p].Span
		if sp == source.NoSpan {
			sp = first.Span
		}
		c.abandon(sp, fmt.Sprintf("parameter %s has no drop and is never used", c.fd.LocalName(p)), p)
	}
}

func (c *checker) liveBefore(offset int, instr *stackless.Bytecode, t stackless.TempIndex) bool {
	if containsTemp(instr.Srcs, t) {
		return true
	}
	return c.lv.After[offset].Has(t) && !containsTemp(instr.Dsts, t)
}

func containsTemp(ts []stackless.TempIndex, t stackless.TempIndex) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

// abandon reports t once as holding a value without drop that can no
// longer be consumed.
func (c *checker) abandon(sp source.Span, msg string, t stackless.TempIndex) {
	if c.held[t] {
		return
	}
	c.held[t] = true
	c.leak(sp, msg, t)
}

func (c *checker) has(t stackless.TempIndex, a env.AbilitySet) bool {
	return c.abils[t].Has(a)
}

func (c *checker) typeName(t stackless.TempIndex) string {
	return c.env.TypeString(c.fd.LocalType(t))
}

func (c *checker) leak(sp source.Span, msg string, t stackless.TempIndex) {
	diag.ReportError(c.rep, diag.ResResourceLeak, sp, msg).
		WithNote(c.fd.Locals[t].Span, fmt.Sprintf("%s has type %s", c.fd.LocalName(t), c.typeName(t))).
		Emit()
}

func (c *checker) instr(offset int) {
	instr := &c.fd.Code[offset]
	before := c.avail.Before[offset]

	consumed := make(map[stackless.TempIndex]bool)
	for i, src := range instr.Srcs {
		mode := instr.Mode(i)
		if mode == stackless.ReadBorrow {
			continue
		}
		if c.lv.Consumes(instr, offset, i) {
			consumed[src] = true
			continue
		}
		if !c.has(src, env.AbilityCopy) {
			diag.ReportError(c.rep, diag.ResUnauthorizedCopy, instr.Span,
				fmt.Sprintf("cannot copy %s: type %s lacks copy", c.fd.LocalName(src), c.typeName(src))).
				Emit()
		}
	}

	for _, d := range instr.Dsts {
		if before[d] == refsafety.Available && !consumed[d] && !c.has(d, env.AbilityDrop) {
			c.leak(instr.Span, fmt.Sprintf("assignment to %s discards a value without drop", c.fd.LocalName(d)), d)
		}
	}

	switch instr.Kind {
	case stackless.KindCall:
		c.op(instr)
	case stackless.KindRet:
		// values that died along a branch edge are only caught here
		for t := range c.fd.Locals {
			if before[t] == refsafety.Available && !consumed[t] && !c.has(t, env.AbilityDrop) {
				c.abandon(instr.Span, fmt.Sprintf("%s still holds a value without drop at return", c.fd.LocalName(t)), t)
			}
		}
		return
	case stackless.KindAbort:
		return
	}

	// A value still held after this instruction but dead from here on can
	// never be consumed: the leak is unavoidable at this point.
	if !c.returning[c.cfg.BlockAt(offset)] {
		return
	}
	for t := range c.fd.Locals {
		if c.has(t, env.AbilityDrop) || c.lv.After[offset].Has(t) || !c.liveBefore(offset, instr, t) && !containsTemp(instr.Dsts, t) {
			continue
		}
		held := containsTemp(instr.Dsts, t) || before[t] == refsafety.Available && !consumed[t]
		if held {
			c.abandon(instr.Span, fmt.Sprintf("%s holds a value without drop that is never used again", c.fd.LocalName(t)), t)
		}
	}
}

func (c *checker) op(instr *stackless.Bytecode) {
	op := &instr.Op
	switch op.Kind {
	case stackless.OpReadRef:
		inner := c.fd.LocalType(instr.Srcs[0]).Inner()
		if !c.env.AbilitiesOf(inner, c.fd.TypeParams).Has(env.AbilityCopy) {
			diag.ReportError(c.rep, diag.ResUnauthorizedCopy, instr.Span,
				fmt.Sprintf("cannot read through %s: type %s lacks copy", c.fd.LocalName(instr.Srcs[0]), c.env.TypeString(inner))).
				Emit()
		}
	case stackless.OpWriteRef:
		inner := c.fd.LocalType(instr.Srcs[0]).Inner()
		if !c.env.AbilitiesOf(inner, c.fd.TypeParams).Has(env.AbilityDrop) {
			diag.ReportError(c.rep, diag.ResResourceLeak, instr.Span,
				fmt.Sprintf("write through %s overwrites a value of type %s, which lacks drop", c.fd.LocalName(instr.Srcs[0]), c.env.TypeString(inner))).
				Emit()
		}
	case stackless.OpDestroy:
		src := instr.Srcs[0]
		if !c.has(src, env.AbilityDrop) {
			c.leak(instr.Span, fmt.Sprintf("value of type %s is discarded but lacks drop", c.typeName(src)), src)
		}
	case stackless.OpBuiltin:
		if op.Builtin == env.OpEq || op.Builtin == env.OpNeq {
			for _, src := range instr.Srcs {
				if !c.has(src, env.AbilityDrop) {
					diag.ReportError(c.rep, diag.ResAbilityMismatch, instr.Span,
						fmt.Sprintf("equality on %s requires drop", c.typeName(src))).
						Emit()
					break
				}
			}
		}
	case stackless.OpFunction:
		decl := c.env.Func(op.Func)
		if decl == nil {
			return
		}
		c.instantiation(instr, c.env.FuncName(op.Func), decl.TypeParams, op.TypeArgs)
	case stackless.OpPack, stackless.OpUnpack:
		decl := c.env.Struct(op.Struct)
		if decl == nil {
			return
		}
		c.instantiation(instr, decl.Name, decl.TypeParams, op.TypeArgs)
	}
}

func (c *checker) instantiation(instr *stackless.Bytecode, what string, params []env.TypeParamDecl, args []env.Type) {
	for _, msg := range c.env.CheckInstantiation(params, args, c.fd.TypeParams) {
		diag.ReportError(c.rep, diag.ResAbilityMismatch, instr.Span, fmt.Sprintf("%s: %s", what, msg)).Emit()
	}
}
