package refsafety

import (
	"fmt"

	"movec/internal/diag"
	"movec/internal/env"
	"movec/internal/source"
	"movec/internal/stackless"
)

// SummaryLookup yields the borrow summary of a callee.
type SummaryLookup interface {
	Summary(f env.FuncRef) Summary
}

// Result is what one run of the analysis produces for a function.
type Result struct {
	// ReturnRoots[i] lists the parameters result i may borrow from; nil for non-references.
	ReturnRoots [][]int
	Availability *Availability
	Errors       int
}

// Analyze checks reference safety of fd. Diagnostics go to r; a nil r runs
// silently, as the summary fixpoint does. lv must describe fd.Code.
func Analyze(e *env.Env, fd *stackless.FuncData, lv *stackless.LiveVars, sums SummaryLookup, r diag.Reporter) (*Result, error) {
	c, err := stackless.BuildCFG(fd.Code)
	if err != nil {
		return nil, err
	}
	counting := &diag.CountingReporter{Next: diag.Unique(r)}
	a := &analysis{
		env:    e,
		fd:     fd,
		lv:     lv,
		sums:   sums,
		noDrop: make([]bool, len(fd.Locals)),
		result: &Result{ReturnRoots: make([][]int, len(fd.Results))},
	}
	for i, l := range fd.Locals {
		a.noDrop[i] = !e.AbilitiesOf(l.Type, fd.TypeParams).Has(env.AbilityDrop)
	}

	// fixpoint without reporting, then one reporting sweep over the stable states
	n := len(fd.Locals)
	maxVisits := len(c.Blocks) * (2*n*n + 64)
	sol, err := stackless.SolveForward[*State](c, fd.Code, a, maxVisits)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fd.Name, err)
	}

	a.rep = counting
	avail := &Availability{Before: make([][]Avail, len(fd.Code))}
	outs := make([]*State, len(c.Blocks))
	for bi := range c.Blocks {
		if !sol.Reached[bi] {
			continue
		}
		blk := &c.Blocks[bi]
		s := sol.In[bi].clone()
		for i := blk.Start; i < blk.End; i++ {
			avail.Before[i] = append([]Avail(nil), s.Avail...)
			s = a.Transfer(i, &fd.Code[i], s)
		}
		outs[bi] = s
	}
	for bi := range c.Blocks {
		blk := &c.Blocks[bi]
		if !sol.Reached[bi] || len(blk.Preds) < 2 {
			continue
		}
		for t := range fd.Locals {
			if !a.noDrop[t] {
				continue
			}
			held, missing := false, false
			for _, p := range blk.Preds {
				if outs[p] == nil {
					continue
				}
				if outs[p].Avail[t] == Available {
					held = true
				} else {
					missing = true
				}
			}
			if held && missing {
				avail.JoinLeaks = append(avail.JoinLeaks, JoinLeak{Offset: blk.Start, Temp: t})
			}
		}
	}
	a.result.Availability = avail
	a.result.Errors = counting.Errors
	return a.result, nil
}

type analysis struct {
	env    *env.Env
	fd     *stackless.FuncData
	lv     *stackless.LiveVars
	sums   SummaryLookup
	noDrop []bool
	rep    diag.Reporter
	result *Result
}

func (a *analysis) Entry() *State {
	s := newState(len(a.fd.Locals))
	for i := 0; i < a.fd.ParamCount(); i++ {
		s.Avail[i] = Available
	}
	return s
}

func (a *analysis) Clone(s *State) *State { return s.clone() }

func (a *analysis) Join(_ stackless.BlockID, cur, in *State) (*State, bool) {
	return Join(cur, in, a.noDrop)
}

func (a *analysis) name(t stackless.TempIndex) string {
	return a.fd.LocalName(t)
}

func (a *analysis) isRef(t stackless.TempIndex) bool {
	return a.fd.Locals[t].Type.IsRef()
}

func (a *analysis) isMutRef(t stackless.TempIndex) bool {
	return a.fd.Locals[t].Type.IsMutRef()
}

func (a *analysis) report(code diag.Code, sp source.Span, msg string) *diag.ReportBuilder {
	if a.rep == nil {
		return nil
	}
	return diag.ReportError(a.rep, code, sp, msg)
}

func (a *analysis) conflict(sp source.Span, msg string, with child) {
	verb := "borrowed"
	if with.Edge.Mut {
		verb = "mutably borrowed"
	}
	a.report(diag.RefBorrowConflict, sp, msg).
		WithNote(with.Edge.Span, fmt.Sprintf("%s here", verb)).
		Emit()
}

// Transfer applies one instruction. Reads are checked first, then the
// operation's own rules. Consumed sources are released before the
// destinations take their new borrows, and references that are no longer
// live are dropped last.
func (a *analysis) Transfer(offset int, instr *stackless.Bytecode, s *State) *State {
	var consumed []stackless.TempIndex
	renamed := -1

	for i, src := range instr.Srcs {
		mode := instr.Mode(i)
		if s.Avail[src] != Available {
			a.useOfMoved(instr, s, src, mode)
			// assume it is there so the mistake is reported once
			s.Avail[src] = Available
		}
		if mode == stackless.ReadBorrow {
			continue
		}
		if a.lv.Consumes(instr, offset, i) {
			consumed = append(consumed, src)
			if a.isRef(src) {
				// moving a reference hands its borrows to the destination
				if instr.Kind == stackless.KindAssign && len(s.Graph.parents[src]) > 0 {
					renamed = src
				}
				continue
			}
			if ch, busy := s.Graph.conflicting(src, true, WholeValue); busy {
				a.conflict(instr.Span, fmt.Sprintf("cannot move %s while it is borrowed", a.name(src)), ch)
				s.Graph.dropIncoming(src)
			}
			continue
		}
		if a.isRef(src) {
			continue
		}
		if ch, busy := s.Graph.conflicting(src, false, WholeValue); busy {
			a.conflict(instr.Span, fmt.Sprintf("cannot copy %s while it is mutably borrowed", a.name(src)), ch)
			s.Graph.dropIncoming(src)
		}
	}

	var pending []pendingEdge
	switch instr.Kind {
	case stackless.KindAssign:
		src, dst := instr.Srcs[0], instr.Dsts[0]
		if a.isRef(src) && renamed < 0 {
			pending = append(pending, pendingEdge{child: dst, edge: Edge{Parent: src, Mut: a.isMutRef(dst), Field: WholeValue, Span: instr.Span}})
		}
	case stackless.KindCall:
		pending = a.transferOp(instr, s)
	case stackless.KindRet:
		a.checkReturn(instr, s)
	}

	// a borrow taken from a reference that dies here hangs off that reference's parents
	var edges []pendingEdge
	for _, p := range pending {
		ups := s.Graph.parents[p.edge.Parent]
		if !containsTemp(consumed, p.edge.Parent) || len(ups) == 0 {
			edges = append(edges, p)
			continue
		}
		for _, up := range ups {
			e := p.edge
			e.Parent = up.Parent
			if up.Field != WholeValue {
				e.Field = up.Field
			}
			edges = append(edges, pendingEdge{child: p.child, edge: e})
		}
	}

	for _, t := range consumed {
		s.Avail[t] = Unavailable
		s.movedAt[t] = instr.Span
		if t != renamed {
			s.Graph.release(t)
		}
	}
	for _, d := range instr.Dsts {
		if a.isRef(d) {
			s.Graph.release(d)
			s.Graph.parents[d] = nil
			continue
		}
		if ch, busy := s.Graph.conflicting(d, true, WholeValue); busy {
			a.conflict(instr.Span, fmt.Sprintf("cannot assign to %s while it is borrowed", a.name(d)), ch)
			s.Graph.dropIncoming(d)
		}
	}
	if renamed >= 0 {
		s.Graph.rename(renamed, instr.Dsts[0])
	}
	for _, p := range edges {
		s.Graph.borrow(p.child, p.edge)
	}
	for _, d := range instr.Dsts {
		s.Avail[d] = Available
	}

	if offset < len(a.lv.After) {
		for t := range s.Graph.parents {
			if len(s.Graph.parents[t]) > 0 && !a.lv.LiveAfter(offset, t) {
				s.Graph.release(t)
			}
		}
	}
	return s
}

type pendingEdge struct {
	child stackless.TempIndex
	edge  Edge
}

func (a *analysis) useOfMoved(instr *stackless.Bytecode, s *State, t stackless.TempIndex, mode stackless.ReadMode) {
	what := "use"
	if mode == stackless.ReadBorrow {
		what = "borrow"
	}
	qualifier := "moved or unassigned"
	if s.Avail[t] == Maybe {
		qualifier = "possibly moved"
	}
	b := a.report(diag.RefUseOfMovedValue, instr.Span, fmt.Sprintf("%s of %s value %s", what, qualifier, a.name(t)))
	if s.movedAt[t] != (source.Span{}) {
		b = b.WithNote(s.movedAt[t], "value moved here")
	}
	b.Emit()
}

func (a *analysis) transferOp(instr *stackless.Bytecode, s *State) []pendingEdge {
	op := &instr.Op
	switch op.Kind {
	case stackless.OpBorrowLoc:
		src := instr.Srcs[0]
		if ch, busy := s.Graph.conflicting(src, op.Mut, WholeValue); busy {
			a.conflict(instr.Span, fmt.Sprintf("cannot borrow %s: it is already borrowed", a.name(src)), ch)
			s.Graph.dropIncoming(src)
		}
		return []pendingEdge{{child: instr.Dsts[0], edge: Edge{Parent: src, Mut: op.Mut, Field: WholeValue, Span: instr.Span}}}

	case stackless.OpBorrowField:
		src := instr.Srcs[0]
		mut := op.Mut
		if mut && !a.isMutRef(src) {
			a.report(diag.RefWriteThroughShared, instr.Span,
				fmt.Sprintf("cannot mutably borrow a field through shared reference %s", a.name(src))).Emit()
			mut = false
		}
		if ch, busy := s.Graph.accessConflict(src, mut, op.Field); busy {
			a.conflict(instr.Span, fmt.Sprintf("cannot borrow field of %s: it is already borrowed", a.name(src)), ch)
		}
		return []pendingEdge{{child: instr.Dsts[0], edge: Edge{Parent: src, Mut: mut, Field: op.Field, Span: instr.Span}}}

	case stackless.OpReadRef:
		src := instr.Srcs[0]
		if ch, busy := s.Graph.accessConflict(src, false, WholeValue); busy {
			a.conflict(instr.Span, fmt.Sprintf("cannot read through %s while it is mutably borrowed", a.name(src)), ch)
		}

	case stackless.OpWriteRef:
		ref := instr.Srcs[0]
		if !a.isMutRef(ref) {
			a.report(diag.RefWriteThroughShared, instr.Span,
				fmt.Sprintf("cannot write through shared reference %s", a.name(ref))).Emit()
		} else if ch, busy := s.Graph.accessConflict(ref, true, WholeValue); busy {
			a.conflict(instr.Span, fmt.Sprintf("cannot write through %s while it is borrowed", a.name(ref)), ch)
		}

	case stackless.OpFreezeRef:
		src := instr.Srcs[0]
		if ch, busy := s.Graph.accessConflict(src, false, WholeValue); busy {
			a.conflict(instr.Span, fmt.Sprintf("cannot freeze %s while it is mutably borrowed", a.name(src)), ch)
		}
		return []pendingEdge{{child: instr.Dsts[0], edge: Edge{Parent: src, Mut: false, Field: WholeValue, Span: instr.Span}}}

	case stackless.OpFunction:
		return a.transferCall(instr, s)
	}
	return nil
}

func (a *analysis) transferCall(instr *stackless.Bytecode, s *State) []pendingEdge {
	// one conflict per call is enough; the arguments usually alias each other
	seenMut := map[stackless.TempIndex]bool{}
	for _, arg := range instr.Srcs {
		if !a.isRef(arg) {
			continue
		}
		if a.isMutRef(arg) {
			if seenMut[arg] {
				a.report(diag.RefBorrowConflict, instr.Span,
					fmt.Sprintf("mutable reference %s passed more than once", a.name(arg))).Emit()
				break
			}
			seenMut[arg] = true
			if ch, busy := s.Graph.accessConflict(arg, true, WholeValue); busy {
				a.conflict(instr.Span, fmt.Sprintf("cannot pass %s while it is borrowed", a.name(arg)), ch)
				break
			}
		} else if ch, busy := s.Graph.accessConflict(arg, false, WholeValue); busy {
			a.conflict(instr.Span, fmt.Sprintf("cannot pass %s while it is mutably borrowed", a.name(arg)), ch)
			break
		}
	}

	sum := a.sums.Summary(instr.Op.Func)
	var out []pendingEdge
	for j, d := range instr.Dsts {
		if !a.isRef(d) || j >= len(sum.Results) {
			continue
		}
		for _, p := range sum.Results[j] {
			if p >= len(instr.Srcs) || !a.isRef(instr.Srcs[p]) {
				continue
			}
			out = append(out, pendingEdge{child: d, edge: Edge{
				Parent: instr.Srcs[p], Mut: a.isMutRef(d), Field: WholeValue, Span: instr.Span,
			}})
		}
	}
	return out
}

// checkReturn requires every returned reference to be rooted in reference
// parameters and records those roots for the function's summary. A by-value
// parameter lives in the callee's frame like any other local.
func (a *analysis) checkReturn(instr *stackless.Bytecode, s *State) {
	params := a.fd.ParamCount()
	for j, src := range instr.Srcs {
		if !a.isRef(src) {
			continue
		}
		for _, root := range s.Graph.Roots(src) {
			if root < params && a.isRef(root) {
				if j < len(a.result.ReturnRoots) && !containsInt(a.result.ReturnRoots[j], root) {
					a.result.ReturnRoots[j] = insertSorted(a.result.ReturnRoots[j], root)
				}
				continue
			}
			what, note := "local", "local declared here"
			if root < params {
				what, note = "by-value parameter", "parameter declared here"
			}
			a.report(diag.RefDanglingReference, instr.Span,
				fmt.Sprintf("returned reference %s points into %s %s", a.name(src), what, a.name(root))).
				WithNote(a.fd.Locals[root].Span, note).
				Emit()
		}
	}
}

func containsTemp(ts []stackless.TempIndex, t stackless.TempIndex) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func containsInt(xs []int, v int) bool {
	return containsTemp(xs, v)
}

func insertSorted(xs []int, v int) []int {
	i := 0
	for i < len(xs) && xs[i] < v {
		i++
	}
	xs = append(xs, 0)
	copy(xs[i+1:], xs[i:])
	xs[i] = v
	return xs
}

// Check runs Analyze with reporting and stores the availability table on fd
// for the ability checker.
func Check(e *env.Env, fd *stackless.FuncData, lv *stackless.LiveVars, sums SummaryLookup, r diag.Reporter) (*Result, error) {
	res, err := Analyze(e, fd, lv, sums, r)
	if err != nil {
		return nil, err
	}
	stackless.SetAnnotation(fd, res.Availability)
	return res, nil
}
