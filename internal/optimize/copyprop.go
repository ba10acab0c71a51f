package optimize

import (
	"slices"

	"movec/internal/env"
	"movec/internal/stackless"
)

const noCopy = -1

// copies maps each temp to the temp it is known to equal, or noCopy.
type copies []stackless.TempIndex

type copyAnalysis struct {
	env      *env.Env
	fd       *stackless.FuncData
	eligible []bool
}

func (a *copyAnalysis) Entry() copies {
	s := make(copies, len(a.fd.Locals))
	for i := range s {
		s[i] = noCopy
	}
	return s
}

func (a *copyAnalysis) Clone(s copies) copies { return slices.Clone(s) }

func (a *copyAnalysis) Join(_ stackless.BlockID, cur, in copies) (copies, bool) {
	out := slices.Clone(cur)
	changed := false
	for i := range out {
		if out[i] != in[i] && out[i] != noCopy {
			out[i] = noCopy
			changed = true
		}
	}
	return out, changed
}

func (a *copyAnalysis) kill(s copies, t stackless.TempIndex) {
	s[t] = noCopy
	for i := range s {
		if s[i] == t {
			s[i] = noCopy
		}
	}
}

func (a *copyAnalysis) Transfer(_ int, instr *stackless.Bytecode, s copies) copies {
	if instr.Kind == stackless.KindCall && instr.Op.Kind == stackless.OpFunction {
		for i := range s {
			s[i] = noCopy
		}
	}
	for i, src := range instr.Srcs {
		if instr.Mode(i) == stackless.ReadMove {
			a.kill(s, src)
		}
	}
	for _, d := range instr.Dsts {
		a.kill(s, d)
	}
	if instr.Kind == stackless.KindAssign && instr.Assign != stackless.AssignMove {
		dst, src := instr.Dsts[0], instr.Srcs[0]
		if dst != src && a.eligible[dst] && a.eligible[src] {
			root := src
			if s[src] != noCopy {
				root = s[src]
			}
			s[dst] = root
		}
	}
	return s
}

// PropagateCopies replaces reads of a temp by the temp it was copied from
// while both still hold the same value. Only plain values that are never
// borrowed take part, and every function call ends all known copies.
func PropagateCopies(e *env.Env, fd *stackless.FuncData) ([]stackless.Bytecode, bool, error) {
	c, err := stackless.BuildCFG(fd.Code)
	if err != nil {
		return nil, false, err
	}
	a := &copyAnalysis{env: e, fd: fd, eligible: make([]bool, len(fd.Locals))}
	borrowed := make([]bool, len(fd.Locals))
	for i := range fd.Code {
		instr := &fd.Code[i]
		if instr.Kind == stackless.KindCall && instr.Op.Kind == stackless.OpBorrowLoc {
			borrowed[instr.Srcs[0]] = true
		}
	}
	for t := range fd.Locals {
		a.eligible[t] = !borrowed[t] && plain(e, fd, t)
	}

	n := len(fd.Locals)
	sol, err := stackless.SolveForward[copies](c, fd.Code, a, len(c.Blocks)*(n+8))
	if err != nil {
		return nil, false, err
	}

	out := fd.CloneCode()
	changed := false
	for bi, b := range c.Blocks {
		if !sol.Reached[bi] {
			continue
		}
		s := a.Clone(sol.In[bi])
		for i := b.Start; i < b.End; i++ {
			instr := &out[i]
			for j, src := range instr.Srcs {
				mode := instr.Mode(j)
				if mode == stackless.ReadBorrow || mode == stackless.ReadMove {
					continue
				}
				if r := s[src]; r != noCopy {
					instr.Srcs[j] = r
					changed = true
				}
			}
			s = a.Transfer(i, &fd.Code[i], s)
		}
	}
	if !changed {
		return nil, false, nil
	}
	return out, true, nil
}
