package stackless

import (
	"fmt"
)

// ForwardAnalysis describes a forward dataflow problem over a CFG.
type ForwardAnalysis[S any] interface {
	// Entry is the state at the start of block 0.
	Entry() S
	Clone(S) S
	// Join merges an incoming state into the current entry state of block b.
	Join(b BlockID, current, incoming S) (S, bool)
	// Transfer applies instruction code[offset] to s.
	Transfer(offset int, instr *Bytecode, s S) S
}

// ForwardResult holds the fixed-point entry state of every reached block.
type ForwardResult[S any] struct {
	In      []S
	Reached []bool
}

// SolveForward iterates a worklist in reverse postorder until no block entry
// state changes. maxVisits bounds the number of block visits; exceeding it is
// reported as an error since every lattice used here is finite.
func SolveForward[S any](c *CFG, code []Bytecode, a ForwardAnalysis[S], maxVisits int) (*ForwardResult[S], error) {
	res := &ForwardResult[S]{
		In:      make([]S, len(c.Blocks)),
		Reached: make([]bool, len(c.Blocks)),
	}
	if len(c.Blocks) == 0 {
		return res, nil
	}
	order := c.ReversePostorder()
	res.In[0] = a.Entry()
	res.Reached[0] = true

	pending := make([]bool, len(c.Blocks))
	pending[0] = true
	visits := 0
	for {
		// pick the pending block earliest in reverse postorder
		next := BlockID(-1)
		for _, b := range order {
			if pending[b] {
				next = b
				break
			}
		}
		if next < 0 {
			return res, nil
		}
		pending[next] = false
		visits++
		if maxVisits > 0 && visits > maxVisits {
			return res, fmt.Errorf("dataflow did not converge after %d block visits", maxVisits)
		}

		blk := &c.Blocks[next]
		s := a.Clone(res.In[next])
		for i := blk.Start; i < blk.End; i++ {
			s = a.Transfer(i, &code[i], s)
		}
		for _, succ := range blk.Succs {
			if !res.Reached[succ] {
				res.In[succ] = a.Clone(s)
				res.Reached[succ] = true
				pending[succ] = true
				continue
			}
			merged, changed := a.Join(succ, res.In[succ], s)
			if changed {
				res.In[succ] = merged
				pending[succ] = true
			}
		}
	}
}
