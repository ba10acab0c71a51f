package stackless

import (
	"fmt"
)

// BlockID indexes CFG.Blocks. Block 0 is the entry.
type BlockID int

// Block is a maximal straight-line range [Start, End) of the code.
type Block struct {
	ID    BlockID
	Start int
	End   int
	Succs []BlockID
	Preds []BlockID
}

// CFG is derived from labels and terminators; it is never stored on FuncData
// because every code rewrite invalidates it.
type CFG struct {
	Blocks      []Block
	LabelOffset map[Label]int
	blockOf     []BlockID
}

// BuildCFG splits code into blocks. A block starts at offset 0, at every label
// and after every terminator. Jumps to undefined labels are an error.
func BuildCFG(code []Bytecode) (*CFG, error) {
	c := &CFG{
		LabelOffset: make(map[Label]int),
		blockOf:     make([]BlockID, len(code)),
	}
	for i := range code {
		if code[i].Kind == KindLabel {
			if _, dup := c.LabelOffset[code[i].Label]; dup {
				return nil, fmt.Errorf("label L%d defined twice", code[i].Label)
			}
			c.LabelOffset[code[i].Label] = i
		}
	}
	if len(code) == 0 {
		return c, nil
	}

	leader := make([]bool, len(code)+1)
	leader[0] = true
	for i := range code {
		if code[i].Kind == KindLabel {
			leader[i] = true
		}
		if code[i].IsTerminator() {
			leader[i+1] = true
		}
	}
	start := 0
	for i := 1; i <= len(code); i++ {
		if i == len(code) || leader[i] {
			id := BlockID(len(c.Blocks))
			c.Blocks = append(c.Blocks, Block{ID: id, Start: start, End: i})
			for j := start; j < i; j++ {
				c.blockOf[j] = id
			}
			start = i
		}
	}

	for bi := range c.Blocks {
		b := &c.Blocks[bi]
		last := &code[b.End-1]
		switch {
		case last.IsTerminator():
			for _, l := range last.Targets() {
				off, ok := c.LabelOffset[l]
				if !ok {
					return nil, fmt.Errorf("offset %d: jump to undefined label L%d", b.End-1, l)
				}
				c.addEdge(b.ID, c.blockOf[off])
			}
		case bi+1 < len(c.Blocks):
			c.addEdge(b.ID, BlockID(bi+1))
		}
	}
	return c, nil
}

func (c *CFG) addEdge(from, to BlockID) {
	for _, s := range c.Blocks[from].Succs {
		if s == to {
			return
		}
	}
	c.Blocks[from].Succs = append(c.Blocks[from].Succs, to)
	c.Blocks[to].Preds = append(c.Blocks[to].Preds, from)
}

// BlockAt returns the block containing offset.
func (c *CFG) BlockAt(offset int) BlockID {
	return c.blockOf[offset]
}

// Reachable marks blocks reachable from the entry.
func (c *CFG) Reachable() []bool {
	seen := make([]bool, len(c.Blocks))
	if len(c.Blocks) == 0 {
		return seen
	}
	stack := []BlockID{0}
	seen[0] = true
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range c.Blocks[b].Succs {
			if !seen[s] {
				seen[s] = true
				stack = append(stack, s)
			}
		}
	}
	return seen
}

// Returning marks blocks from which some path reaches a Ret. Paths that only
// end in Abort do not count.
func (c *CFG) Returning(code []Bytecode) []bool {
	ret := make([]bool, len(c.Blocks))
	var work []BlockID
	for bi := range c.Blocks {
		if code[c.Blocks[bi].End-1].Kind == KindRet {
			ret[bi] = true
			work = append(work, BlockID(bi))
		}
	}
	for len(work) > 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		for _, p := range c.Blocks[b].Preds {
			if !ret[p] {
				ret[p] = true
				work = append(work, p)
			}
		}
	}
	return ret
}

// ReversePostorder lists reachable blocks in reverse postorder from the entry.
func (c *CFG) ReversePostorder() []BlockID {
	if len(c.Blocks) == 0 {
		return nil
	}
	seen := make([]bool, len(c.Blocks))
	post := make([]BlockID, 0, len(c.Blocks))
	var visit func(BlockID)
	visit = func(b BlockID) {
		seen[b] = true
		for _, s := range c.Blocks[b].Succs {
			if !seen[s] {
				visit(s)
			}
		}
		post = append(post, b)
	}
	visit(0)
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}
