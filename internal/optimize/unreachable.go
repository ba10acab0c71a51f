package optimize

import (
	"fmt"

	"movec/internal/env"
	"movec/internal/stackless"
)

// RemoveUnreachable drops blocks without a path from the entry. Labels that
// survive must still cover every branch target.
func RemoveUnreachable(_ *env.Env, fd *stackless.FuncData) ([]stackless.Bytecode, bool, error) {
	c, err := stackless.BuildCFG(fd.Code)
	if err != nil {
		return nil, false, err
	}
	reach := c.Reachable()
	out := make([]stackless.Bytecode, 0, len(fd.Code))
	for bi, b := range c.Blocks {
		if !reach[bi] {
			continue
		}
		out = append(out, fd.Code[b.Start:b.End]...)
	}
	if len(out) == len(fd.Code) {
		return nil, false, nil
	}

	labels := make(map[stackless.Label]bool)
	for i := range out {
		if out[i].Kind == stackless.KindLabel {
			labels[out[i].Label] = true
		}
	}
	for i := range out {
		for _, l := range out[i].Targets() {
			if !labels[l] {
				return nil, false, fmt.Errorf("reachable jump to removed label L%d", l)
			}
		}
	}
	return cloneAll(out), true, nil
}

func cloneAll(code []stackless.Bytecode) []stackless.Bytecode {
	out := make([]stackless.Bytecode, len(code))
	for i := range code {
		out[i] = code[i].Clone()
	}
	return out
}
