package refsafety

import "movec/internal/env"

// callGraphSCCs returns strongly connected components in reverse topological
// order, callees before callers. Calls to functions outside units are ignored.
func callGraphSCCs(units []Unit) [][]env.FuncRef {
	index := make(map[env.FuncRef]int, len(units))
	for i, u := range units {
		index[u.Ref] = i
	}
	succs := make([][]int, len(units))
	for i, u := range units {
		if u.Data == nil {
			continue
		}
		for _, c := range callees(u.Data) {
			if j, ok := index[c]; ok {
				succs[i] = append(succs[i], j)
			}
		}
	}

	t := tarjan{
		succs:   succs,
		index:   make([]int, len(units)),
		low:     make([]int, len(units)),
		onStack: make([]bool, len(units)),
	}
	for i := range t.index {
		t.index[i] = -1
	}
	for i := range units {
		if t.index[i] < 0 {
			t.visit(i)
		}
	}
	out := make([][]env.FuncRef, len(t.sccs))
	for i, scc := range t.sccs {
		for _, n := range scc {
			out[i] = append(out[i], units[n].Ref)
		}
	}
	return out
}

type tarjan struct {
	succs   [][]int
	index   []int
	low     []int
	onStack []bool
	stack   []int
	next    int
	sccs    [][]int
}

func (t *tarjan) visit(v int) {
	t.index[v] = t.next
	t.low[v] = t.next
	t.next++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.succs[v] {
		if t.index[w] < 0 {
			t.visit(w)
			t.low[v] = min(t.low[v], t.low[w])
		} else if t.onStack[w] {
			t.low[v] = min(t.low[v], t.index[w])
		}
	}

	if t.low[v] != t.index[v] {
		return
	}
	var scc []int
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[w] = false
		scc = append(scc, w)
		if w == v {
			break
		}
	}
	// members in declaration order keep the analysis deterministic
	for i := 1; i < len(scc); i++ {
		for j := i; j > 0 && scc[j] < scc[j-1]; j-- {
			scc[j], scc[j-1] = scc[j-1], scc[j]
		}
	}
	t.sccs = append(t.sccs, scc)
}
