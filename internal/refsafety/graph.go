package refsafety

import (
	"slices"

	"movec/internal/source"
	"movec/internal/stackless"
)

// WholeValue marks an edge that borrows the entire parent rather than one field.
const WholeValue = -1

// Edge records that a reference borrows from Parent.
type Edge struct {
	Parent stackless.TempIndex
	Mut    bool
	Field  int
	Span   source.Span
}

// BorrowGraph is an arena of nodes indexed by temp handle. parents[c] lists
// the values reference c borrows from. Children are found by scanning, which
// keeps snapshots a flat copy of small slices.
type BorrowGraph struct {
	parents [][]Edge
}

func newBorrowGraph(n int) BorrowGraph {
	return BorrowGraph{parents: make([][]Edge, n)}
}

func (g BorrowGraph) clone() BorrowGraph {
	out := BorrowGraph{parents: make([][]Edge, len(g.parents))}
	for i, es := range g.parents {
		if len(es) > 0 {
			out.parents[i] = slices.Clone(es)
		}
	}
	return out
}

// Parents returns the edges of reference c.
func (g BorrowGraph) Parents(c stackless.TempIndex) []Edge {
	return g.parents[c]
}

// borrow adds c -> parent. An existing edge with the same parent and field keeps
// the weaker tag.
func (g *BorrowGraph) borrow(c stackless.TempIndex, e Edge) {
	for i := range g.parents[c] {
		old := &g.parents[c][i]
		if old.Parent == e.Parent && old.Field == e.Field {
			old.Mut = old.Mut && e.Mut
			return
		}
	}
	g.parents[c] = append(g.parents[c], e)
	slices.SortFunc(g.parents[c], compareEdges)
}

func compareEdges(a, b Edge) int {
	if a.Parent != b.Parent {
		return a.Parent - b.Parent
	}
	return a.Field - b.Field
}

// child is a borrower of some node together with the edge it holds.
type child struct {
	Node stackless.TempIndex
	Edge Edge
}

// children lists the references borrowing directly from p.
func (g BorrowGraph) children(p stackless.TempIndex) []child {
	var out []child
	for c, es := range g.parents {
		for _, e := range es {
			if e.Parent == p {
				out = append(out, child{Node: c, Edge: e})
			}
		}
	}
	return out
}

// conflicting returns a live borrow of p that conflicts with a new access.
// mutAccess asks for exclusive access; field narrows the check to one field
// (WholeValue checks all of them).
func (g BorrowGraph) conflicting(p stackless.TempIndex, mutAccess bool, field int) (child, bool) {
	for _, ch := range g.children(p) {
		if field != WholeValue && ch.Edge.Field != WholeValue && ch.Edge.Field != field {
			continue
		}
		if mutAccess || ch.Edge.Mut {
			return ch, true
		}
	}
	return child{}, false
}

// accessConflict checks an access through reference n. Besides borrows
// derived from n itself, borrows held by n's siblings on an overlapping part
// of a common parent conflict with it.
func (g BorrowGraph) accessConflict(n stackless.TempIndex, mutAccess bool, field int) (child, bool) {
	if ch, ok := g.conflicting(n, mutAccess, field); ok {
		return ch, true
	}
	for _, up := range g.parents[n] {
		f := up.Field
		if f == WholeValue {
			f = field
		}
		for _, ch := range g.children(up.Parent) {
			if ch.Node == n {
				continue
			}
			if f != WholeValue && ch.Edge.Field != WholeValue && ch.Edge.Field != f {
				continue
			}
			if mutAccess || ch.Edge.Mut {
				return ch, true
			}
		}
	}
	return child{}, false
}

// release removes reference n from the graph. Borrows derived from n are
// re-pointed at n's parents so that the transitive relation survives. Root
// nodes (values and reference parameters) keep their children.
func (g *BorrowGraph) release(n stackless.TempIndex) {
	ups := g.parents[n]
	if len(ups) == 0 {
		return
	}
	for c := range g.parents {
		if c == n {
			continue
		}
		es := g.parents[c]
		kept := es[:0:0]
		var rerouted []Edge
		for _, e := range es {
			if e.Parent != n {
				kept = append(kept, e)
				continue
			}
			for _, up := range ups {
				field := up.Field
				if field == WholeValue {
					field = e.Field
				}
				rerouted = append(rerouted, Edge{Parent: up.Parent, Mut: e.Mut, Field: field, Span: e.Span})
			}
		}
		if rerouted == nil {
			continue
		}
		g.parents[c] = kept
		for _, e := range rerouted {
			g.borrow(c, e)
		}
	}
	g.parents[n] = nil
}

// dropIncoming forgets every borrow of p. Used after a conflict has been
// reported so that one mistake is not reported again at every later use.
func (g *BorrowGraph) dropIncoming(p stackless.TempIndex) {
	for c, es := range g.parents {
		kept := es[:0:0]
		for _, e := range es {
			if e.Parent != p {
				kept = append(kept, e)
			}
		}
		if len(kept) != len(es) {
			g.parents[c] = kept
		}
	}
}

// rename transfers every edge of from onto to, for moves of references.
func (g *BorrowGraph) rename(from, to stackless.TempIndex) {
	g.parents[to] = g.parents[from]
	g.parents[from] = nil
	for c, es := range g.parents {
		for i := range es {
			if es[i].Parent == from {
				g.parents[c][i].Parent = to
			}
		}
		if len(es) > 1 {
			slices.SortFunc(g.parents[c], compareEdges)
		}
	}
}

// Roots follows parent edges from n and returns the root nodes reached, sorted.
// A node without parents is its own root.
func (g BorrowGraph) Roots(n stackless.TempIndex) []stackless.TempIndex {
	seen := map[stackless.TempIndex]bool{n: true}
	stack := []stackless.TempIndex{n}
	var roots []stackless.TempIndex
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(g.parents[cur]) == 0 {
			roots = append(roots, cur)
			continue
		}
		for _, e := range g.parents[cur] {
			if !seen[e.Parent] {
				seen[e.Parent] = true
				stack = append(stack, e.Parent)
			}
		}
	}
	slices.Sort(roots)
	return roots
}

// join unions other into g. An edge present on both sides is exclusive only
// if it is exclusive on both. Reports whether g changed.
func (g *BorrowGraph) join(other BorrowGraph) bool {
	changed := false
	for c, es := range other.parents {
		for _, e := range es {
			found := false
			for i := range g.parents[c] {
				old := &g.parents[c][i]
				if old.Parent == e.Parent && old.Field == e.Field {
					found = true
					if old.Mut && !e.Mut {
						old.Mut = false
						changed = true
					}
					break
				}
			}
			if !found {
				g.borrow(c, e)
				changed = true
			}
		}
	}
	return changed
}

// Equal compares edge sets, ignoring spans.
func (g BorrowGraph) Equal(o BorrowGraph) bool {
	if len(g.parents) != len(o.parents) {
		return false
	}
	for i := range g.parents {
		if len(g.parents[i]) != len(o.parents[i]) {
			return false
		}
		for j := range g.parents[i] {
			a, b := g.parents[i][j], o.parents[i][j]
			if a.Parent != b.Parent || a.Mut != b.Mut || a.Field != b.Field {
				return false
			}
		}
	}
	return true
}
