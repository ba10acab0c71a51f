package refsafety

import (
	"movec/internal/source"
	"movec/internal/stackless"
)

// Avail is the availability of a temp: two bits, must-hold and may-hold.
type Avail uint8

const (
	mustBit Avail = 1 << iota
	mayBit

	// Unavailable: moved out or never assigned on every path.
	Unavailable Avail = 0
	// Maybe: holds a value on some paths only.
	Maybe Avail = mayBit
	// Available: holds a value on every path.
	Available Avail = mustBit | mayBit
)

func (a Avail) String() string {
	switch a {
	case Available:
		return "available"
	case Maybe:
		return "maybe"
	}
	return "unavailable"
}

// joinAvail is the meet over paths: must bits intersect, may bits union.
func joinAvail(a, b Avail) Avail {
	return (a & b & mustBit) | ((a | b) & mayBit)
}

// State is the abstract state at one program point.
type State struct {
	Avail []Avail
	Graph BorrowGraph
	// movedAt remembers where a value was last moved, for diagnostics only.
	movedAt []source.Span
}

func newState(n int) *State {
	return &State{
		Avail:   make([]Avail, n),
		Graph:   newBorrowGraph(n),
		movedAt: make([]source.Span, n),
	}
}

func (s *State) clone() *State {
	return &State{
		Avail:   append([]Avail(nil), s.Avail...),
		Graph:   s.Graph.clone(),
		movedAt: append([]source.Span(nil), s.movedAt...),
	}
}

// Equal compares availability and borrow edges.
func (s *State) Equal(o *State) bool {
	if len(s.Avail) != len(o.Avail) {
		return false
	}
	for i := range s.Avail {
		if s.Avail[i] != o.Avail[i] {
			return false
		}
	}
	return s.Graph.Equal(o.Graph)
}

// Join merges two states pointwise. Values that may be held on only some
// paths and lack drop become unavailable: nothing can consume them any more,
// and the leak is reported once at the merge point.
func Join(cur, in *State, noDrop []bool) (*State, bool) {
	out := cur.clone()
	changed := false
	for i := range out.Avail {
		a := joinAvail(cur.Avail[i], in.Avail[i])
		if a == Maybe && noDrop[i] {
			a = Unavailable
		}
		if a != out.Avail[i] {
			out.Avail[i] = a
			changed = true
		}
		if out.movedAt[i] == (source.Span{}) {
			out.movedAt[i] = in.movedAt[i]
		}
	}
	if out.Graph.join(in.Graph) {
		changed = true
	}
	return out, changed
}

// Availability is stored on FuncData for the ability checker.
type Availability struct {
	// Before holds the availability vector before each offset; nil when unreachable.
	Before [][]Avail
	// JoinLeaks lists non-drop temps held on some but not all incoming paths.
	JoinLeaks []JoinLeak
}

// JoinLeak is a merge point where a value without drop becomes unreachable.
type JoinLeak struct {
	Offset int
	Temp   stackless.TempIndex
}
