// Package optimize rewrites stackless code of functions that passed the
// safety analyses. Every pass keeps the reference and ability verdicts
// intact; the pipeline re-runs the analyses afterwards to make sure.
package optimize

import (
	"fmt"

	"movec/internal/env"
	"movec/internal/stackless"
)

// DefaultMaxRounds bounds the outer fixed-point loop.
const DefaultMaxRounds = 32

// Pass is one rewrite. It returns the new code and whether anything changed.
type Pass struct {
	Name string
	Run  func(e *env.Env, fd *stackless.FuncData) ([]stackless.Bytecode, bool, error)
}

// Passes lists the rewrites in the order Run applies them each round.
var Passes = []Pass{
	{Name: "unreachable", Run: RemoveUnreachable},
	{Name: "copyprop", Run: PropagateCopies},
	{Name: "deadstore", Run: RemoveDeadStores},
	{Name: "simplifycfg", Run: SimplifyCFG},
}

// Stats counts how often each pass changed the function.
type Stats struct {
	Rounds  int
	Changes map[string]int
}

// Run applies Passes until none of them changes fd. Running it again on its
// own output is a no-op.
func Run(e *env.Env, fd *stackless.FuncData, maxRounds int) (Stats, error) {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	st := Stats{Changes: make(map[string]int)}
	for st.Rounds < maxRounds {
		st.Rounds++
		changed := false
		for _, p := range Passes {
			code, ok, err := p.Run(e, fd)
			if err != nil {
				return st, fmt.Errorf("%s: %s: %w", fd.Name, p.Name, err)
			}
			if ok {
				fd.SetCode(code)
				st.Changes[p.Name]++
				changed = true
			}
		}
		if !changed {
			return st, nil
		}
	}
	return st, fmt.Errorf("%s: no fixed point after %d rounds", fd.Name, maxRounds)
}

// plain reports whether values of t can be freely duplicated and discarded.
// Only such values are ever substituted or removed.
func plain(e *env.Env, fd *stackless.FuncData, t stackless.TempIndex) bool {
	ty := fd.LocalType(t)
	if ty.IsRef() {
		return false
	}
	a := e.AbilitiesOf(ty, fd.TypeParams)
	return a.Has(env.AbilityCopy | env.AbilityDrop)
}
