package pipeline

import (
	"fmt"
)

// Pass identifies one step of the pipeline. The set is closed and the order
// is fixed: a pass list may omit optional passes but never reorders them.
type Pass uint8

const (
	PassValidate Pass = iota + 1
	PassLiveVars
	PassBorrowSummaries
	PassReferenceSafety
	PassAbilityCheck
	PassOptimize
	PassRecheck
)

var passNames = [...]string{
	PassValidate:        "validate",
	PassLiveVars:        "live-vars",
	PassBorrowSummaries: "borrow-summaries",
	PassReferenceSafety: "reference-safety",
	PassAbilityCheck:    "ability-check",
	PassOptimize:        "optimize",
	PassRecheck:         "recheck",
}

func (p Pass) String() string {
	if int(p) < len(passNames) && passNames[p] != "" {
		return passNames[p]
	}
	return fmt.Sprintf("pass(%d)", p)
}

// PerFunction reports whether the pass handles each function independently.
// Only borrow summaries need the whole call graph.
func (p Pass) PerFunction() bool {
	return p != PassBorrowSummaries
}

// Stage is the progress stage reported while the pass runs.
func (p Pass) Stage() Stage {
	return Stage(p.String())
}

// ParsePass accepts the names printed by String.
func ParsePass(s string) (Pass, error) {
	for p := PassValidate; p <= PassRecheck; p++ {
		if passNames[p] == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown pass %q", s)
}

// Passes returns the pass list selected by cfg.
func (c Config) Passes() []Pass {
	passes := []Pass{PassValidate, PassLiveVars, PassBorrowSummaries, PassReferenceSafety, PassAbilityCheck}
	if c.RunOptimizations {
		passes = append(passes, PassOptimize)
		if c.RecheckAfterOptimize {
			passes = append(passes, PassRecheck)
		}
	}
	return passes
}

// checkPasses rejects lists that reorder passes, repeat one, drop a
// mandatory pass or recheck without optimizing.
func checkPasses(passes []Pass) error {
	var seen [PassRecheck + 1]bool
	last := Pass(0)
	for _, p := range passes {
		if p < PassValidate || p > PassRecheck {
			return fmt.Errorf("pipeline: unknown pass %d", p)
		}
		if p <= last {
			return fmt.Errorf("pipeline: %s listed after %s", p, last)
		}
		seen[p] = true
		last = p
	}
	for _, p := range []Pass{PassValidate, PassLiveVars, PassBorrowSummaries, PassReferenceSafety, PassAbilityCheck} {
		if !seen[p] {
			return fmt.Errorf("pipeline: pass %s cannot be disabled", p)
		}
	}
	if seen[PassRecheck] && !seen[PassOptimize] {
		return fmt.Errorf("pipeline: %s requires %s", PassRecheck, PassOptimize)
	}
	return nil
}
