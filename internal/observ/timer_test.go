package observ_test

import (
	"strings"
	"testing"
	"time"

	"movec/internal/observ"
)

func TestNestedPhasesDoNotCountTowardsTotal(t *testing.T) {
	tm := observ.NewTimer()
	idx := tm.Begin("pipeline")
	tm.Record("reference-safety", 3*time.Millisecond, "")
	tm.Record("optimize", 2*time.Millisecond, "4 changes")
	tm.End(idx, "5 functions")

	r := tm.Report()
	if len(r.Phases) != 3 || r.Phases[1].Depth != 1 || r.Phases[0].Depth != 0 {
		t.Fatalf("phases = %+v", r.Phases)
	}
	if r.TotalMS != r.Phases[0].DurationMS {
		t.Fatalf("total %v includes nested phases", r.TotalMS)
	}
	if r.Phases[2].DurationMS != 2 {
		t.Fatalf("recorded duration = %v", r.Phases[2].DurationMS)
	}

	s := tm.Summary()
	for _, want := range []string{"  pipeline ", "    optimize ", "// 4 changes", "// 5 functions", "  total "} {
		if !strings.Contains(s, want) {
			t.Fatalf("summary lacks %q:\n%s", want, s)
		}
	}
}

func TestEndIgnoresBadIndex(t *testing.T) {
	tm := observ.NewTimer()
	tm.End(3, "x")
	if r := tm.Report(); len(r.Phases) != 0 || r.TotalMS != 0 {
		t.Fatalf("report = %+v", r)
	}
}
