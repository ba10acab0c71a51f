package ui

import (
	"strings"
	"testing"

	"movec/internal/pipeline"
)

func TestProgressModelTracksEvents(t *testing.T) {
	passes := pipeline.DefaultConfig().Passes()
	m := NewProgressModel("movec build", []string{"0x1::m::f", "0x1::m::g"}, []string{"0x1::m", "0x1::n"}, passes, nil).(*progressModel)

	for _, ev := range []pipeline.Event{
		{Stage: pipeline.StageLower, Status: pipeline.StatusWorking},
		{Function: "0x1::m::f", Stage: pipeline.StageLower, Status: pipeline.StatusWorking},
		{Function: "0x1::m::g", Stage: passes[len(passes)-1].Stage(), Status: pipeline.StatusTainted},
		{Function: "unknown", Stage: pipeline.StageLower, Status: pipeline.StatusDone},
		{Function: "0x1::m", Stage: pipeline.StageCodegen, Status: pipeline.StatusWorking},
	} {
		m.applyEvent(ev)
	}

	view := m.View()
	for _, want := range []string{"movec build (lower)", "lower 0x1::m::f", "tainted 0x1::m::g", "codegen 0x1::m"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view lacks %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "0x1::n") {
		t.Fatalf("unseen module shown before the end:\n%s", view)
	}
	// g is complete, f and 0x1::m have started but left no stage.
	if got := m.percent(); got != 0.25 {
		t.Fatalf("percent = %v", got)
	}

	m.done = true
	if view := m.View(); !strings.Contains(view, "skipped 0x1::n") || !strings.HasPrefix(stripANSI(view), "done: ") {
		t.Fatalf("final view:\n%s", view)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("0x1::coin::mint", 10); got != "0x1::co..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("abc", 2); got != "ab" {
		t.Fatalf("truncate = %q", got)
	}
}

func stripANSI(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b {
			for i < len(s) && s[i] != 'm' {
				i++
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
