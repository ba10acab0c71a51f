package driver

import (
	"encoding/json"
	"fmt"

	"movec/internal/diag"
	"movec/internal/observ"
	"movec/internal/pipeline"
	"movec/internal/source"
)

type timingPayload struct {
	Kind    string               `json:"kind"`
	TotalMS float64              `json:"total_ms"`
	Phases  []observ.PhaseReport `json:"phases"`
}

// appendTimingDiagnostic adds an info diagnostic whose note carries the
// timings as JSON.
func appendTimingDiagnostic(bag *diag.Bag, report observ.Report) {
	if bag == nil || len(report.Phases) == 0 {
		return
	}
	payload := timingPayload{Kind: "compile", TotalMS: report.TotalMS, Phases: report.Phases}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	entry := diag.New(diag.SevInfo, diag.ObsTimings, source.NoSpan,
		fmt.Sprintf("timings (%s): total %.2f ms", payload.Kind, payload.TotalMS)).
		WithNote(source.NoSpan, string(data))
	bag.Add(entry)
}

// timingSink records the duration of every pipeline stage as a nested
// phase and forwards events to next.
type timingSink struct {
	timer *observ.Timer
	next  pipeline.ProgressSink
}

func (s timingSink) OnEvent(ev pipeline.Event) {
	if ev.Function == "" && (ev.Status == pipeline.StatusDone || ev.Status == pipeline.StatusError) {
		s.timer.Record(string(ev.Stage), ev.Elapsed, "")
	}
	if s.next != nil {
		s.next.OnEvent(ev)
	}
}
