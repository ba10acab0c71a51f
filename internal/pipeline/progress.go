package pipeline

import "time"

// Stage names a step reported to progress sinks: "lower", a pass name, or a
// step the driver adds after the pipeline ("codegen", "verify").
type Stage string

const (
	StageLower   Stage = "lower"
	StageCodegen Stage = "codegen"
	StageVerify  Stage = "verify"
)

// Status captures progress state within a stage.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusWorking Status = "working"
	StatusDone    Status = "done"
	StatusTainted Status = "tainted"
	StatusError   Status = "error"
)

// Event reports progress for a function, or for the whole program when
// Function is empty.
type Event struct {
	Function string
	Stage    Stage
	Status   Status
	Err      error
	Elapsed  time.Duration
}

// ProgressSink consumes progress events. Per-function events may arrive
// from several goroutines at once.
type ProgressSink interface {
	OnEvent(Event)
}

// ChannelSink forwards events into a channel.
type ChannelSink struct {
	Ch chan<- Event
}

func (s ChannelSink) OnEvent(evt Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- evt
}

func emit(sink ProgressSink, ev Event) {
	if sink != nil {
		sink.OnEvent(ev)
	}
}
