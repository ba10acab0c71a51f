package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"movec/internal/driver"
	"movec/internal/pipeline"
	"movec/internal/ui"
)

type compileOutcome struct {
	result *driver.Result
	err    error
}

// runCompileWithUI runs the compilation in the background and renders its
// progress events until it finishes. req.Env must be loaded so the rows are
// known up front.
func runCompileWithUI(ctx context.Context, title string, req *driver.Request) (*driver.Result, error) {
	if req == nil || req.Env == nil {
		return nil, fmt.Errorf("missing compile request")
	}
	var functions, modules []string
	for _, ref := range req.Env.FuncRefs() {
		functions = append(functions, req.Env.FuncName(ref))
	}
	for _, m := range req.Env.Modules {
		modules = append(modules, m.QualifiedName())
	}
	passes := req.Passes
	if passes == nil {
		passes = req.Config.Passes()
	}

	events := make(chan pipeline.Event, 256)
	outcomeCh := make(chan compileOutcome, 1)
	go func() {
		reqCopy := *req
		reqCopy.Progress = pipeline.ChannelSink{Ch: events}
		res, err := driver.Compile(ctx, &reqCopy)
		outcomeCh <- compileOutcome{result: res, err: err}
		close(events)
	}()

	model := ui.NewProgressModel(title, functions, modules, passes, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.result, uiErr
	}
	return outcome.result, outcome.err
}
