// Package driver runs a whole compilation: it loads the environment, runs
// the pipeline, generates one binary module per clean source module and
// hands each one to the verifier.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tliron/commonlog"

	"movec/internal/binfmt"
	"movec/internal/codegen"
	"movec/internal/diag"
	"movec/internal/env"
	"movec/internal/observ"
	"movec/internal/pipeline"
	"movec/internal/source"
	"movec/internal/trace"
	"movec/internal/verifier"
)

var log = commonlog.GetLogger("movec.driver")

// Request configures one compilation.
type Request struct {
	// Env is used when set; otherwise the environment is loaded from EnvPath.
	Env     *env.Env
	EnvPath string

	Config pipeline.Config
	// Passes defaults to Config.Passes().
	Passes []pipeline.Pass
	// Verifier defaults to verifier.Structural.
	Verifier verifier.Verifier
	Progress pipeline.ProgressSink

	// CheckOnly stops after the pipeline.
	CheckOnly bool
	// EnableTimings appends a timings diagnostic to the result.
	EnableTimings bool
}

// Unit is one generated module.
type Unit struct {
	Module env.ModuleID
	Name   string // 0x1::coin
	Binary *binfmt.Module
	Bytes  []byte
}

// Result captures what a compilation produced. It is returned even when
// Compile fails so that diagnostics gathered so far can be rendered.
type Result struct {
	Env         *env.Env
	Program     *pipeline.Program
	Diagnostics *diag.Bag
	Units       []Unit
	// Skipped lists modules left out because a function in them is tainted.
	Skipped []string
	Timer   *observ.Timer
}

// Failed reports whether the run should exit unsuccessfully.
func (r *Result) Failed() bool {
	return r.Diagnostics != nil && r.Diagnostics.HasErrors()
}

// Compile runs the request. User errors are diagnostics in the result; the
// returned error is reserved for I/O problems and internal failures
// (*diag.InternalError), which stop the run.
func Compile(ctx context.Context, req *Request) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil {
		return nil, fmt.Errorf("missing compile request")
	}
	ctx, span := trace.Start(ctx, trace.ScopeDriver, "compile")
	defer span.End()

	res := &Result{
		Diagnostics: diag.NewBag(req.Config.MaxDiagnostics),
		Timer:       observ.NewTimer(),
	}
	defer func() {
		if req.EnableTimings {
			appendTimingDiagnostic(res.Diagnostics, res.Timer.Report())
		}
	}()

	idx := res.Timer.Begin("load")
	e, err := loadEnv(req)
	res.Timer.End(idx, "")
	if err != nil {
		diag.ReportError(diag.BagReporter{Bag: res.Diagnostics}, diag.IOLoadFileError, source.NoSpan, err.Error()).Emit()
		return res, err
	}
	res.Env = e

	idx = res.Timer.Begin("check")
	envBag := diag.NewBag(0)
	env.Check(e, diag.BagReporter{Bag: envBag})
	res.Diagnostics.Merge(envBag)
	res.Timer.End(idx, fmt.Sprintf("%d modules", len(e.Modules)))

	passes := req.Passes
	if passes == nil {
		passes = req.Config.Passes()
	}
	sink := req.Progress
	if req.EnableTimings {
		sink = timingSink{timer: res.Timer, next: sink}
	}
	idx = res.Timer.Begin("pipeline")
	prog, bag, err := pipeline.Run(ctx, e, passes, req.Config, sink)
	res.Timer.End(idx, fmt.Sprintf("%d functions", len(e.FuncRefs())))
	res.Program = prog
	res.Diagnostics.Merge(bag)
	if err != nil {
		return res, fail(res, err)
	}
	if req.CheckOnly {
		return res, nil
	}
	if envBag.HasErrors() {
		log.Infof("declarations have errors; no modules are generated")
		for _, m := range e.Modules {
			res.Skipped = append(res.Skipped, m.QualifiedName())
		}
		return res, nil
	}

	v := req.Verifier
	if v == nil {
		v = verifier.Structural{}
	}
	idx = res.Timer.Begin("codegen")
	err = generate(ctx, req, res, v)
	res.Timer.End(idx, fmt.Sprintf("%d modules", len(res.Units)))
	if err != nil {
		return res, fail(res, err)
	}
	return res, nil
}

func loadEnv(req *Request) (*env.Env, error) {
	if req.Env != nil {
		return req.Env, nil
	}
	if req.EnvPath == "" {
		return nil, fmt.Errorf("missing environment")
	}
	return env.Load(req.EnvPath)
}

// fail records an internal error as a diagnostic so renderers show it next
// to the user diagnostics.
func fail(res *Result, err error) error {
	var ie *diag.InternalError
	if errors.As(err, &ie) {
		d := ie.Diag
		if ie.Func != "" {
			d = d.WithNote(source.NoSpan, "while compiling "+ie.Func)
		}
		if ie.Cause != nil {
			d = d.WithNote(source.NoSpan, ie.Cause.Error())
		}
		res.Diagnostics.Add(d)
	}
	return err
}

// generate assembles, verifies and encodes each module without tainted
// functions, in environment order.
func generate(ctx context.Context, req *Request, res *Result, v verifier.Verifier) error {
	e, prog := res.Env, res.Program
	for mi, m := range e.Modules {
		if err := ctx.Err(); err != nil {
			return err
		}
		mid := env.ModuleID(mi)
		name := m.QualifiedName()
		if prog.ModuleTainted(mid) {
			log.Infof("skipping %s: it has tainted functions", name)
			res.Skipped = append(res.Skipped, name)
			continue
		}
		unit, err := generateModule(ctx, req.Progress, prog, mid, name, v)
		if err != nil {
			return err
		}
		res.Units = append(res.Units, unit)
	}
	return nil
}

func generateModule(ctx context.Context, sink pipeline.ProgressSink, prog *pipeline.Program, mid env.ModuleID, name string, v verifier.Verifier) (Unit, error) {
	_, span := trace.Start(ctx, trace.ScopePass, "codegen:"+name)
	defer span.End()
	start := time.Now()

	progress(sink, name, pipeline.StageCodegen, pipeline.StatusWorking, nil, 0)
	m, err := codegen.GenerateModule(prog.Env, mid, prog.Bodies(mid))
	if err != nil {
		progress(sink, name, pipeline.StageCodegen, pipeline.StatusError, err, time.Since(start))
		return Unit{}, err
	}

	progress(sink, name, pipeline.StageVerify, pipeline.StatusWorking, nil, 0)
	if err := v.Verify(m); err != nil {
		progress(sink, name, pipeline.StageVerify, pipeline.StatusError, err, time.Since(start))
		return Unit{}, rejected(name, err)
	}
	data, err := binfmt.Encode(m)
	if err != nil {
		return Unit{}, fmt.Errorf("encode %s: %w", name, err)
	}
	progress(sink, name, pipeline.StageVerify, pipeline.StatusDone, nil, time.Since(start))
	log.Debugf("%s: %d bytes", name, len(data))
	return Unit{Module: mid, Name: name, Binary: m, Bytes: data}, nil
}

// rejected turns a verifier failure into the internal error it signals: the
// analyses accepted code the verifier does not.
func rejected(module string, err error) error {
	fn := module
	var rej *verifier.Rejection
	if errors.As(err, &rej) && rej.Function != "" {
		fn = rej.Function
	}
	return diag.NewInternal(diag.IntVerificationRejected, fn, source.NoSpan, "verifier rejected "+module, err)
}

func progress(sink pipeline.ProgressSink, module string, st pipeline.Stage, status pipeline.Status, err error, elapsed time.Duration) {
	if sink == nil {
		return
	}
	sink.OnEvent(pipeline.Event{Stage: st, Status: status, Err: err, Elapsed: elapsed, Function: module})
}
