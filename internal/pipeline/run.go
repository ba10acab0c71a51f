// Package pipeline drives stackless functions through the fixed pass order.
// Per-function passes may run on a worker pool; their diagnostics are merged
// in program order so output does not depend on scheduling.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"movec/internal/ability"
	"movec/internal/diag"
	"movec/internal/env"
	"movec/internal/irgen"
	"movec/internal/optimize"
	"movec/internal/refsafety"
	"movec/internal/source"
	"movec/internal/stackless"
	"movec/internal/trace"
)

var log = commonlog.GetLogger("movec.pipeline")

// step processes one function; user problems go to rep, internal failures are
// returned as errors and stop the run.
type step func(ctx context.Context, fn *Function, rep diag.Reporter) error

type runner struct {
	env  *env.Env
	cfg  Config
	prog *Program
	bag  *diag.Bag
	sink ProgressSink
}

// Run lowers every function of e and applies passes in order. Diagnostics
// come back in a bag even when an internal error stops the run; such errors
// are *diag.InternalError values.
func Run(ctx context.Context, e *env.Env, passes []Pass, cfg Config, sink ProgressSink) (*Program, *diag.Bag, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if e == nil {
		return nil, nil, fmt.Errorf("pipeline: missing environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := checkPasses(passes); err != nil {
		return nil, nil, err
	}
	r := &runner{
		env:  e,
		cfg:  cfg,
		prog: newProgram(e, passes),
		bag:  diag.NewBag(cfg.MaxDiagnostics),
		sink: sink,
	}
	for _, fn := range r.prog.Functions {
		emit(sink, Event{Function: fn.Name, Stage: StageLower, Status: StatusQueued})
	}

	if err := r.stage(ctx, StageLower, func(ctx context.Context) error {
		return r.perFunction(ctx, StageLower, r.lower)
	}); err != nil {
		return r.prog, r.bag, err
	}
	for _, pass := range passes {
		run := r.passStep(pass)
		if err := r.stage(ctx, pass.Stage(), func(ctx context.Context) error {
			if pass.PerFunction() {
				return r.perFunction(ctx, pass.Stage(), run)
			}
			return r.borrowSummaries(ctx)
		}); err != nil {
			return r.prog, r.bag, err
		}
	}

	for _, fn := range r.prog.Functions {
		status := StatusDone
		if fn.Tainted {
			status = StatusTainted
			log.Infof("%s is tainted and will not be generated", fn.Name)
		}
		emit(sink, Event{Function: fn.Name, Stage: passes[len(passes)-1].Stage(), Status: status})
	}
	return r.prog, r.bag, nil
}

func (r *runner) stage(ctx context.Context, st Stage, body func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := trace.Start(ctx, trace.ScopePass, string(st))
	start := time.Now()
	log.Debugf("%s: start", st)
	emit(r.sink, Event{Stage: st, Status: StatusWorking})
	err := body(ctx)
	elapsed := time.Since(start)
	status := StatusDone
	if err != nil {
		status = StatusError
		span.Set("error", err)
	}
	emit(r.sink, Event{Stage: st, Status: status, Err: err, Elapsed: elapsed})
	span.End()
	log.Debugf("%s: finished in %s", st, elapsed)
	return err
}

// perFunction runs s over every function. Each function reports into its own
// bag; bags are merged in program order after all workers finish and a
// function with an error is tainted.
func (r *runner) perFunction(ctx context.Context, st Stage, s step) error {
	fns := r.prog.Functions
	bags := make([]*diag.Bag, len(fns))
	errs := make([]error, len(fns))

	work := func(ctx context.Context, i int) error {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			return err
		}
		fn := fns[i]
		bags[i] = diag.NewBag(0)
		fctx, span := trace.Start(ctx, trace.ScopeFunction, fn.Name)
		start := time.Now()
		emit(r.sink, Event{Function: fn.Name, Stage: st, Status: StatusWorking})
		errs[i] = s(fctx, fn, diag.BagReporter{Bag: bags[i]})
		status := StatusDone
		switch {
		case errs[i] != nil:
			status = StatusError
		case bags[i].HasErrors():
			status = StatusTainted
			span.Set("errors", bags[i].ErrorCount())
		}
		span.End()
		emit(r.sink, Event{Function: fn.Name, Stage: st, Status: status, Err: errs[i], Elapsed: time.Since(start)})
		return errs[i]
	}

	if workers := r.cfg.workers(len(fns)); workers == 1 {
		for i := range fns {
			if err := work(ctx, i); err != nil {
				break
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i := range fns {
			g.Go(func() error { return work(gctx, i) })
		}
		_ = g.Wait() // errors are collected per slot below
	}

	for i, fn := range fns {
		if bags[i] == nil {
			continue
		}
		if bags[i].HasErrors() {
			fn.Tainted = true
		}
		r.bag.Merge(bags[i])
	}
	return firstError(ctx, errs)
}

// firstError picks the error of the earliest function so that the reported
// failure does not depend on scheduling. Cancellations caused by another
// worker's failure are skipped.
func firstError(ctx context.Context, errs []error) error {
	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (r *runner) passStep(p Pass) step {
	switch p {
	case PassValidate:
		return r.validate
	case PassLiveVars:
		return r.liveVars
	case PassReferenceSafety:
		return r.referenceSafety
	case PassAbilityCheck:
		return r.abilityCheck
	case PassOptimize:
		return r.optimize
	case PassRecheck:
		return r.recheck
	}
	return nil
}

func (r *runner) lower(_ context.Context, fn *Function, rep diag.Reporter) error {
	fd, ok := irgen.Lower(r.env, fn.Ref, rep)
	if !ok {
		fn.Tainted = true
		return nil
	}
	fn.Data = fd
	return nil
}

func (r *runner) validate(_ context.Context, fn *Function, _ diag.Reporter) error {
	if fn.Data == nil {
		return nil
	}
	if err := stackless.Validate(r.env, fn.Data); err != nil {
		return diag.NewInternal(diag.IntIRValidation, fn.Name, fn.Data.Span, "lowered code is invalid", err)
	}
	return nil
}

func (r *runner) liveVars(_ context.Context, fn *Function, _ diag.Reporter) error {
	if fn.Data == nil {
		return nil
	}
	lv, err := stackless.ComputeLiveness(fn.Data)
	if err != nil {
		return diag.NewInternal(diag.IntIRValidation, fn.Name, fn.Data.Span, "liveness", err)
	}
	fn.Live = lv
	return nil
}

func (r *runner) borrowSummaries(ctx context.Context) error {
	units := make([]refsafety.Unit, len(r.prog.Functions))
	for i, fn := range r.prog.Functions {
		units[i] = refsafety.Unit{Ref: fn.Ref, Data: fn.Data, Live: fn.Live}
	}
	sums, err := refsafety.ComputeSummaries(r.env, units, r.cfg.IterationCap)
	if err != nil {
		return diag.NewInternal(diag.IntIRValidation, "", source.NoSpan, "borrow summaries", err)
	}
	if n := len(sums.Fallbacks); n > 0 {
		trace.Point(ctx, trace.ScopePass, "summary-fallback", trace.A("functions", n))
	}
	r.prog.Summaries = sums
	return nil
}

// verdict records the codes a function's checks reported so that the
// recheck after optimization can compare them.
type verdict struct {
	next  diag.Reporter
	codes *[]diag.Code
}

func (v verdict) Report(code diag.Code, sev diag.Severity, primary source.Span, msg string, notes []diag.Note) {
	*v.codes = append(*v.codes, code)
	if v.next != nil {
		v.next.Report(code, sev, primary, msg, notes)
	}
}

func (r *runner) referenceSafety(_ context.Context, fn *Function, rep diag.Reporter) error {
	if fn.Data == nil {
		return nil
	}
	if _, err := refsafety.Check(r.env, fn.Data, fn.Live, r.prog.Summaries, verdict{rep, &fn.verdict}); err != nil {
		return diag.NewInternal(diag.IntIRValidation, fn.Name, fn.Data.Span, "reference safety", err)
	}
	return nil
}

func (r *runner) abilityCheck(_ context.Context, fn *Function, rep diag.Reporter) error {
	if fn.Data == nil {
		return nil
	}
	if _, err := ability.Check(r.env, fn.Data, fn.Live, verdict{rep, &fn.verdict}); err != nil {
		return diag.NewInternal(diag.IntIRValidation, fn.Name, fn.Data.Span, "ability check", err)
	}
	return nil
}

func (r *runner) optimize(ctx context.Context, fn *Function, _ diag.Reporter) error {
	if fn.Data == nil || fn.Tainted {
		return nil
	}
	stats, err := optimize.Run(r.env, fn.Data, 0)
	if err != nil {
		return diag.NewInternal(diag.IntIRValidation, fn.Name, fn.Data.Span, "optimization failed", err)
	}
	fn.Optimized = stats
	if err := stackless.Validate(r.env, fn.Data); err != nil {
		return diag.NewInternal(diag.IntIRValidation, fn.Name, fn.Data.Span, "optimized code is invalid", err)
	}
	lv, err := stackless.ComputeLiveness(fn.Data)
	if err != nil {
		return diag.NewInternal(diag.IntIRValidation, fn.Name, fn.Data.Span, "liveness after optimization", err)
	}
	fn.Live = lv
	trace.Point(ctx, trace.ScopeDetail, "rounds", trace.A("rounds", stats.Rounds), trace.A("changes", len(stats.Changes)))
	log.Debugf("%s optimized in %d rounds", fn.Name, stats.Rounds)
	return nil
}

// recheck repeats both safety checks on optimized code. The checks must
// report exactly what they reported before optimization.
func (r *runner) recheck(_ context.Context, fn *Function, _ diag.Reporter) error {
	if fn.Data == nil || fn.Tainted {
		return nil
	}
	var codes []diag.Code
	rep := verdict{codes: &codes}
	if _, err := refsafety.Check(r.env, fn.Data, fn.Live, r.prog.Summaries, rep); err != nil {
		return diag.NewInternal(diag.IntRecheckFailed, fn.Name, fn.Data.Span, "reference safety after optimization", err)
	}
	if _, err := ability.Check(r.env, fn.Data, fn.Live, rep); err != nil {
		return diag.NewInternal(diag.IntRecheckFailed, fn.Name, fn.Data.Span, "ability check after optimization", err)
	}
	if !slices.Equal(codes, fn.verdict) {
		return diag.NewInternal(diag.IntRecheckFailed, fn.Name, fn.Data.Span,
			fmt.Sprintf("optimization changed the verdict from %v to %v", fn.verdict, codes), nil)
	}
	return nil
}
