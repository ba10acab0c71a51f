package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"movec/internal/diag"
	"movec/internal/env"
	"movec/internal/pipeline"
	"movec/internal/stackless"
	"movec/internal/testkit"
)

// program declares 0x1::m with a resource R, a leaking function, a function
// using an unbound local and a few clean ones.
func program() *env.Env {
	fx := testkit.NewFixture("m.move", `struct R { v: u64 }
fun leak(r: R) { }
fun broken() { y }
fun add(x: u64, y: u64): u64 { let z = x + y; z }
fun pick(c: bool, x: u64): u64 { if (c) x * 2 else x }
fun keep(r: R): R { r }`)
	m := fx.Module("0x1", "m")
	r := env.StructOf(m.Struct("R", env.AbilityNone, env.Field("v", env.U64)))

	leak := m.Func("leak", []env.ParamDecl{env.Param("r", r)})
	m.SetBody(leak, env.Seq())
	broken := m.Func("broken", nil)
	m.SetBody(broken, env.Seq(env.Var("y", env.U64).At(fx.Span("y")), env.Seq()))
	add := m.Func("add", []env.ParamDecl{env.Param("x", env.U64), env.Param("y", env.U64)}, env.U64)
	m.SetBody(add, env.Seq(
		env.Let1("z", env.U64, env.Op(env.OpAdd, env.U64, env.Var("x", env.U64), env.Var("y", env.U64))),
		env.Var("z", env.U64),
	))
	pick := m.Func("pick", []env.ParamDecl{env.Param("c", env.Bool), env.Param("x", env.U64)}, env.U64)
	m.SetBody(pick, env.IfElse(
		env.Var("c", env.Bool),
		env.Op(env.OpMul, env.U64, env.Var("x", env.U64), env.U64Lit(2)),
		env.Var("x", env.U64),
		env.U64,
	))
	keep := m.Func("keep", []env.ParamDecl{env.Param("r", r)}, r)
	m.SetBody(keep, env.Var("r", r))

	other := fx.Module("0x2", "clean")
	id := other.Func("id", []env.ParamDecl{env.Param("x", env.U64)}, env.U64)
	other.SetBody(id, env.Var("x", env.U64))
	return fx.Build()
}

func run(t *testing.T, e *env.Env, cfg pipeline.Config, sink pipeline.ProgressSink) (*pipeline.Program, *diag.Bag) {
	t.Helper()
	prog, bag, err := pipeline.Run(context.Background(), e, cfg.Passes(), cfg, sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return prog, bag
}

func taintedNames(prog *pipeline.Program) []string {
	var out []string
	for _, fn := range prog.Tainted() {
		out = append(out, fn.Name)
	}
	return out
}

func TestTaintIsolatesFunctions(t *testing.T) {
	e := program()
	prog, bag := run(t, e, pipeline.DefaultConfig(), nil)

	if got, want := taintedNames(prog), []string{"0x1::m::leak", "0x1::m::broken"}; !slices.Equal(got, want) {
		t.Fatalf("tainted = %v, want %v", got, want)
	}
	if got, want := testkit.Codes(bag), []diag.Code{diag.EnvInconsistent, diag.ResResourceLeak}; !slices.Equal(got, want) {
		t.Fatalf("codes = %v, want %v", got, want)
	}
	if !prog.ModuleTainted(0) || prog.ModuleTainted(1) {
		t.Fatal("module taint does not follow function taint")
	}
	for _, name := range []string{"0x1::m::add", "0x1::m::pick", "0x1::m::keep", "0x2::clean::id"} {
		ref, _ := e.LookupFunc(name)
		fn, ok := prog.Function(ref)
		if !ok || fn.Tainted || fn.Data == nil {
			t.Fatalf("%s should be clean and lowered", name)
		}
	}
	broken, _ := e.LookupFunc("0x1::m::broken")
	if fn, _ := prog.Function(broken); fn.Data != nil {
		t.Fatal("a function that failed to lower keeps no code")
	}
}

func TestOptimizeSkipsTaintedFunctions(t *testing.T) {
	e := program()
	prog, _ := run(t, e, pipeline.DefaultConfig(), nil)
	for _, fn := range prog.Functions {
		switch {
		case fn.Tainted && fn.Optimized.Rounds != 0:
			t.Fatalf("%s is tainted but was optimized", fn.Name)
		case !fn.Tainted && !fn.Native && fn.Optimized.Rounds == 0:
			t.Fatalf("%s was not optimized", fn.Name)
		}
	}
}

func TestWithoutOptimizations(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.RunOptimizations = false
	if got := cfg.Passes(); slices.Contains(got, pipeline.PassOptimize) || slices.Contains(got, pipeline.PassRecheck) {
		t.Fatalf("passes = %v", got)
	}
	prog, bag := run(t, program(), cfg, nil)
	if len(prog.Tainted()) != 2 || bag.ErrorCount() != 2 {
		t.Fatalf("verdict changed without optimizations: %v", testkit.Codes(bag))
	}
}

func dumpAll(t *testing.T, prog *pipeline.Program) string {
	t.Helper()
	var buf bytes.Buffer
	for _, fn := range prog.Functions {
		fmt.Fprintf(&buf, "%s tainted=%v\n", fn.Name, fn.Tainted)
		if fn.Data != nil {
			if err := stackless.Dump(&buf, prog.Env, fn.Data); err != nil {
				t.Fatal(err)
			}
		}
	}
	return buf.String()
}

func TestDeterministicAcrossScheduling(t *testing.T) {
	seq := pipeline.DefaultConfig()
	seq.ParallelFunctions = false
	par := pipeline.DefaultConfig()
	par.Jobs = 4

	wantProg, wantBag := run(t, program(), seq, nil)
	want := dumpAll(t, wantProg)
	wantDiags := diag.FormatGoldenDiagnostics(wantBag.Items(), nil, true)
	for i := 0; i < 8; i++ {
		prog, bag := run(t, program(), par, nil)
		if got := dumpAll(t, prog); got != want {
			t.Fatalf("run %d: code differs\n--- sequential\n%s\n--- parallel\n%s", i, want, got)
		}
		if got := diag.FormatGoldenDiagnostics(bag.Items(), nil, true); got != wantDiags {
			t.Fatalf("run %d: diagnostics differ\n%s\nvs\n%s", i, wantDiags, got)
		}
	}
}

func TestRejectsBadPassLists(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	tests := []struct {
		name   string
		passes []pipeline.Pass
		want   string
	}{
		{"reordered", []pipeline.Pass{pipeline.PassLiveVars, pipeline.PassValidate, pipeline.PassBorrowSummaries, pipeline.PassReferenceSafety, pipeline.PassAbilityCheck}, "listed after"},
		{"no reference safety", []pipeline.Pass{pipeline.PassValidate, pipeline.PassLiveVars, pipeline.PassBorrowSummaries, pipeline.PassAbilityCheck}, "cannot be disabled"},
		{"recheck alone", []pipeline.Pass{pipeline.PassValidate, pipeline.PassLiveVars, pipeline.PassBorrowSummaries, pipeline.PassReferenceSafety, pipeline.PassAbilityCheck, pipeline.PassRecheck}, "requires"},
		{"repeated", []pipeline.Pass{pipeline.PassValidate, pipeline.PassValidate}, "listed after"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := pipeline.Run(context.Background(), program(), tt.passes, cfg, nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.IterationCap = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero iteration cap accepted")
	}
	cfg = pipeline.DefaultConfig()
	cfg.Jobs = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative jobs accepted")
	}
}

func TestParsePass(t *testing.T) {
	for p := pipeline.PassValidate; p <= pipeline.PassRecheck; p++ {
		got, err := pipeline.ParsePass(p.String())
		if err != nil || got != p {
			t.Fatalf("ParsePass(%q) = %v, %v", p, got, err)
		}
	}
	if _, err := pipeline.ParsePass("inline"); err == nil {
		t.Fatal("unknown pass accepted")
	}
}

type recorder struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func (r *recorder) OnEvent(ev pipeline.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func TestProgressReportsFinalStatus(t *testing.T) {
	rec := &recorder{}
	run(t, program(), pipeline.DefaultConfig(), rec)

	final := make(map[string]pipeline.Status)
	stages := make(map[pipeline.Stage]bool)
	for _, ev := range rec.events {
		if ev.Function == "" {
			stages[ev.Stage] = true
			continue
		}
		final[ev.Function] = ev.Status
	}
	if final["0x1::m::leak"] != pipeline.StatusTainted || final["0x1::m::add"] != pipeline.StatusDone {
		t.Fatalf("final statuses = %v", final)
	}
	for _, st := range []pipeline.Stage{pipeline.StageLower, pipeline.PassBorrowSummaries.Stage(), pipeline.PassRecheck.Stage()} {
		if !stages[st] {
			t.Fatalf("no program event for stage %s", st)
		}
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := pipeline.DefaultConfig()
	_, _, err := pipeline.Run(ctx, program(), cfg.Passes(), cfg, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDiagnosticLimit(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.MaxDiagnostics = 1
	_, bag := run(t, program(), cfg, nil)
	if bag.Len() != 1 || bag.Dropped() != 1 || !bag.HasErrors() {
		t.Fatalf("len=%d dropped=%d", bag.Len(), bag.Dropped())
	}
}
