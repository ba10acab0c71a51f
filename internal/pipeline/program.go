package pipeline

import (
	"movec/internal/diag"
	"movec/internal/env"
	"movec/internal/optimize"
	"movec/internal/refsafety"
	"movec/internal/stackless"
)

// Function is one function as it moves through the pipeline. Exactly one
// pass owns it at a time.
type Function struct {
	Ref  env.FuncRef
	Name string
	// Native functions have no Data and are never tainted.
	Native bool
	// Data is nil when lowering failed.
	Data *stackless.FuncData
	Live *stackless.LiveVars
	// Tainted functions produced an error and are excluded from codegen.
	Tainted bool
	// Optimized holds the rewrite counters when PassOptimize ran.
	Optimized optimize.Stats

	verdict []diag.Code
}

// Program is the annotated result of a pipeline run.
type Program struct {
	Env       *env.Env
	Functions []*Function // in env.FuncRefs order
	Summaries *refsafety.Summaries
	Passes    []Pass

	byRef map[env.FuncRef]*Function
}

func newProgram(e *env.Env, passes []Pass) *Program {
	refs := e.FuncRefs()
	p := &Program{
		Env:       e,
		Functions: make([]*Function, len(refs)),
		Passes:    passes,
		byRef:     make(map[env.FuncRef]*Function, len(refs)),
	}
	for i, ref := range refs {
		fn := &Function{Ref: ref, Name: e.FuncName(ref), Native: e.Func(ref).Native()}
		p.Functions[i] = fn
		p.byRef[ref] = fn
	}
	return p
}

// Function looks up ref.
func (p *Program) Function(ref env.FuncRef) (*Function, bool) {
	fn, ok := p.byRef[ref]
	return fn, ok
}

// Tainted lists tainted functions in program order.
func (p *Program) Tainted() []*Function {
	var out []*Function
	for _, fn := range p.Functions {
		if fn.Tainted {
			out = append(out, fn)
		}
	}
	return out
}

// ModuleTainted reports whether any function of mid is tainted.
func (p *Program) ModuleTainted(mid env.ModuleID) bool {
	for _, fn := range p.Functions {
		if fn.Ref.Module == mid && fn.Tainted {
			return true
		}
	}
	return false
}

// Bodies returns the final code of every non-native function of mid, the
// input codegen expects.
func (p *Program) Bodies(mid env.ModuleID) map[env.FuncRef]*stackless.FuncData {
	out := make(map[env.FuncRef]*stackless.FuncData)
	for _, fn := range p.Functions {
		if fn.Ref.Module == mid && fn.Data != nil {
			out[fn.Ref] = fn.Data
		}
	}
	return out
}
