package refsafety

import (
	"slices"
	"sync"

	"github.com/tliron/commonlog"

	"movec/internal/env"
	"movec/internal/stackless"
)

var log = commonlog.GetLogger("movec.refsafety")

// DefaultIterationCap bounds the summary fixpoint of one recursive group.
const DefaultIterationCap = 16

// Summary describes which reference parameters each result may borrow from.
type Summary struct {
	// Results[i] lists parameter indices; nil for non-reference results.
	Results [][]int
	// Conservative marks summaries derived from the signature alone.
	Conservative bool
}

func (s Summary) equal(o Summary) bool {
	if len(s.Results) != len(o.Results) {
		return false
	}
	for i := range s.Results {
		if !slices.Equal(s.Results[i], o.Results[i]) {
			return false
		}
	}
	return true
}

// ConservativeSummary assumes every reference result borrows from every
// reference parameter it could legally come from: mutable results from
// mutable parameters, shared results from any reference parameter.
func ConservativeSummary(params, results []env.Type) Summary {
	s := Summary{Results: make([][]int, len(results)), Conservative: true}
	for j, r := range results {
		if !r.IsRef() {
			continue
		}
		for i, p := range params {
			if !p.IsRef() {
				continue
			}
			if r.IsMutRef() && !p.IsMutRef() {
				continue
			}
			s.Results[j] = append(s.Results[j], i)
		}
	}
	return s
}

// Summaries is the whole-program table. It is written once by Compute and
// read concurrently afterwards.
type Summaries struct {
	env *env.Env
	mu  sync.RWMutex
	m   map[env.FuncRef]Summary
	// Fallbacks lists functions whose group hit the iteration cap.
	Fallbacks []env.FuncRef
}

// NewSummaries returns an empty table; lookups of unknown functions fall back
// to the conservative summary.
func NewSummaries(e *env.Env) *Summaries {
	return &Summaries{env: e, m: make(map[env.FuncRef]Summary)}
}

// Summary implements SummaryLookup.
func (s *Summaries) Summary(f env.FuncRef) Summary {
	s.mu.RLock()
	sum, ok := s.m[f]
	s.mu.RUnlock()
	if ok {
		return sum
	}
	params, results, _ := s.env.SignatureOf(f, nil)
	return ConservativeSummary(params, results)
}

func (s *Summaries) set(f env.FuncRef, sum Summary) {
	s.mu.Lock()
	s.m[f] = sum
	s.mu.Unlock()
}

// Unit is one function the summary computation may analyze. Data and Live are
// nil for natives and for functions that failed earlier checks.
type Unit struct {
	Ref  env.FuncRef
	Data *stackless.FuncData
	Live *stackless.LiveVars
}

// ComputeSummaries derives summaries bottom-up over strongly connected
// components of the call graph. Within a recursive group summaries start empty
// and grow until they stop changing; a group still changing after cap rounds
// falls back to conservative summaries.
func ComputeSummaries(e *env.Env, units []Unit, iterCap int) (*Summaries, error) {
	if iterCap <= 0 {
		iterCap = DefaultIterationCap
	}
	sums := NewSummaries(e)
	byRef := make(map[env.FuncRef]*Unit, len(units))
	for i := range units {
		byRef[units[i].Ref] = &units[i]
	}

	for _, scc := range callGraphSCCs(units) {
		recursive := len(scc) > 1 || callsItself(byRef[scc[0]])
		live := scc[:0:0]
		for _, f := range scc {
			u := byRef[f]
			if u.Data == nil || u.Live == nil {
				continue
			}
			live = append(live, f)
			if recursive {
				sums.set(f, Summary{Results: make([][]int, len(u.Data.Results))})
			}
		}
		if len(live) == 0 {
			continue
		}

		converged := false
		for round := 0; round < iterCap; round++ {
			changed := false
			for _, f := range live {
				u := byRef[f]
				res, err := Analyze(e, u.Data, u.Live, sums, nil)
				if err != nil {
					return nil, err
				}
				next := Summary{Results: res.ReturnRoots}
				if !recursive {
					sums.set(f, next)
					continue
				}
				next = union(sums.Summary(f), next)
				if !next.equal(sums.Summary(f)) {
					sums.set(f, next)
					changed = true
				}
			}
			if !changed {
				converged = true
				break
			}
		}
		if !converged {
			for _, f := range live {
				u := byRef[f]
				params := make([]env.Type, u.Data.ParamCount())
				for i := range params {
					params[i] = u.Data.Locals[i].Type
				}
				sums.set(f, ConservativeSummary(params, u.Data.Results))
				sums.Fallbacks = append(sums.Fallbacks, f)
			}
			log.Warningf("borrow summaries for %s did not converge in %d rounds; using signatures",
				e.FuncName(live[0]), iterCap)
		}
	}
	return sums, nil
}

func union(a, b Summary) Summary {
	out := Summary{Results: make([][]int, max(len(a.Results), len(b.Results)))}
	for i := range out.Results {
		var xs []int
		if i < len(a.Results) {
			xs = append(xs, a.Results[i]...)
		}
		if i < len(b.Results) {
			xs = append(xs, b.Results[i]...)
		}
		slices.Sort(xs)
		out.Results[i] = slices.Compact(xs)
	}
	return out
}

func callsItself(u *Unit) bool {
	if u == nil || u.Data == nil {
		return false
	}
	for _, c := range callees(u.Data) {
		if c == u.Ref {
			return true
		}
	}
	return false
}

func callees(fd *stackless.FuncData) []env.FuncRef {
	var out []env.FuncRef
	for i := range fd.Code {
		instr := &fd.Code[i]
		if instr.Kind == stackless.KindCall && instr.Op.Kind == stackless.OpFunction {
			out = append(out, instr.Op.Func)
		}
	}
	return out
}
