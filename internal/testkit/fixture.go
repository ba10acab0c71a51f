// Package testkit holds fixtures shared by the compiler's package tests.
package testkit

import (
	"strings"
	"testing"

	"movec/internal/diag"
	"movec/internal/env"
	"movec/internal/irgen"
	"movec/internal/source"
	"movec/internal/stackless"
)

// Fixture couples an environment builder with one source file so that tests
// can attach spans by quoting the text they cover.
type Fixture struct {
	*env.Builder
	File source.FileID
	Text string
}

// NewFixture registers text as the source of every span in the fixture.
func NewFixture(path, text string) *Fixture {
	b := env.NewBuilder()
	return &Fixture{Builder: b, File: b.File(path, text), Text: text}
}

// Span returns the span of the nth (0-based) occurrence of snippet.
// It panics when the snippet is missing so that fixtures fail loudly.
func (f *Fixture) Span(snippet string, nth ...int) source.Span {
	n := 0
	if len(nth) > 0 {
		n = nth[0]
	}
	from := 0
	for {
		i := strings.Index(f.Text[from:], snippet)
		if i < 0 {
			panic("testkit: snippet not found: " + snippet)
		}
		if n == 0 {
			start := from + i
			return source.Span{File: f.File, Start: uint32(start), End: uint32(start + len(snippet))} // #nosec G115 -- fixture sized
		}
		n--
		from += i + 1
	}
}

// Lower lowers f and computes liveness, failing the test on any diagnostic.
func Lower(tb testing.TB, e *env.Env, f env.FuncRef) (*stackless.FuncData, *stackless.LiveVars) {
	tb.Helper()
	bag := diag.NewBag(0)
	fd, ok := irgen.Lower(e, f, diag.BagReporter{Bag: bag})
	if !ok || bag.Len() != 0 {
		tb.Fatalf("lowering %s failed: %v", e.FuncName(f), Codes(bag))
	}
	if fd == nil {
		tb.Fatalf("%s is native", e.FuncName(f))
	}
	if err := stackless.Validate(e, fd); err != nil {
		tb.Fatalf("lowered %s is invalid: %v", e.FuncName(f), err)
	}
	if err := CheckSpanInvariants(e, fd); err != nil {
		tb.Fatalf("span invariants: %v", err)
	}
	lv, err := stackless.ComputeLiveness(fd)
	if err != nil {
		tb.Fatalf("liveness %s: %v", e.FuncName(f), err)
	}
	return fd, lv
}

// Codes lists the codes in a bag in report order.
func Codes(bag *diag.Bag) []diag.Code {
	var out []diag.Code
	for _, d := range bag.Items() {
		out = append(out, d.Code)
	}
	return out
}
