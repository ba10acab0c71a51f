package testkit

import (
	"fmt"

	"fortio.org/safecast"

	"movec/internal/env"
	"movec/internal/source"
	"movec/internal/stackless"
)

// CheckSpanInvariants runs a minimal set of span invariants on lowered code:
// 1) the function span lies within its file
// 2) every instruction span with a file is non-inverted and within content bounds
// 3) the function span covers every instruction span of the same file
func CheckSpanInvariants(e *env.Env, fd *stackless.FuncData) error {
	if e == nil || fd == nil {
		return fmt.Errorf("nil environment or function")
	}
	fs := e.FileSet()
	within := func(sp source.Span) error {
		if sp.End < sp.Start {
			return fmt.Errorf("inverted span: %v", sp)
		}
		f := fs.Get(sp.File)
		if f == nil {
			return fmt.Errorf("span points to unknown file %d", sp.File)
		}
		lenContent, err := safecast.Conv[uint32](len(f.Content))
		if err != nil {
			return fmt.Errorf("len content overflow: %w", err)
		}
		if sp.End > lenContent {
			return fmt.Errorf("span end beyond content: %d > %d", sp.End, lenContent)
		}
		return nil
	}

	// 1) function span sanity
	if !fd.Span.Empty() {
		if err := within(fd.Span); err != nil {
			return fmt.Errorf("%s: %w", fd.Name, err)
		}
	}

	// 2) instruction spans; 3) function covers them
	for i := range fd.Code {
		sp := fd.Code[i].Span
		if sp.Empty() {
			continue
		}
		if err := within(sp); err != nil {
			return fmt.Errorf("%s: offset %d: %w", fd.Name, i, err)
		}
		if !fd.Span.Empty() && sp.File == fd.Span.File &&
			(sp.Start < fd.Span.Start || sp.End > fd.Span.End) {
			return fmt.Errorf("%s: offset %d: span %v is outside function span %v", fd.Name, i, sp, fd.Span)
		}
	}
	return nil
}
