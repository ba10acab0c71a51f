package diag

import (
	"errors"
	"fmt"
	"testing"

	"movec/internal/source"
)

func TestFormatGoldenDiagnostics(t *testing.T) {
	fs := source.NewFileSet()
	fs.SetBaseDir("/workspace")

	file := fs.Add("/workspace/sources/vault.move", []byte("a\nb\n"), 0)

	diags := []Diagnostic{
		{
			Severity: SevError,
			Code:     RefBorrowConflict,
			Message:  "first line\nsecond",
			Primary:  source.Span{File: file, Start: 2, End: 3},
			Notes: []Note{
				{Span: source.Span{File: file, Start: 0, End: 1}, Msg: "previous borrow here"},
			},
		},
		{
			Severity: SevWarning,
			Code:     ResResourceLeak,
			Message:  "another",
			Primary:  source.Span{File: file, Start: 0, End: 1},
		},
	}

	expected := "note REF1001 sources/vault.move:1:1 previous borrow here\n" +
		"warning RES2001 sources/vault.move:1:1 another\n" +
		"error REF1001 sources/vault.move:2:1 first line second"

	if got := FormatGoldenDiagnostics(diags, fs, true); got != expected {
		t.Fatalf("unexpected golden diagnostics:\nwant:\n%s\n\ngot:\n%s", expected, got)
	}
}

func TestBagLimitKeepsFailure(t *testing.T) {
	bag := NewBag(1)
	bag.Add(New(SevWarning, ResResourceLeak, source.Span{}, "w"))
	if ok := bag.Add(NewError(RefBorrowConflict, source.Span{}, "e")); ok {
		t.Fatalf("expected Add to fail at limit")
	}
	if !bag.HasErrors() {
		t.Fatalf("dropped error must still fail the bag")
	}
	if bag.Dropped() != 1 {
		t.Fatalf("Dropped = %d", bag.Dropped())
	}
}

func TestBagMergePreservesOrder(t *testing.T) {
	a, b := NewBag(0), NewBag(0)
	a.Add(NewError(RefBorrowConflict, source.Span{Start: 9}, "a"))
	b.Add(NewError(RefUseOfMovedValue, source.Span{Start: 1}, "b"))
	a.Merge(b)
	items := a.Items()
	if len(items) != 2 || items[0].Message != "a" || items[1].Message != "b" {
		t.Fatalf("merge order = %+v", items)
	}
	a.Sort()
	if a.Items()[0].Message != "b" {
		t.Fatalf("sort did not order by span")
	}
}

func TestInternalErrorIs(t *testing.T) {
	err := fmt.Errorf("codegen: %w", NewInternal(IntStackImbalance, "0x1::m::f", source.Span{}, "depth 2, expected 1", nil))
	if !errors.Is(err, ErrStackImbalance) {
		t.Fatalf("errors.Is failed for %v", err)
	}
	if errors.Is(err, ErrVerificationRejected) {
		t.Fatalf("matched wrong sentinel")
	}
	var ie *InternalError
	if !errors.As(err, &ie) || ie.Func != "0x1::m::f" {
		t.Fatalf("errors.As = %v", ie)
	}
}

func TestUniqueReporter(t *testing.T) {
	bag := NewBag(0)
	r := Unique(BagReporter{Bag: bag})
	sp := source.Span{Start: 1, End: 2}
	ReportError(r, ResResourceLeak, sp, "leak").Emit()
	ReportError(r, ResResourceLeak, sp, "leak").Emit()
	ReportError(r, ResResourceLeak, sp, "other").Emit()
	if bag.Len() != 2 {
		t.Fatalf("Len = %d", bag.Len())
	}
}
