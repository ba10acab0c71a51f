package refsafety_test

import (
	"slices"
	"testing"

	"movec/internal/diag"
	"movec/internal/env"
	"movec/internal/refsafety"
	"movec/internal/stackless"
	"movec/internal/testkit"
)

var (
	refU64    = env.RefOf(env.U64, false)
	refMutU64 = env.RefOf(env.U64, true)
)

func check(t *testing.T, e *env.Env, f env.FuncRef, sums refsafety.SummaryLookup) (*diag.Bag, *refsafety.Result) {
	t.Helper()
	fd, lv := testkit.Lower(t, e, f)
	if sums == nil {
		sums = refsafety.NewSummaries(e)
	}
	bag := diag.NewBag(0)
	res, err := refsafety.Check(e, fd, lv, sums, diag.BagReporter{Bag: bag})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, ok := stackless.GetAnnotation[*refsafety.Availability](fd); !ok {
		t.Fatalf("availability annotation missing")
	}
	return bag, res
}

func wantCodes(t *testing.T, bag *diag.Bag, want ...diag.Code) {
	t.Helper()
	got := testkit.Codes(bag)
	if !slices.Equal(got, want) {
		t.Fatalf("codes = %v, want %v\n%s", got, want, diag.FormatGoldenDiagnostics(bag.Items(), nil, true))
	}
}

const copyWhileBorrowedSrc = `fun f(): u64 {
    let x = 1;
    let r = &mut x;
    let y = copy x;
    *r = 2;
    y
}`

func TestCopyWhileMutablyBorrowed(t *testing.T) {
	fx := testkit.NewFixture("a.move", copyWhileBorrowedSrc)
	m := fx.Module("0x1", "m")
	f := m.Func("f", nil, env.U64)
	m.SetBody(f, env.Seq(
		env.Let1("x", env.U64, env.U64Lit(1)),
		env.Let1("r", refMutU64, env.BorrowLocal(true, "x", env.U64).At(fx.Span("&mut x"))),
		env.Let1("y", env.U64, env.CopyOf("x", env.U64).At(fx.Span("copy x"))),
		env.WriteRef(env.Var("r", refMutU64), env.U64Lit(2)),
		env.Var("y", env.U64),
	))
	e := fx.Build()

	bag, _ := check(t, e, f, nil)
	wantCodes(t, bag, diag.RefBorrowConflict)
	d := bag.Items()[0]
	if d.Primary != fx.Span("copy x") {
		t.Fatalf("primary = %v, want span of copy", d.Primary)
	}
	if len(d.Notes) != 1 || d.Notes[0].Span != fx.Span("&mut x") {
		t.Fatalf("notes = %+v, want the borrow site", d.Notes)
	}
}

func TestSecondExclusiveBorrow(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun f() { let x = 1; let r1 = &mut x; let r2 = &mut x; *r1 = 1; *r2 = 2 }`)
	m := fx.Module("0x1", "m")
	f := m.Func("f", nil)
	m.SetBody(f, env.Seq(
		env.Let1("x", env.U64, env.U64Lit(1)),
		env.Let1("r1", refMutU64, env.BorrowLocal(true, "x", env.U64).At(fx.Span("&mut x"))),
		env.Let1("r2", refMutU64, env.BorrowLocal(true, "x", env.U64).At(fx.Span("&mut x", 1))),
		env.WriteRef(env.Var("r1", refMutU64), env.U64Lit(1)),
		env.WriteRef(env.Var("r2", refMutU64), env.U64Lit(2)),
	))
	bag, _ := check(t, fx.Build(), f, nil)
	wantCodes(t, bag, diag.RefBorrowConflict)
	if got := bag.Items()[0].Primary; got != fx.Span("&mut x", 1) {
		t.Fatalf("primary = %v, want the second borrow", got)
	}
}

func TestBorrowEndsAtLastUse(t *testing.T) {
	fx := testkit.NewFixture("a.move", copyWhileBorrowedSrc)
	m := fx.Module("0x1", "m")
	f := m.Func("f", nil, env.U64)
	m.SetBody(f, env.Seq(
		env.Let1("x", env.U64, env.U64Lit(1)),
		env.Let1("r", refMutU64, env.BorrowLocal(true, "x", env.U64)),
		env.WriteRef(env.Var("r", refMutU64), env.U64Lit(2)),
		env.Let1("y", env.U64, env.CopyOf("x", env.U64)),
		env.Var("y", env.U64),
	))
	bag, _ := check(t, fx.Build(), f, nil)
	wantCodes(t, bag)
}

func TestUseAfterMove(t *testing.T) {
	src := `fun f(): u64 { let x = 1; let y = move x; x + y }`
	fx := testkit.NewFixture("a.move", src)
	m := fx.Module("0x1", "m")
	f := m.Func("f", nil, env.U64)
	m.SetBody(f, env.Seq(
		env.Let1("x", env.U64, env.U64Lit(1)),
		env.Let1("y", env.U64, env.MoveOf("x", env.U64).At(fx.Span("move x"))),
		env.Op(env.OpAdd, env.U64, env.Var("x", env.U64).At(fx.Span("x", 2)), env.Var("y", env.U64)),
	))
	bag, _ := check(t, fx.Build(), f, nil)
	wantCodes(t, bag, diag.RefUseOfMovedValue)
	d := bag.Items()[0]
	if d.Primary != fx.Span("x", 2) {
		t.Fatalf("primary = %v", d.Primary)
	}
	if len(d.Notes) != 1 || d.Notes[0].Span != fx.Span("move x") {
		t.Fatalf("expected a note at the move, got %+v", d.Notes)
	}
}

func TestMaybeMovedAfterBranch(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun f(c: bool): u64 { let x = 1; if (c) { move x; } x }`)
	m := fx.Module("0x1", "m")
	f := m.Func("f", []env.ParamDecl{env.Param("c", env.Bool)}, env.U64)
	m.SetBody(f, env.Seq(
		env.Let1("x", env.U64, env.U64Lit(1)),
		env.IfElse(env.Var("c", env.Bool), env.Seq(env.Let1("_", env.U64, env.MoveOf("x", env.U64))), nil, env.Unit),
		env.Var("x", env.U64),
	))
	bag, _ := check(t, fx.Build(), f, nil)
	wantCodes(t, bag, diag.RefUseOfMovedValue)
	if msg := bag.Items()[0].Message; msg != "use of possibly moved value x" {
		t.Fatalf("message = %q", msg)
	}
}

func TestWriteThroughShared(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun f(r: &u64) { *r = 1 }`)
	m := fx.Module("0x1", "m")
	f := m.Func("f", []env.ParamDecl{env.Param("r", refU64)})
	m.SetBody(f, env.WriteRef(env.Var("r", refU64), env.U64Lit(1)).At(fx.Span("*r = 1")))
	bag, _ := check(t, fx.Build(), f, nil)
	wantCodes(t, bag, diag.RefWriteThroughShared)
}

func TestDanglingReference(t *testing.T) {
	tests := []struct {
		name string
		src  string
		fn   func(m *env.ModuleBuilder) env.FuncRef
		want []diag.Code
	}{
		{
			name: "let local",
			src:  `fun f(): &u64 { let x = 1; &x }`,
			fn: func(m *env.ModuleBuilder) env.FuncRef {
				f := m.Func("f", nil, refU64)
				m.SetBody(f, env.Seq(
					env.Let1("x", env.U64, env.U64Lit(1)),
					env.BorrowLocal(false, "x", env.U64),
				))
				return f
			},
			want: []diag.Code{diag.RefDanglingReference},
		},
		{
			name: "by-value parameter",
			src:  `fun f(x: u64): &u64 { &x }`,
			fn: func(m *env.ModuleBuilder) env.FuncRef {
				f := m.Func("f", []env.ParamDecl{env.Param("x", env.U64)}, refU64)
				m.SetBody(f, env.BorrowLocal(false, "x", env.U64))
				return f
			},
			want: []diag.Code{diag.RefDanglingReference},
		},
		{
			name: "field of by-value parameter",
			src:  `fun f(s: S): &u64 { &s.f }`,
			fn: func(m *env.ModuleBuilder) env.FuncRef {
				s := structS(m)
				sT := env.StructOf(s)
				f := m.Func("f", []env.ParamDecl{env.Param("s", sT)}, refU64)
				m.SetBody(f, env.BorrowFieldOf(false, env.BorrowLocal(false, "s", sT), s, nil, 0, env.U64))
				return f
			},
			want: []diag.Code{diag.RefDanglingReference},
		},
		{
			name: "field through reference parameter",
			src:  `fun f(s: &S): &u64 { &s.f }`,
			fn: func(m *env.ModuleBuilder) env.FuncRef {
				s := structS(m)
				refS := env.RefOf(env.StructOf(s), false)
				f := m.Func("f", []env.ParamDecl{env.Param("s", refS)}, refU64)
				m.SetBody(f, env.BorrowFieldOf(false, env.Var("s", refS), s, nil, 0, env.U64))
				return f
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := testkit.NewFixture("a.move", tt.src)
			f := tt.fn(fx.Module("0x1", "m"))
			bag, res := check(t, fx.Build(), f, nil)
			wantCodes(t, bag, tt.want...)
			if len(tt.want) == 0 && !slices.Equal(res.ReturnRoots[0], []int{0}) {
				t.Fatalf("roots = %v", res.ReturnRoots)
			}
		})
	}
}

func structS(m *env.ModuleBuilder) env.StructRef {
	return m.Struct("S", env.AbilityCopy|env.AbilityDrop, env.Field("f", env.U64), env.Field("g", env.U64))
}

func twoFieldBorrows(t *testing.T, second int) *diag.Bag {
	t.Helper()
	fx := testkit.NewFixture("a.move", `fun f(s: &mut S) { let a = &mut s.f; let b = &mut s.g; *a = 1; *b = 2 }`)
	m := fx.Module("0x1", "m")
	s := structS(m)
	refS := env.RefOf(env.StructOf(s), true)
	f := m.Func("f", []env.ParamDecl{env.Param("s", refS)})
	m.SetBody(f, env.Seq(
		env.Let1("a", refMutU64, env.BorrowFieldOf(true, env.Var("s", refS), s, nil, 0, env.U64)),
		env.Let1("b", refMutU64, env.BorrowFieldOf(true, env.Var("s", refS), s, nil, second, env.U64)),
		env.WriteRef(env.Var("a", refMutU64), env.U64Lit(1)),
		env.WriteRef(env.Var("b", refMutU64), env.U64Lit(2)),
	))
	bag, _ := check(t, fx.Build(), f, nil)
	return bag
}

func TestDisjointFieldBorrows(t *testing.T) {
	wantCodes(t, twoFieldBorrows(t, 1))
}

func TestOverlappingFieldBorrows(t *testing.T) {
	// the second borrow conflicts, and so does the write through a while b lives
	wantCodes(t, twoFieldBorrows(t, 0), diag.RefBorrowConflict, diag.RefBorrowConflict)
}

func TestMutableFieldBorrowThroughShared(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun f(s: &S): &mut u64 { &mut s.f }`)
	m := fx.Module("0x1", "m")
	s := structS(m)
	refS := env.RefOf(env.StructOf(s), false)
	f := m.Func("f", []env.ParamDecl{env.Param("s", refS)}, refMutU64)
	m.SetBody(f, env.BorrowFieldOf(true, env.Var("s", refS), s, nil, 0, env.U64))
	bag, _ := check(t, fx.Build(), f, nil)
	wantCodes(t, bag, diag.RefWriteThroughShared)
}

func TestSameMutableReferenceTwice(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun g(a: &mut u64, b: &mut u64) {} fun f(r: &mut u64) { g(r, r) }`)
	m := fx.Module("0x1", "m")
	g := m.Func("g", []env.ParamDecl{env.Param("a", refMutU64), env.Param("b", refMutU64)})
	m.SetBody(g, env.Seq())
	f := m.Func("f", []env.ParamDecl{env.Param("r", refMutU64)})
	// r is copied for the first argument, and the copy borrows from r
	m.SetBody(f, env.Call(g, env.Unit, nil, env.CopyOf("r", refMutU64), env.Var("r", refMutU64)))
	bag, _ := check(t, fx.Build(), f, nil)
	wantCodes(t, bag, diag.RefBorrowConflict)
}

// first returns a reference derived from its first argument only.
func firstFixture() (*testkit.Fixture, env.FuncRef, env.FuncRef) {
	fx := testkit.NewFixture("a.move", `fun first(a: &u64, b: &u64): &u64 { a }
fun f(): u64 { let x = 1; let y = 2; let r = first(&x, &y); y = 3; *r }`)
	m := fx.Module("0x1", "m")
	first := m.Func("first", []env.ParamDecl{env.Param("a", refU64), env.Param("b", refU64)}, refU64)
	m.SetBody(first, env.Var("a", refU64))
	f := m.Func("f", nil, env.U64)
	m.SetBody(f, env.Seq(
		env.Let1("x", env.U64, env.U64Lit(1)),
		env.Let1("y", env.U64, env.U64Lit(2)),
		env.Let1("r", refU64, env.Call(first, refU64, nil,
			env.BorrowLocal(false, "x", env.U64), env.BorrowLocal(false, "y", env.U64))),
		env.Assign("y", env.U64Lit(3)).At(fx.Span("y = 3")),
		env.Deref(env.Var("r", refU64)),
	))
	return fx, first, f
}

func units(t *testing.T, e *env.Env) []refsafety.Unit {
	t.Helper()
	var out []refsafety.Unit
	for _, ref := range e.FuncRefs() {
		u := refsafety.Unit{Ref: ref}
		if !e.Func(ref).Native() {
			u.Data, u.Live = testkit.Lower(t, e, ref)
		}
		out = append(out, u)
	}
	return out
}

func TestSummaryNarrowsCallResults(t *testing.T) {
	fx, first, f := firstFixture()
	e := fx.Build()
	sums, err := refsafety.ComputeSummaries(e, units(t, e), 0)
	if err != nil {
		t.Fatal(err)
	}
	got := sums.Summary(first)
	if got.Conservative || len(got.Results) != 1 || !slices.Equal(got.Results[0], []int{0}) {
		t.Fatalf("summary of first = %+v", got)
	}
	bag, _ := check(t, e, f, sums)
	wantCodes(t, bag)
}

func TestConservativeSummaryWithoutAnalysis(t *testing.T) {
	fx, _, f := firstFixture()
	e := fx.Build()
	bag, _ := check(t, e, f, refsafety.NewSummaries(e))
	wantCodes(t, bag, diag.RefBorrowConflict)
	if bag.Items()[0].Primary != fx.Span("y = 3") {
		t.Fatalf("primary = %v", bag.Items()[0].Primary)
	}
}

func TestReturnRootsOfBothBranches(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun pick(a: &u64, b: &u64, c: bool): &u64 { if (c) a else b }`)
	m := fx.Module("0x1", "m")
	f := m.Func("pick", []env.ParamDecl{env.Param("a", refU64), env.Param("b", refU64), env.Param("c", env.Bool)}, refU64)
	m.SetBody(f, env.IfElse(env.Var("c", env.Bool), env.Var("a", refU64), env.Var("b", refU64), refU64))
	bag, res := check(t, fx.Build(), f, nil)
	wantCodes(t, bag)
	if !slices.Equal(res.ReturnRoots[0], []int{0, 1}) {
		t.Fatalf("roots = %v", res.ReturnRoots)
	}
}

// swap recurses with its reference arguments exchanged, so the summary of
// its result only settles after a second round.
func recursiveFixture() (*env.Env, env.FuncRef) {
	fx := testkit.NewFixture("a.move", `fun swap(a: &mut u64, b: &mut u64, n: u64): &mut u64 {
    if (n == 0) a else swap(b, a, n - 1)
}`)
	m := fx.Module("0x1", "m")
	params := []env.ParamDecl{env.Param("a", refMutU64), env.Param("b", refMutU64), env.Param("n", env.U64)}
	f := m.Func("swap", params, refMutU64)
	m.SetBody(f, env.IfElse(
		env.Op(env.OpEq, env.Bool, env.Var("n", env.U64), env.U64Lit(0)),
		env.Var("a", refMutU64),
		env.Call(f, refMutU64, nil, env.Var("b", refMutU64), env.Var("a", refMutU64),
			env.Op(env.OpSub, env.U64, env.Var("n", env.U64), env.U64Lit(1))),
		refMutU64,
	))
	return fx.Build(), f
}

func TestRecursiveSummaryConverges(t *testing.T) {
	e, f := recursiveFixture()
	sums, err := refsafety.ComputeSummaries(e, units(t, e), refsafety.DefaultIterationCap)
	if err != nil {
		t.Fatal(err)
	}
	got := sums.Summary(f)
	if got.Conservative || !slices.Equal(got.Results[0], []int{0, 1}) {
		t.Fatalf("summary = %+v", got)
	}
	if len(sums.Fallbacks) != 0 {
		t.Fatalf("unexpected fallbacks %v", sums.Fallbacks)
	}
}

func TestIterationCapFallsBackToSignature(t *testing.T) {
	e, f := recursiveFixture()
	sums, err := refsafety.ComputeSummaries(e, units(t, e), 1)
	if err != nil {
		t.Fatal(err)
	}
	got := sums.Summary(f)
	if !got.Conservative || !slices.Equal(got.Results[0], []int{0, 1}) {
		t.Fatalf("summary = %+v", got)
	}
	if !slices.Equal(sums.Fallbacks, []env.FuncRef{f}) {
		t.Fatalf("fallbacks = %v", sums.Fallbacks)
	}
}

func TestConservativeSummary(t *testing.T) {
	params := []env.Type{refU64, env.U64, refMutU64}
	s := refsafety.ConservativeSummary(params, []env.Type{refMutU64, refU64, env.U64})
	if !slices.Equal(s.Results[0], []int{2}) || !slices.Equal(s.Results[1], []int{0, 2}) || s.Results[2] != nil {
		t.Fatalf("conservative = %+v", s.Results)
	}
}
