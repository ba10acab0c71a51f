package ability_test

import (
	"errors"
	"slices"
	"testing"

	"movec/internal/ability"
	"movec/internal/diag"
	"movec/internal/env"
	"movec/internal/refsafety"
	"movec/internal/testkit"
)

type module struct {
	fx      *testkit.Fixture
	m       *env.ModuleBuilder
	r       env.Type
	consume env.FuncRef
}

// newModule declares a resource R without abilities and a native consumer.
func newModule(src string) *module {
	fx := testkit.NewFixture("a.move", src)
	m := fx.Module("0x1", "m")
	rs := m.Struct("R", env.AbilityNone, env.Field("v", env.U64))
	r := env.StructOf(rs)
	consume := m.Func("consume", []env.ParamDecl{env.Param("r", r)})
	return &module{fx: fx, m: m, r: r, consume: consume}
}

func run(t *testing.T, e *env.Env, f env.FuncRef) *diag.Bag {
	t.Helper()
	fd, lv := testkit.Lower(t, e, f)
	bag := diag.NewBag(0)
	rep := diag.BagReporter{Bag: bag}
	if _, err := refsafety.Check(e, fd, lv, refsafety.NewSummaries(e), rep); err != nil {
		t.Fatalf("refsafety: %v", err)
	}
	n, err := ability.Check(e, fd, lv, rep)
	if err != nil {
		t.Fatalf("ability: %v", err)
	}
	if n != bag.ErrorCount() {
		t.Fatalf("reported %d errors, bag has %d", n, bag.ErrorCount())
	}
	return bag
}

func wantCodes(t *testing.T, bag *diag.Bag, want ...diag.Code) {
	t.Helper()
	if got := testkit.Codes(bag); !slices.Equal(got, want) {
		t.Fatalf("codes = %v, want %v\n%s", got, want, diag.FormatGoldenDiagnostics(bag.Items(), nil, true))
	}
}

func TestLeakAtJoin(t *testing.T) {
	mod := newModule(`fun f(c: bool, r: R) { if (c) { consume(r) } }`)
	ifSpan := mod.fx.Span("if (c) { consume(r) }")
	f := mod.m.Func("f", []env.ParamDecl{env.Param("c", env.Bool), env.Param("r", mod.r)})
	mod.m.SetBody(f, env.IfElse(
		env.Var("c", env.Bool),
		env.Call(mod.consume, env.Unit, nil, env.Var("r", mod.r)),
		nil, env.Unit,
	).At(ifSpan))
	bag := run(t, mod.fx.Build(), f)
	wantCodes(t, bag, diag.ResResourceLeak)
	// the join sits at the end of the conditional
	if got := bag.Items()[0].Primary; got.Start != ifSpan.End || got.End != ifSpan.End {
		t.Fatalf("primary = %v, want the end of %v", got, ifSpan)
	}
}

func TestConsumedOnBothPaths(t *testing.T) {
	mod := newModule(`fun f(c: bool, r: R) { if (c) consume(r) else consume(r) }`)
	f := mod.m.Func("f", []env.ParamDecl{env.Param("c", env.Bool), env.Param("r", mod.r)})
	mod.m.SetBody(f, env.IfElse(
		env.Var("c", env.Bool),
		env.Call(mod.consume, env.Unit, nil, env.Var("r", mod.r)),
		env.Call(mod.consume, env.Unit, nil, env.Var("r", mod.r)),
		env.Unit,
	))
	wantCodes(t, run(t, mod.fx.Build(), f))
}

func TestExplicitCopyOfResource(t *testing.T) {
	mod := newModule(`fun f(r: R): (R, R) { (copy r, r) }`)
	f := mod.m.Func("f", []env.ParamDecl{env.Param("r", mod.r)}, mod.r, mod.r)
	mod.m.SetBody(f, env.Tuple(env.CopyOf("r", mod.r).At(mod.fx.Span("copy r")), env.Var("r", mod.r)))
	bag := run(t, mod.fx.Build(), f)
	wantCodes(t, bag, diag.ResUnauthorizedCopy)
	if bag.Items()[0].Primary != mod.fx.Span("copy r") {
		t.Fatalf("primary = %v", bag.Items()[0].Primary)
	}
}

func TestImplicitCopyOfResource(t *testing.T) {
	mod := newModule(`fun f(r: R): R { let a = r; consume(a); r }`)
	f := mod.m.Func("f", []env.ParamDecl{env.Param("r", mod.r)}, mod.r)
	mod.m.SetBody(f, env.Seq(
		env.Let1("a", mod.r, env.Var("r", mod.r).At(mod.fx.Span("r", 1))),
		env.Call(mod.consume, env.Unit, nil, env.Var("a", mod.r)),
		env.Var("r", mod.r),
	))
	bag := run(t, mod.fx.Build(), f)
	wantCodes(t, bag, diag.ResUnauthorizedCopy)
	if bag.Items()[0].Primary != mod.fx.Span("r", 1) {
		t.Fatalf("primary = %v", bag.Items()[0].Primary)
	}
}

func TestOverwriteLeaks(t *testing.T) {
	mod := newModule(`fun f(a: R, b: R): R { let x = a; x = b; x }`)
	f := mod.m.Func("f", []env.ParamDecl{env.Param("a", mod.r), env.Param("b", mod.r)}, mod.r)
	mod.m.SetBody(f, env.Seq(
		env.Let1("x", mod.r, env.Var("a", mod.r)),
		env.Assign("x", env.Var("b", mod.r)).At(mod.fx.Span("x = b")),
		env.Var("x", mod.r),
	))
	bag := run(t, mod.fx.Build(), f)
	wantCodes(t, bag, diag.ResResourceLeak)
	if bag.Items()[0].Primary != mod.fx.Span("x = b") {
		t.Fatalf("primary = %v", bag.Items()[0].Primary)
	}
}

func TestLeakAtReturn(t *testing.T) {
	mod := newModule(`fun f(r: R) { }`)
	f := mod.m.Func("f", []env.ParamDecl{env.Param("r", mod.r)})
	mod.m.SetBody(f, env.Seq())
	wantCodes(t, run(t, mod.fx.Build(), f), diag.ResResourceLeak)
}

func TestLeakWhereValueIsAbandoned(t *testing.T) {
	mod := newModule(`fun f(r: R, n: u64): u64 { let x = r; let y = n + 1; let z = y * 2; z }`)
	f := mod.m.Func("f", []env.ParamDecl{env.Param("r", mod.r), env.Param("n", env.U64)}, env.U64)
	mod.m.SetBody(f, env.Seq(
		env.Let1("x", mod.r, env.Var("r", mod.r)).At(mod.fx.Span("let x = r")),
		env.Let1("y", env.U64, env.Op(env.OpAdd, env.U64, env.Var("n", env.U64), env.U64Lit(1))),
		env.Let1("z", env.U64, env.Op(env.OpMul, env.U64, env.Var("y", env.U64), env.U64Lit(2))),
		env.Var("z", env.U64),
	))
	bag := run(t, mod.fx.Build(), f)
	wantCodes(t, bag, diag.ResResourceLeak)
	if got := bag.Items()[0].Primary; got != mod.fx.Span("let x = r") {
		t.Fatalf("primary = %v, want the let that abandons x", got)
	}
}

func TestUnusedParameterLeaksAtDeclaration(t *testing.T) {
	mod := newModule(`fun f(r: R, n: u64): u64 { n }`)
	param := env.Param("r", mod.r)
	param.Span = mod.fx.Span("r: R")
	f := mod.m.Func("f", []env.ParamDecl{param, env.Param("n", env.U64)}, env.U64)
	mod.m.SetBody(f, env.Var("n", env.U64))
	bag := run(t, mod.fx.Build(), f)
	wantCodes(t, bag, diag.ResResourceLeak)
	if got := bag.Items()[0].Primary; got != param.Span {
		t.Fatalf("primary = %v, want the parameter", got)
	}
}

func TestAbandonedBeforeAbortIsNotALeak(t *testing.T) {
	mod := newModule(`fun f(r: R) { let x = r; abort 1 }`)
	f := mod.m.Func("f", []env.ParamDecl{env.Param("r", mod.r)})
	mod.m.SetBody(f, env.Seq(
		env.Let1("x", mod.r, env.Var("r", mod.r)),
		env.Abort(env.U64Lit(1)),
	))
	wantCodes(t, run(t, mod.fx.Build(), f))
}

func TestDiscardedStatementValue(t *testing.T) {
	mod := newModule(`fun f(r: R) { r; }`)
	f := mod.m.Func("f", []env.ParamDecl{env.Param("r", mod.r)})
	mod.m.SetBody(f, env.Seq(env.Var("r", mod.r), env.Seq()))
	wantCodes(t, run(t, mod.fx.Build(), f), diag.ResResourceLeak)
}

func TestReferenceAbilities(t *testing.T) {
	mod := newModule(`fun read(p: &R): R { *p } fun write(p: &mut R, r: R) { *p = r }`)
	shared, mut := env.RefOf(mod.r, false), env.RefOf(mod.r, true)
	read := mod.m.Func("read", []env.ParamDecl{env.Param("p", shared)}, mod.r)
	mod.m.SetBody(read, env.Deref(env.Var("p", shared)))
	write := mod.m.Func("write", []env.ParamDecl{env.Param("p", mut), env.Param("r", mod.r)})
	mod.m.SetBody(write, env.WriteRef(env.Var("p", mut), env.Var("r", mod.r)))
	e := mod.fx.Build()

	wantCodes(t, run(t, e, read), diag.ResUnauthorizedCopy)
	wantCodes(t, run(t, e, write), diag.ResResourceLeak)
}

func TestTypeArgumentConstraints(t *testing.T) {
	mod := newModule(`fun dup<T: copy>(x: T): T fun f(r: R): R { dup<R>(r) }`)
	dup := mod.m.GenericFunc("dup", []env.TypeParamDecl{env.Generic("T", env.AbilityCopy)},
		[]env.ParamDecl{env.Param("x", env.TypeParamOf(0))}, env.TypeParamOf(0))
	f := mod.m.Func("f", []env.ParamDecl{env.Param("r", mod.r)}, mod.r)
	mod.m.SetBody(f, env.Call(dup, mod.r, []env.Type{mod.r}, env.Var("r", mod.r)))
	bag := run(t, mod.fx.Build(), f)
	wantCodes(t, bag, diag.ResAbilityMismatch)
}

func TestGenericDropParameter(t *testing.T) {
	mod := newModule(`fun f<T: drop>(x: T) { } fun g<T>(x: T) { }`)
	tp := env.TypeParamOf(0)
	f := mod.m.GenericFunc("f", []env.TypeParamDecl{env.Generic("T", env.AbilityDrop)}, []env.ParamDecl{env.Param("x", tp)})
	mod.m.SetBody(f, env.Seq())
	g := mod.m.GenericFunc("g", []env.TypeParamDecl{env.Generic("T", env.AbilityNone)}, []env.ParamDecl{env.Param("x", tp)})
	mod.m.SetBody(g, env.Seq())
	e := mod.fx.Build()
	wantCodes(t, run(t, e, f))
	wantCodes(t, run(t, e, g), diag.ResResourceLeak)
}

func TestRequiresAvailability(t *testing.T) {
	mod := newModule(`fun f() { }`)
	f := mod.m.Func("f", nil)
	mod.m.SetBody(f, env.Seq())
	e := mod.fx.Build()
	fd, lv := testkit.Lower(t, e, f)
	if _, err := ability.Check(e, fd, lv, nil); !errors.Is(err, ability.ErrNoAvailability) {
		t.Fatalf("err = %v", err)
	}
}
