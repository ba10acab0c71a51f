package optimize_test

import (
	"bytes"
	"testing"

	"movec/internal/ability"
	"movec/internal/diag"
	"movec/internal/env"
	"movec/internal/optimize"
	"movec/internal/refsafety"
	"movec/internal/source"
	"movec/internal/stackless"
	"movec/internal/testkit"
)

// verdict runs both safety analyses and returns every diagnostic code.
func verdict(t *testing.T, e *env.Env, fd *stackless.FuncData) []diag.Code {
	t.Helper()
	lv, err := stackless.ComputeLiveness(fd)
	if err != nil {
		t.Fatal(err)
	}
	bag := diag.NewBag(0)
	rep := diag.BagReporter{Bag: bag}
	if _, err := refsafety.Check(e, fd, lv, refsafety.NewSummaries(e), rep); err != nil {
		t.Fatal(err)
	}
	if _, err := ability.Check(e, fd, lv, rep); err != nil {
		t.Fatal(err)
	}
	return testkit.Codes(bag)
}

func optimized(t *testing.T, e *env.Env, f env.FuncRef) *stackless.FuncData {
	t.Helper()
	fd, _ := testkit.Lower(t, e, f)
	if codes := verdict(t, e, fd); len(codes) != 0 {
		t.Fatalf("fixture rejected before optimization: %v", codes)
	}
	if _, err := optimize.Run(e, fd, 0); err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if err := stackless.Validate(e, fd); err != nil {
		t.Fatalf("optimized code invalid: %v\n%s", err, listing(t, e, fd))
	}
	if codes := verdict(t, e, fd); len(codes) != 0 {
		t.Fatalf("optimization changed the verdict: %v\n%s", codes, listing(t, e, fd))
	}
	return fd
}

func listing(t *testing.T, e *env.Env, fd *stackless.FuncData) string {
	t.Helper()
	var buf bytes.Buffer
	if err := stackless.Dump(&buf, e, fd); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func count(fd *stackless.FuncData, pred func(*stackless.Bytecode) bool) int {
	n := 0
	for i := range fd.Code {
		if pred(&fd.Code[i]) {
			n++
		}
	}
	return n
}

func isKind(k stackless.Kind) func(*stackless.Bytecode) bool {
	return func(b *stackless.Bytecode) bool { return b.Kind == k }
}

func TestDeadStoreOverwritten(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun f(): u64 { let x = 1; x = 2; x }`)
	m := fx.Module("0x1", "m")
	f := m.Func("f", nil, env.U64)
	m.SetBody(f, env.Seq(
		env.Let1("x", env.U64, env.U64Lit(1)),
		env.Assign("x", env.U64Lit(2)),
		env.Var("x", env.U64),
	))
	e := fx.Build()
	fd := optimized(t, e, f)
	if len(fd.Code) != 2 || fd.Code[0].Kind != stackless.KindLoad || fd.Code[1].Kind != stackless.KindRet {
		t.Fatalf("expected load; ret\n%s", listing(t, e, fd))
	}
	if got, ok := fd.Code[0].Const.Uint64(); !ok || got != 2 {
		t.Fatalf("surviving constant = %d, want 2", got)
	}
}

func TestCopyPropagationRemovesSecondRead(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun f(x: u64): u64 { let a = x; let b = x; a + b }`)
	m := fx.Module("0x1", "m")
	f := m.Func("f", []env.ParamDecl{env.Param("x", env.U64)}, env.U64)
	m.SetBody(f, env.Seq(
		env.Let1("a", env.U64, env.Var("x", env.U64)),
		env.Let1("b", env.U64, env.Var("x", env.U64)),
		env.Op(env.OpAdd, env.U64, env.Var("a", env.U64), env.Var("b", env.U64)),
	))
	e := fx.Build()
	fd := optimized(t, e, f)
	if n := count(fd, isKind(stackless.KindAssign)); n != 0 {
		t.Fatalf("%d assignments survive\n%s", n, listing(t, e, fd))
	}
	add := fd.Code[0]
	if add.Kind != stackless.KindCall || add.Srcs[0] != 0 || add.Srcs[1] != 0 {
		t.Fatalf("expected x + x\n%s", listing(t, e, fd))
	}
}

func TestCallEndsCopies(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun g() fun f(x: u64): u64 { let a = x; g(); a }`)
	m := fx.Module("0x1", "m")
	g := m.Func("g", nil)
	f := m.Func("f", []env.ParamDecl{env.Param("x", env.U64)}, env.U64)
	m.SetBody(f, env.Seq(
		env.Let1("a", env.U64, env.Var("x", env.U64)),
		env.Call(g, env.Unit, nil),
		env.Var("a", env.U64),
	))
	e := fx.Build()
	fd := optimized(t, e, f)
	ret := fd.Code[len(fd.Code)-1]
	if ret.Kind != stackless.KindRet || fd.LocalName(ret.Srcs[0]) != "a" {
		t.Fatalf("return must still read a after the call\n%s", listing(t, e, fd))
	}
}

func TestBorrowedLocalKeepsReads(t *testing.T) {
	refMut := env.RefOf(env.U64, true)
	fx := testkit.NewFixture("a.move", `fun f(): u64 { let x = 1; let r = &mut x; *r = 2; let y = x; y }`)
	m := fx.Module("0x1", "m")
	f := m.Func("f", nil, env.U64)
	m.SetBody(f, env.Seq(
		env.Let1("x", env.U64, env.U64Lit(1)),
		env.Let1("r", refMut, env.BorrowLocal(true, "x", env.U64)),
		env.WriteRef(env.Var("r", refMut), env.U64Lit(2)),
		env.Let1("y", env.U64, env.Var("x", env.U64)),
		env.Var("y", env.U64),
	))
	e := fx.Build()
	fd := optimized(t, e, f)
	write, read := -1, -1
	for i := range fd.Code {
		instr := &fd.Code[i]
		if instr.Kind == stackless.KindCall && instr.Op.Kind == stackless.OpWriteRef {
			write = i
		}
		for _, s := range instr.Srcs {
			if fd.LocalName(s) == "x" && instr.Mode(0) != stackless.ReadBorrow {
				read = i
			}
		}
	}
	if write < 0 || read < write {
		t.Fatalf("x must be read after the write through r\n%s", listing(t, e, fd))
	}
}

func TestUnreachableTailRemoved(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun f(): u64 { return 1; 2 }`)
	m := fx.Module("0x1", "m")
	f := m.Func("f", nil, env.U64)
	m.SetBody(f, env.Seq(env.Return(env.U64Lit(1)), env.U64Lit(2)))
	e := fx.Build()
	fd := optimized(t, e, f)
	if n := count(fd, isKind(stackless.KindRet)); n != 1 {
		t.Fatalf("rets = %d\n%s", n, listing(t, e, fd))
	}
}

func TestSimplifyThreadsAndFolds(t *testing.T) {
	e := env.NewBuilder().Build()
	sp := source.NoSpan
	fd := stackless.NewFuncData(env.FuncRef{}, "f", sp, nil, []stackless.Local{{Name: "b", Type: env.Bool}}, nil)
	l0, l1, l2 := fd.NewLabel(), fd.NewLabel(), fd.NewLabel()
	fd.SetCode([]stackless.Bytecode{
		stackless.NewBranch(sp, 0, l0, l1),
		stackless.NewLabel(sp, l0),
		stackless.NewJump(sp, l2),
		stackless.NewLabel(sp, l1),
		stackless.NewJump(sp, l2),
		stackless.NewLabel(sp, l2),
		stackless.NewRet(sp, nil),
	})
	if _, err := optimize.Run(e, fd, 0); err != nil {
		t.Fatal(err)
	}
	if len(fd.Code) != 1 || fd.Code[0].Kind != stackless.KindRet {
		t.Fatalf("expected a lone return\n%s", listing(t, e, fd))
	}
}

func TestRunIsIdempotent(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun f(c: bool, x: u64): u64 { let y = x; if (c) { y = y + 1 }; y }`)
	m := fx.Module("0x1", "m")
	f := m.Func("f", []env.ParamDecl{env.Param("c", env.Bool), env.Param("x", env.U64)}, env.U64)
	m.SetBody(f, env.Seq(
		env.Let1("y", env.U64, env.Var("x", env.U64)),
		env.IfElse(env.Var("c", env.Bool),
			env.Assign("y", env.Op(env.OpAdd, env.U64, env.Var("y", env.U64), env.U64Lit(1))),
			nil, env.Unit),
		env.Var("y", env.U64),
	))
	e := fx.Build()
	fd := optimized(t, e, f)
	once := fd.Clone()

	st, err := optimize.Run(e, fd, 0)
	if err != nil {
		t.Fatal(err)
	}
	if st.Rounds != 1 || len(st.Changes) != 0 {
		t.Fatalf("second run changed something: %+v", st)
	}
	if !fd.SameCode(once) {
		t.Fatalf("second run rewrote the code\n%s", listing(t, e, fd))
	}
}

func TestRoundGuard(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun f(): u64 { let x = 1; x = 2; x }`)
	m := fx.Module("0x1", "m")
	f := m.Func("f", nil, env.U64)
	m.SetBody(f, env.Seq(
		env.Let1("x", env.U64, env.U64Lit(1)),
		env.Assign("x", env.U64Lit(2)),
		env.Var("x", env.U64),
	))
	e := fx.Build()
	fd, _ := testkit.Lower(t, e, f)
	if _, err := optimize.Run(e, fd, 1); err == nil {
		t.Fatalf("one round cannot reach the fixed point here")
	}
}
