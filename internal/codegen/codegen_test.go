package codegen_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"movec/internal/ability"
	"movec/internal/binfmt"
	"movec/internal/codegen"
	"movec/internal/diag"
	"movec/internal/env"
	"movec/internal/optimize"
	"movec/internal/refsafety"
	"movec/internal/source"
	"movec/internal/stackless"
	"movec/internal/testkit"
	"movec/internal/verifier"
)

// compile checks, optionally optimizes and assembles every function of module
// mid, then runs the structural verifier on the result.
func compile(t *testing.T, e *env.Env, mid env.ModuleID, opt bool) *binfmt.Module {
	t.Helper()
	bodies := make(map[env.FuncRef]*stackless.FuncData)
	for _, ref := range e.FuncRefs() {
		if ref.Module != mid || e.Func(ref).Native() {
			continue
		}
		fd, lv := testkit.Lower(t, e, ref)
		bag := diag.NewBag(0)
		rep := diag.BagReporter{Bag: bag}
		if _, err := refsafety.Check(e, fd, lv, refsafety.NewSummaries(e), rep); err != nil {
			t.Fatal(err)
		}
		if _, err := ability.Check(e, fd, lv, rep); err != nil {
			t.Fatal(err)
		}
		if bag.Len() != 0 {
			t.Fatalf("%s rejected: %v", e.FuncName(ref), testkit.Codes(bag))
		}
		if opt {
			if _, err := optimize.Run(e, fd, 0); err != nil {
				t.Fatal(err)
			}
		}
		bodies[ref] = fd
	}
	m, err := codegen.GenerateModule(e, mid, bodies)
	if err != nil {
		t.Fatalf("codegen: %v", err)
	}
	if err := (verifier.Structural{}).Verify(m); err != nil {
		t.Fatalf("verifier: %v\n%s", err, binfmt.Disassemble(m))
	}
	return m
}

func opcodes(t *testing.T, m *binfmt.Module, fn int) []binfmt.Opcode {
	t.Helper()
	code, err := binfmt.Decode(m.FunctionDefs[fn].Code.Code)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]binfmt.Opcode, len(code))
	for i, in := range code {
		out[i] = in.Op
	}
	return out
}

func has(ops []binfmt.Opcode, want binfmt.Opcode) bool {
	for _, op := range ops {
		if op == want {
			return true
		}
	}
	return false
}

func TestStraightLine(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun f(x: u64): u64 { x + 1 }`)
	m := fx.Module("0x1", "m")
	f := m.Func("f", []env.ParamDecl{env.Param("x", env.U64)}, env.U64)
	m.SetBody(f, env.Op(env.OpAdd, env.U64, env.Var("x", env.U64), env.U64Lit(1)))
	e := fx.Build()

	for _, opt := range []bool{false, true} {
		mod := compile(t, e, m.ID(), opt)
		ops := opcodes(t, mod, 0)
		if !has(ops, binfmt.OpAdd) || ops[len(ops)-1] != binfmt.OpRet {
			t.Fatalf("optimize=%v: unexpected code\n%s", opt, binfmt.Disassemble(mod))
		}
		if has(ops, binfmt.OpCopyLoc) {
			t.Fatalf("optimize=%v: last use of x should move\n%s", opt, binfmt.Disassemble(mod))
		}
	}
}

func TestBranchesSkipFallthroughJumps(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun f(c: bool, x: u64): u64 { if (c) x + 1 else x }`)
	m := fx.Module("0x1", "m")
	f := m.Func("f", []env.ParamDecl{env.Param("c", env.Bool), env.Param("x", env.U64)}, env.U64)
	m.SetBody(f, env.IfElse(
		env.Var("c", env.Bool),
		env.Op(env.OpAdd, env.U64, env.Var("x", env.U64), env.U64Lit(1)),
		env.Var("x", env.U64),
		env.U64,
	))
	e := fx.Build()
	mod := compile(t, e, m.ID(), false)
	code, err := binfmt.Decode(mod.FunctionDefs[0].Code.Code)
	if err != nil {
		t.Fatal(err)
	}
	for _, in := range code {
		if in.Op.IsBranch() && int(in.Index) == in.Offset+in.Size() {
			t.Fatalf("branch to the next instruction at %d\n%s", in.Offset, binfmt.Disassemble(mod))
		}
	}
}

func TestLoopVerifies(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun f(n: u64): u64 { let i = 0; while (i < n) { i = i + 1 }; i }`)
	m := fx.Module("0x1", "m")
	f := m.Func("f", []env.ParamDecl{env.Param("n", env.U64)}, env.U64)
	m.SetBody(f, env.Seq(
		env.Let1("i", env.U64, env.U64Lit(0)),
		env.While(
			env.Op(env.OpLt, env.Bool, env.Var("i", env.U64), env.Var("n", env.U64)),
			env.Assign("i", env.Op(env.OpAdd, env.U64, env.Var("i", env.U64), env.U64Lit(1))),
		),
		env.Var("i", env.U64),
	))
	e := fx.Build()
	for _, opt := range []bool{false, true} {
		mod := compile(t, e, m.ID(), opt)
		if ops := opcodes(t, mod, 0); !has(ops, binfmt.OpBranch) && !has(ops, binfmt.OpBrTrue) {
			t.Fatalf("optimize=%v: loop has no back edge\n%s", opt, binfmt.Disassemble(mod))
		}
	}
}

func TestResourcesAndReferences(t *testing.T) {
	fx := testkit.NewFixture("a.move", `struct Coin { value: u64 }
fun mint(v: u64): Coin { Coin { value: v } }
fun bump(c: &mut Coin) { c.value = c.value + 1 }
fun burn(c: Coin): u64 { let Coin { value } = c; value }`)
	m := fx.Module("0x1", "m")
	coinRef := m.Struct("Coin", env.AbilityStore, env.Field("value", env.U64))
	coin := env.StructOf(coinRef)
	mint := m.Func("mint", []env.ParamDecl{env.Param("v", env.U64)}, coin)
	m.SetBody(mint, env.Pack(coinRef, nil, env.Var("v", env.U64)))
	bump := m.Func("bump", []env.ParamDecl{env.Param("c", env.RefOf(coin, true))})
	c := env.Var("c", env.RefOf(coin, true))
	m.SetBody(bump, env.WriteRef(
		env.BorrowFieldOf(true, c, coinRef, nil, 0, env.U64),
		env.Op(env.OpAdd, env.U64,
			env.Deref(env.BorrowFieldOf(false, env.Var("c", env.RefOf(coin, true)), coinRef, nil, 0, env.U64)),
			env.U64Lit(1)),
	))
	burn := m.Func("burn", []env.ParamDecl{env.Param("c", coin)}, env.U64)
	m.SetBody(burn, env.Seq(
		env.LetUnpack(coinRef, nil, []string{"value"}, []env.Type{env.U64}, env.Var("c", coin)),
		env.Var("value", env.U64),
	))
	e := fx.Build()

	mod := compile(t, e, m.ID(), true)
	if len(mod.StructDefs) != 1 || len(mod.FieldHandles) != 1 {
		t.Fatalf("tables: %d struct defs, %d field handles", len(mod.StructDefs), len(mod.FieldHandles))
	}
	if !has(opcodes(t, mod, 0), binfmt.OpPack) {
		t.Fatal("mint does not pack")
	}
	bumpOps := opcodes(t, mod, 1)
	for _, want := range []binfmt.Opcode{binfmt.OpImmBorrowField, binfmt.OpReadRef, binfmt.OpMutBorrowField, binfmt.OpWriteRef} {
		if !has(bumpOps, want) {
			t.Fatalf("bump lacks %s\n%s", want, binfmt.Disassemble(mod))
		}
	}
	if !has(opcodes(t, mod, 2), binfmt.OpUnpack) {
		t.Fatal("burn does not unpack")
	}
}

func TestGenericCallAndConstants(t *testing.T) {
	fx := testkit.NewFixture("a.move", `fun id<T: copy + drop>(x: T): T { x }
fun f(): address { let _ = id<u64>(1); @0xcafe }`)
	m := fx.Module("0x1", "m")
	id := m.GenericFunc("id", []env.TypeParamDecl{env.Generic("T", env.Abilities(env.AbilityCopy, env.AbilityDrop))},
		[]env.ParamDecl{env.Param("x", env.TypeParamOf(0))}, env.TypeParamOf(0))
	m.SetBody(id, env.Var("x", env.TypeParamOf(0)))
	f := m.Func("f", nil, env.Address)
	m.SetBody(f, env.Seq(
		env.Call(id, env.U64, []env.Type{env.U64}, env.U64Lit(1)),
		env.Lit(env.AddressValue(env.MustAddress("0xcafe"))),
	))
	e := fx.Build()

	mod := compile(t, e, m.ID(), false)
	ops := opcodes(t, mod, 1)
	if !has(ops, binfmt.OpCallGeneric) || !has(ops, binfmt.OpLdConst) {
		t.Fatalf("unexpected code\n%s", binfmt.Disassemble(mod))
	}
	if len(mod.FunctionInsts) != 1 || len(mod.Constants) != 1 {
		t.Fatalf("%d instantiations, %d constants", len(mod.FunctionInsts), len(mod.Constants))
	}
	if !strings.Contains(binfmt.Disassemble(mod), "CALL_GENERIC 0 (0x1::m::id<u64>)") {
		t.Fatalf("disassembly:\n%s", binfmt.Disassemble(mod))
	}
}

func TestNativeFunctionHasNoCode(t *testing.T) {
	fx := testkit.NewFixture("a.move", `native fun g(x: u64); fun f() { g(1) }`)
	m := fx.Module("0x1", "m")
	g := m.Func("g", []env.ParamDecl{env.Param("x", env.U64)})
	f := m.Func("f", nil)
	m.SetBody(f, env.Call(g, env.Unit, nil, env.U64Lit(1)))
	e := fx.Build()
	mod := compile(t, e, m.ID(), true)
	if mod.FunctionDefs[0].Code != nil {
		t.Fatal("native function has code")
	}
	if !has(opcodes(t, mod, 1), binfmt.OpCall) {
		t.Fatal("f does not call g")
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	build := func() []byte {
		fx := testkit.NewFixture("a.move", `fun f(c: bool, x: u64): u64 { if (c) x * 2 else x }`)
		m := fx.Module("0x1", "m")
		f := m.Func("f", []env.ParamDecl{env.Param("c", env.Bool), env.Param("x", env.U64)}, env.U64)
		m.SetBody(f, env.IfElse(
			env.Var("c", env.Bool),
			env.Op(env.OpMul, env.U64, env.Var("x", env.U64), env.U64Lit(2)),
			env.Var("x", env.U64),
			env.U64,
		))
		data, err := binfmt.Encode(compile(t, fx.Build(), m.ID(), true))
		if err != nil {
			t.Fatal(err)
		}
		return data
	}
	if !bytes.Equal(build(), build()) {
		t.Fatal("same input produced different bytes")
	}
}

func TestStackImbalance(t *testing.T) {
	b := env.NewBuilder()
	m := b.Module("0x1", "m")
	f := m.Func("f", nil, env.U64)
	m.SetBody(f, env.U64Lit(0))
	e := b.Build()

	// ret () in a function declared to return u64
	fd := stackless.NewFuncData(f, e.FuncName(f), source.NoSpan, nil, nil, []env.Type{env.U64})
	fd.SetCode([]stackless.Bytecode{stackless.NewRet(source.NoSpan, nil)})
	_, err := codegen.GenerateModule(e, m.ID(), map[env.FuncRef]*stackless.FuncData{f: fd})
	if !errors.Is(err, diag.ErrStackImbalance) {
		t.Fatalf("err = %v, want a stack imbalance", err)
	}
	var ie *diag.InternalError
	if !errors.As(err, &ie) || ie.Func != "0x1::m::f" {
		t.Fatalf("internal error does not name the function: %v", err)
	}
}

func TestMissingBodyIsAnError(t *testing.T) {
	b := env.NewBuilder()
	m := b.Module("0x1", "m")
	f := m.Func("f", nil)
	m.SetBody(f, env.Seq())
	e := b.Build()
	if _, err := codegen.GenerateModule(e, m.ID(), nil); err == nil {
		t.Fatal("expected an error for a function without code")
	}
}
