package binfmt_test

import (
	"bytes"
	"strings"
	"testing"

	"movec/internal/binfmt"
	"movec/internal/env"
)

// counterModule builds 0x1::c with struct Counter { n: u64 } and
//
//	fun bump(c: Counter): Counter { let Counter { n } = c; Counter { n: n + 1 } }
func counterModule() *binfmt.Module {
	code := binfmt.NewCodeBuilder()
	code.EmitByte(binfmt.OpMoveLoc, 0)
	code.EmitUint16(binfmt.OpUnpack, 0)
	code.EmitByte(binfmt.OpStLoc, 1)
	code.EmitByte(binfmt.OpMoveLoc, 1)
	if err := code.EmitImmediate(binfmt.OpLdU64, []byte{1, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		panic(err)
	}
	code.Emit(binfmt.OpAdd)
	code.EmitUint16(binfmt.OpPack, 0)
	code.Emit(binfmt.OpRet)

	counter := binfmt.SignatureToken{Kind: binfmt.TokStruct, Handle: 0}
	return &binfmt.Module{
		Version:            binfmt.FormatVersion,
		ModuleHandles:      []binfmt.ModuleHandle{{Address: 0, Name: 0}},
		Identifiers:        []string{"c", "Counter", "n", "bump"},
		AddressIdentifiers: []env.AccountAddress{env.MustAddress("0x1")},
		StructHandles:      []binfmt.StructHandle{{Module: 0, Name: 1, Abilities: env.AbilityDrop}},
		StructDefs: []binfmt.StructDef{{
			Handle: 0,
			Fields: []binfmt.FieldDef{{Name: 2, Type: binfmt.Prim(binfmt.TokU64)}},
		}},
		Signatures: []binfmt.Signature{
			{counter},
			{binfmt.Prim(binfmt.TokU64)},
		},
		FunctionHandles: []binfmt.FunctionHandle{{Module: 0, Name: 3, Params: 0, Return: 0}},
		FunctionDefs: []binfmt.FunctionDef{{
			Handle:     0,
			Visibility: env.VisPublic,
			Code:       &binfmt.CodeUnit{Locals: 1, Code: code.Bytes()},
		}},
	}
}

func TestDecodeRoundTripsBuilder(t *testing.T) {
	m := counterModule()
	code, err := binfmt.Decode(m.FunctionDefs[0].Code.Code)
	if err != nil {
		t.Fatal(err)
	}
	want := []binfmt.Opcode{
		binfmt.OpMoveLoc, binfmt.OpUnpack, binfmt.OpStLoc, binfmt.OpMoveLoc,
		binfmt.OpLdU64, binfmt.OpAdd, binfmt.OpPack, binfmt.OpRet,
	}
	if len(code) != len(want) {
		t.Fatalf("decoded %d instructions, want %d", len(code), len(want))
	}
	offset := 0
	for i, in := range code {
		if in.Op != want[i] {
			t.Errorf("instr %d = %s, want %s", i, in.Op, want[i])
		}
		if in.Offset != offset {
			t.Errorf("instr %d offset = %d, want %d", i, in.Offset, offset)
		}
		offset += in.Size()
	}
	if code[2].Index != 1 {
		t.Errorf("StLoc slot = %d, want 1", code[2].Index)
	}
	if !bytes.Equal(code[4].Imm, []byte{1, 0, 0, 0, 0, 0, 0, 0}) {
		t.Errorf("LdU64 immediate = %v", code[4].Imm)
	}
}

func TestDecodeRejectsTruncatedOperand(t *testing.T) {
	if _, err := binfmt.Decode([]byte{byte(binfmt.OpCall), 1}); err == nil {
		t.Fatal("expected truncated operand error")
	}
	if _, err := binfmt.Decode([]byte{0xFF}); err == nil {
		t.Fatal("expected unknown opcode error")
	}
}

func TestPatchBranch(t *testing.T) {
	b := binfmt.NewCodeBuilder()
	pos := b.EmitBranch(binfmt.OpBranch)
	b.Emit(binfmt.OpNop)
	b.PatchUint16(pos, 0x0104)
	code, err := binfmt.Decode(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if code[0].Index != 0x0104 {
		t.Fatalf("patched target = %#x", code[0].Index)
	}
}

func TestStackEffectFromHandles(t *testing.T) {
	m := counterModule()
	fn := &m.FunctionDefs[0]
	tests := []struct {
		in           binfmt.Instruction
		pops, pushes int
	}{
		{binfmt.Instruction{Op: binfmt.OpAdd}, 2, 1},
		{binfmt.Instruction{Op: binfmt.OpCall, Index: 0}, 1, 1},
		{binfmt.Instruction{Op: binfmt.OpPack, Index: 0}, 1, 1},
		{binfmt.Instruction{Op: binfmt.OpUnpack, Index: 0}, 1, 1},
		{binfmt.Instruction{Op: binfmt.OpRet}, 1, 0},
		{binfmt.Instruction{Op: binfmt.OpWriteRef}, 2, 0},
	}
	for _, tt := range tests {
		pops, pushes, err := m.StackEffect(fn, tt.in)
		if err != nil {
			t.Fatalf("%s: %v", tt.in.Op, err)
		}
		if pops != tt.pops || pushes != tt.pushes {
			t.Errorf("%s: effect = (%d, %d), want (%d, %d)", tt.in.Op, pops, pushes, tt.pops, tt.pushes)
		}
	}
	if _, _, err := m.StackEffect(fn, binfmt.Instruction{Op: binfmt.OpCall, Index: 7}); err == nil {
		t.Error("expected out-of-range handle error")
	}
}

func TestCanonicalEncodingIsDeterministic(t *testing.T) {
	a, err := binfmt.Encode(counterModule())
	if err != nil {
		t.Fatal(err)
	}
	b, err := binfmt.Encode(counterModule())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("equal modules encoded differently")
	}
	m, err := binfmt.DecodeModule(a)
	if err != nil {
		t.Fatal(err)
	}
	again, err := binfmt.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, again) {
		t.Fatal("decode then encode changed the bytes")
	}
	if m.Name() != "c" || m.Address() != env.MustAddress("0x1") {
		t.Fatalf("decoded module %s::%s", m.Address(), m.Name())
	}
}

func TestDecodeModuleRejectsVersion(t *testing.T) {
	m := counterModule()
	m.Version = 99
	data, err := binfmt.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := binfmt.DecodeModule(data); err == nil {
		t.Fatal("expected version error")
	}
}

func TestStructAbilitiesFollowArguments(t *testing.T) {
	m := counterModule()
	m.StructHandles = append(m.StructHandles, binfmt.StructHandle{
		Module:     0,
		Name:       1,
		Abilities:  env.Abilities(env.AbilityCopy, env.AbilityDrop),
		TypeParams: []binfmt.TypeParam{{}},
	})
	box := func(arg binfmt.SignatureToken) binfmt.SignatureToken {
		return binfmt.SignatureToken{Kind: binfmt.TokStruct, Handle: 1, Args: []binfmt.SignatureToken{arg}}
	}
	if got := m.Abilities(box(binfmt.Prim(binfmt.TokU8)), nil); got != env.Abilities(env.AbilityCopy, env.AbilityDrop) {
		t.Errorf("Box<u8> = %s", got)
	}
	if got := m.Abilities(box(binfmt.Prim(binfmt.TokSigner)), nil); got != env.AbilityDrop {
		t.Errorf("Box<signer> = %s", got)
	}
	param := binfmt.SignatureToken{Kind: binfmt.TokTypeParam, Param: 0}
	if got := m.Abilities(box(param), []env.AbilitySet{env.AbilityNone}); got != env.AbilityNone {
		t.Errorf("Box<T> = %s", got)
	}
}

func TestDisassemble(t *testing.T) {
	out := binfmt.Disassemble(counterModule())
	for _, want := range []string{
		"module 0x1::c",
		"struct Counter has {drop}",
		"fun bump(0x1::c::Counter): (0x1::c::Counter)",
		"UNPACK 0 (0x1::c::Counter)",
		"LD_U64 1",
		"RET",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}
