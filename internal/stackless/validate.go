package stackless

import (
	"errors"
	"fmt"

	"movec/internal/env"
)

// Validate checks the structural invariants every pass must preserve:
// temps and labels in range, control never falls off the end, and operand
// types consistent with each instruction's semantics.
func Validate(e *env.Env, fd *FuncData) error {
	if fd == nil {
		return nil
	}
	var errs []error
	if len(fd.Code) == 0 {
		return fmt.Errorf("%s: empty body", fd.Name)
	}
	c, err := BuildCFG(fd.Code)
	if err != nil {
		return fmt.Errorf("%s: %w", fd.Name, err)
	}
	if n := len(c.Blocks); n > 0 {
		last := &fd.Code[c.Blocks[n-1].End-1]
		if !last.IsTerminator() {
			errs = append(errs, fmt.Errorf("offset %d: control falls off the end", len(fd.Code)-1))
		}
	}
	for i := range fd.Code {
		if err := validateInstr(e, fd, i); err != nil {
			errs = append(errs, fmt.Errorf("offset %d (%s): %w", i, fd.Code[i].Kind, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", fd.Name, err)
	}
	return nil
}

func validateInstr(e *env.Env, fd *FuncData, offset int) error {
	instr := &fd.Code[offset]
	for _, t := range append(append([]TempIndex(nil), instr.Dsts...), instr.Srcs...) {
		if t < 0 || t >= len(fd.Locals) {
			return fmt.Errorf("temp %d out of range (%d locals)", t, len(fd.Locals))
		}
	}
	ty := fd.LocalType
	switch instr.Kind {
	case KindAssign:
		if err := arity(instr, 1, 1); err != nil {
			return err
		}
		return sameType(e, ty(instr.Dsts[0]), ty(instr.Srcs[0]))
	case KindLoad:
		if err := arity(instr, 1, 0); err != nil {
			return err
		}
		return sameType(e, ty(instr.Dsts[0]), instr.Const.Type)
	case KindLabel, KindJump, KindNop:
		return arity(instr, 0, 0)
	case KindBranch:
		if err := arity(instr, 0, 1); err != nil {
			return err
		}
		return sameType(e, ty(instr.Srcs[0]), env.Bool)
	case KindAbort:
		if err := arity(instr, 0, 1); err != nil {
			return err
		}
		return sameType(e, ty(instr.Srcs[0]), env.U64)
	case KindRet:
		if len(instr.Srcs) != len(fd.Results) {
			return fmt.Errorf("returns %d values, function declares %d", len(instr.Srcs), len(fd.Results))
		}
		for i, s := range instr.Srcs {
			if err := sameType(e, ty(s), fd.Results[i]); err != nil {
				return fmt.Errorf("result %d: %w", i, err)
			}
		}
		return nil
	case KindCall:
		return validateOp(e, fd, instr)
	}
	return fmt.Errorf("unknown kind %d", instr.Kind)
}

func validateOp(e *env.Env, fd *FuncData, instr *Bytecode) error {
	ty := fd.LocalType
	op := &instr.Op
	switch op.Kind {
	case OpFunction:
		decl := e.Func(op.Func)
		if decl == nil {
			return fmt.Errorf("unknown function %d.%d", op.Func.Module, op.Func.Index)
		}
		if len(op.TypeArgs) != len(decl.TypeParams) {
			return fmt.Errorf("%s expects %d type arguments, got %d", decl.Name, len(decl.TypeParams), len(op.TypeArgs))
		}
		params, results, _ := e.SignatureOf(op.Func, op.TypeArgs)
		if err := arity(instr, len(results), len(params)); err != nil {
			return err
		}
		for i := range params {
			if err := sameType(e, ty(instr.Srcs[i]), params[i]); err != nil {
				return fmt.Errorf("argument %d: %w", i, err)
			}
		}
		for i := range results {
			if err := sameType(e, ty(instr.Dsts[i]), results[i]); err != nil {
				return fmt.Errorf("result %d: %w", i, err)
			}
		}
		return nil
	case OpPack, OpUnpack:
		decl := e.Struct(op.Struct)
		if decl == nil {
			return fmt.Errorf("unknown struct %d.%d", op.Struct.Module, op.Struct.Index)
		}
		fields := e.FieldTypes(op.Struct, op.TypeArgs)
		whole := env.StructOf(op.Struct, op.TypeArgs...)
		parts, packed := instr.Srcs, instr.Dsts
		if op.Kind == OpUnpack {
			parts, packed = instr.Dsts, instr.Srcs
		}
		if len(parts) != len(fields) || len(packed) != 1 {
			return fmt.Errorf("%s %s: %d field operands for %d fields", op.Kind, decl.Name, len(parts), len(fields))
		}
		for i := range fields {
			if err := sameType(e, ty(parts[i]), fields[i]); err != nil {
				return fmt.Errorf("field %s: %w", decl.Fields[i].Name, err)
			}
		}
		return sameType(e, ty(packed[0]), whole)
	case OpBorrowLoc:
		if err := arity(instr, 1, 1); err != nil {
			return err
		}
		src := ty(instr.Srcs[0])
		if src.IsRef() {
			return fmt.Errorf("cannot borrow reference-typed temp %s", fd.LocalName(instr.Srcs[0]))
		}
		return sameType(e, ty(instr.Dsts[0]), env.RefOf(src, op.Mut))
	case OpBorrowField:
		if err := arity(instr, 1, 1); err != nil {
			return err
		}
		src := ty(instr.Srcs[0])
		if !src.IsRef() || !src.Inner().Equal(env.StructOf(op.Struct, op.TypeArgs...)) {
			return fmt.Errorf("borrow_field source has type %s", e.TypeString(src))
		}
		ft, ok := e.FieldType(op.Struct, op.TypeArgs, op.Field)
		if !ok {
			return fmt.Errorf("field %d out of range", op.Field)
		}
		return sameType(e, ty(instr.Dsts[0]), env.RefOf(ft, op.Mut))
	case OpReadRef:
		if err := arity(instr, 1, 1); err != nil {
			return err
		}
		src := ty(instr.Srcs[0])
		if !src.IsRef() {
			return fmt.Errorf("read_ref of non-reference %s", e.TypeString(src))
		}
		return sameType(e, ty(instr.Dsts[0]), src.Inner())
	case OpWriteRef:
		if err := arity(instr, 0, 2); err != nil {
			return err
		}
		ref := ty(instr.Srcs[0])
		if !ref.IsRef() {
			return fmt.Errorf("write_ref through non-reference %s", e.TypeString(ref))
		}
		return sameType(e, ty(instr.Srcs[1]), ref.Inner())
	case OpFreezeRef:
		if err := arity(instr, 1, 1); err != nil {
			return err
		}
		src := ty(instr.Srcs[0])
		if !src.IsMutRef() {
			return fmt.Errorf("freeze of %s", e.TypeString(src))
		}
		return sameType(e, ty(instr.Dsts[0]), env.RefOf(src.Inner(), false))
	case OpDestroy:
		return arity(instr, 0, 1)
	case OpBuiltin:
		return validateBuiltin(e, fd, instr)
	}
	return fmt.Errorf("unknown operation %d", op.Kind)
}

func validateBuiltin(e *env.Env, fd *FuncData, instr *Bytecode) error {
	b := instr.Op.Builtin
	if err := arity(instr, 1, b.Arity()); err != nil {
		return err
	}
	ty := fd.LocalType
	dst := ty(instr.Dsts[0])
	lhs := ty(instr.Srcs[0])
	switch b {
	case env.OpAdd, env.OpSub, env.OpMul, env.OpDiv, env.OpMod, env.OpBitAnd, env.OpBitOr, env.OpXor:
		if !lhs.IsInteger() {
			return fmt.Errorf("%s on %s", b, e.TypeString(lhs))
		}
		if err := sameType(e, ty(instr.Srcs[1]), lhs); err != nil {
			return err
		}
		return sameType(e, dst, lhs)
	case env.OpShl, env.OpShr:
		if !lhs.IsInteger() {
			return fmt.Errorf("%s on %s", b, e.TypeString(lhs))
		}
		if err := sameType(e, ty(instr.Srcs[1]), env.U8); err != nil {
			return err
		}
		return sameType(e, dst, lhs)
	case env.OpLt, env.OpLe, env.OpGt, env.OpGe:
		if !lhs.IsInteger() {
			return fmt.Errorf("%s on %s", b, e.TypeString(lhs))
		}
		if err := sameType(e, ty(instr.Srcs[1]), lhs); err != nil {
			return err
		}
		return sameType(e, dst, env.Bool)
	case env.OpEq, env.OpNeq:
		if err := sameType(e, ty(instr.Srcs[1]), lhs); err != nil {
			return err
		}
		return sameType(e, dst, env.Bool)
	case env.OpAnd, env.OpOr:
		if err := sameType(e, lhs, env.Bool); err != nil {
			return err
		}
		if err := sameType(e, ty(instr.Srcs[1]), env.Bool); err != nil {
			return err
		}
		return sameType(e, dst, env.Bool)
	case env.OpNot:
		if err := sameType(e, lhs, env.Bool); err != nil {
			return err
		}
		return sameType(e, dst, env.Bool)
	case env.OpCastU8, env.OpCastU16, env.OpCastU32, env.OpCastU64, env.OpCastU128, env.OpCastU256:
		if !lhs.IsInteger() {
			return fmt.Errorf("cast of %s", e.TypeString(lhs))
		}
		return sameType(e, dst, CastTarget(b))
	}
	return fmt.Errorf("unknown builtin %d", b)
}

// CastTarget returns the result type of a cast builtin.
func CastTarget(b env.Builtin) env.Type {
	switch b {
	case env.OpCastU8:
		return env.U8
	case env.OpCastU16:
		return env.U16
	case env.OpCastU32:
		return env.U32
	case env.OpCastU64:
		return env.U64
	case env.OpCastU128:
		return env.U128
	case env.OpCastU256:
		return env.U256
	}
	return env.Type{}
}

func arity(instr *Bytecode, dsts, srcs int) error {
	if len(instr.Dsts) != dsts || len(instr.Srcs) != srcs {
		return fmt.Errorf("expected %d dsts/%d srcs, got %d/%d", dsts, srcs, len(instr.Dsts), len(instr.Srcs))
	}
	return nil
}

func sameType(e *env.Env, got, want env.Type) error {
	if !got.Equal(want) {
		return fmt.Errorf("type %s, expected %s", e.TypeString(got), e.TypeString(want))
	}
	return nil
}
