package stackless

import (
	"fmt"
	"io"
	"strings"

	"movec/internal/env"
)

// Dump writes a human-readable listing of fd.
func Dump(w io.Writer, e *env.Env, fd *FuncData) error {
	var b strings.Builder
	params := make([]string, 0, fd.ParamCount())
	for i := 0; i < fd.ParamCount(); i++ {
		params = append(params, fmt.Sprintf("%s: %s", fd.LocalName(i), e.TypeString(fd.Locals[i].Type)))
	}
	results := make([]string, len(fd.Results))
	for i, r := range fd.Results {
		results[i] = e.TypeString(r)
	}
	fmt.Fprintf(&b, "fun %s(%s)", fd.Name, strings.Join(params, ", "))
	if len(results) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(results, ", "))
	}
	b.WriteString(" {\n")
	for i := fd.ParamCount(); i < len(fd.Locals); i++ {
		fmt.Fprintf(&b, "     var %s: %s\n", fd.LocalName(i), e.TypeString(fd.Locals[i].Type))
	}
	for i := range fd.Code {
		fmt.Fprintf(&b, "%3d: %s\n", i, FormatBytecode(e, fd, &fd.Code[i]))
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// FormatBytecode renders one instruction.
func FormatBytecode(e *env.Env, fd *FuncData, instr *Bytecode) string {
	names := func(ts []TempIndex) string {
		parts := make([]string, len(ts))
		for i, t := range ts {
			parts[i] = fd.LocalName(t)
		}
		return strings.Join(parts, ", ")
	}
	lhs := ""
	if len(instr.Dsts) > 0 {
		lhs = names(instr.Dsts) + " := "
	}
	switch instr.Kind {
	case KindAssign:
		switch instr.Assign {
		case AssignCopy:
			return lhs + "copy(" + names(instr.Srcs) + ")"
		case AssignMove:
			return lhs + "move(" + names(instr.Srcs) + ")"
		}
		return lhs + names(instr.Srcs)
	case KindLoad:
		return lhs + instr.Const.String()
	case KindLabel:
		return fmt.Sprintf("label L%d", instr.Label)
	case KindJump:
		return fmt.Sprintf("jump L%d", instr.Label)
	case KindBranch:
		return fmt.Sprintf("if (%s) goto L%d else goto L%d", names(instr.Srcs), instr.Then, instr.Else)
	case KindRet:
		return "return (" + names(instr.Srcs) + ")"
	case KindAbort:
		return "abort(" + names(instr.Srcs) + ")"
	case KindNop:
		return "nop"
	case KindCall:
		return lhs + formatOp(e, &instr.Op) + "(" + names(instr.Srcs) + ")"
	}
	return "?"
}

func formatOp(e *env.Env, op *Operation) string {
	targs := ""
	if len(op.TypeArgs) > 0 {
		parts := make([]string, len(op.TypeArgs))
		for i, t := range op.TypeArgs {
			parts[i] = e.TypeString(t)
		}
		targs = "<" + strings.Join(parts, ", ") + ">"
	}
	mut := ""
	if op.Mut {
		mut = "_mut"
	}
	switch op.Kind {
	case OpFunction:
		return e.FuncName(op.Func) + targs
	case OpPack, OpUnpack:
		name := "?"
		if s := e.Struct(op.Struct); s != nil {
			name = s.Name
		}
		return op.Kind.String() + " " + name + targs
	case OpBorrowLoc:
		return "borrow_local" + mut
	case OpBorrowField:
		field := fmt.Sprintf("#%d", op.Field)
		if s := e.Struct(op.Struct); s != nil && op.Field < len(s.Fields) {
			field = s.Name + "." + s.Fields[op.Field].Name
		}
		return "borrow_field" + mut + "<" + field + ">"
	case OpBuiltin:
		return op.Builtin.String()
	}
	return op.Kind.String()
}
