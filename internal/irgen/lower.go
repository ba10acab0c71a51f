// Package irgen lowers typed function bodies from the environment into
// stackless bytecode. Lowering is purely structural: every nested expression
// is flattened into a temp and no value is reused or folded.
package irgen

import (
	"fmt"

	"movec/internal/diag"
	"movec/internal/env"
	"movec/internal/source"
	"movec/internal/stackless"
)

type loopLabels struct {
	head stackless.Label
	exit stackless.Label
}

type lowerer struct {
	env    *env.Env
	decl   *env.FuncDecl
	fd     *stackless.FuncData
	rep    diag.Reporter
	code   []stackless.Bytecode
	scopes []map[string]stackless.TempIndex
	loops  []loopLabels
	failed bool
}

// Lower builds FuncData for ref. It returns nil for native functions. When
// the environment is inconsistent (unbound locals, arity or type mismatches
// a type checker would have rejected) it reports EnvInconsistent diagnostics
// and returns ok=false; the returned data must not be compiled.
func Lower(e *env.Env, ref env.FuncRef, r diag.Reporter) (fd *stackless.FuncData, ok bool) {
	decl := e.Func(ref)
	if decl == nil {
		diag.ReportError(r, diag.EnvUnknownFunc, source.NoSpan, fmt.Sprintf("unknown function %d.%d", ref.Module, ref.Index)).Emit()
		return nil, false
	}
	if decl.Native() {
		return nil, true
	}
	params := make([]stackless.Local, len(decl.Params))
	for i, p := range decl.Params {
		params[i] = stackless.Local{Name: p.Name, Type: p.Type, Span: p.Span}
	}
	l := &lowerer{
		env:  e,
		decl: decl,
		fd:   stackless.NewFuncData(ref, e.FuncName(ref), decl.Span, decl.TypeParamAbilities(), params, decl.Results),
		rep:  r,
	}
	l.pushScope()
	for i := range params {
		l.bind(params[i].Name, i)
	}

	vals := l.exp(decl.Body)
	if !l.diverged() {
		l.checkArity(decl.Body.Span, len(vals), len(decl.Results), "function body")
		l.emit(stackless.NewRet(endOf(decl.Body.Span), vals))
	}
	l.popScope()
	l.fd.SetCode(l.code)
	return l.fd, !l.failed
}

func endOf(sp source.Span) source.Span {
	return source.Span{File: sp.File, Start: sp.End, End: sp.End}
}

func (l *lowerer) fail(code diag.Code, sp source.Span, format string, args ...any) {
	l.failed = true
	diag.ReportError(l.rep, code, sp, fmt.Sprintf("%s: %s", l.fd.Name, fmt.Sprintf(format, args...))).Emit()
}

func (l *lowerer) emit(b stackless.Bytecode) {
	l.code = append(l.code, b)
}

// diverged reports whether control cannot fall through the last emitted instruction.
func (l *lowerer) diverged() bool {
	return len(l.code) > 0 && l.code[len(l.code)-1].IsTerminator()
}

func (l *lowerer) pushScope() {
	l.scopes = append(l.scopes, make(map[string]stackless.TempIndex))
}

func (l *lowerer) popScope() {
	l.scopes = l.scopes[:len(l.scopes)-1]
}

func (l *lowerer) bind(name string, t stackless.TempIndex) {
	l.scopes[len(l.scopes)-1][name] = t
}

func (l *lowerer) lookup(name string, sp source.Span) (stackless.TempIndex, bool) {
	for i := len(l.scopes) - 1; i >= 0; i-- {
		if t, ok := l.scopes[i][name]; ok {
			return t, true
		}
	}
	l.fail(diag.EnvInconsistent, sp, "unbound local %s", name)
	return 0, false
}

// checkArity reports a count mismatch unless the body already failed; a
// failed subexpression yields no values and would cascade.
func (l *lowerer) checkArity(sp source.Span, got, want int, what string) bool {
	if got != want {
		if l.failed {
			return false
		}
		l.fail(diag.EnvTypeMismatch, sp, "%s produces %d values, expected %d", what, got, want)
		return false
	}
	return true
}

func (l *lowerer) temp(t env.Type, sp source.Span) stackless.TempIndex {
	return l.fd.NewTemp(t, sp)
}

// single lowers x and requires exactly one value.
func (l *lowerer) single(x *env.Exp) (stackless.TempIndex, bool) {
	vals := l.exp(x)
	if l.diverged() && len(vals) == 0 {
		return 0, false
	}
	if !l.checkArity(x.Span, len(vals), 1, x.Kind.String()) {
		return 0, false
	}
	return vals[0], true
}

// exps lowers each argument in order and concatenates the values.
func (l *lowerer) exps(args []*env.Exp) ([]stackless.TempIndex, bool) {
	out := make([]stackless.TempIndex, 0, len(args))
	for _, a := range args {
		v, ok := l.single(a)
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

func (l *lowerer) call(sp source.Span, op stackless.Operation, results []env.Type, srcs []stackless.TempIndex) []stackless.TempIndex {
	dsts := make([]stackless.TempIndex, len(results))
	for i, t := range results {
		dsts[i] = l.temp(t, sp)
	}
	l.emit(stackless.NewCall(sp, op, dsts, srcs))
	return dsts
}

// discard drops values of a statement whose result is unused.
func (l *lowerer) discard(sp source.Span, vals []stackless.TempIndex) {
	for _, v := range vals {
		l.emit(stackless.NewCall(sp, stackless.Operation{Kind: stackless.OpDestroy}, nil, []stackless.TempIndex{v}))
	}
}

func (l *lowerer) exp(x *env.Exp) []stackless.TempIndex {
	if x == nil {
		return nil
	}
	switch x.Kind {
	case env.ExpValue:
		t := l.temp(x.Type, x.Span)
		l.emit(stackless.NewLoad(x.Span, t, x.Value))
		return []stackless.TempIndex{t}
	case env.ExpLocal, env.ExpCopy, env.ExpMove:
		return l.local(x)
	case env.ExpBorrowLocal:
		src, ok := l.lookup(x.Name, x.Span)
		if !ok {
			return nil
		}
		return l.call(x.Span, stackless.Operation{Kind: stackless.OpBorrowLoc, Mut: x.Mut}, []env.Type{x.Type}, []stackless.TempIndex{src})
	case env.ExpBorrowField:
		ref, ok := l.single(x.Args[0])
		if !ok {
			return nil
		}
		op := stackless.Operation{Kind: stackless.OpBorrowField, Mut: x.Mut, Struct: x.Struct, TypeArgs: x.TypeArgs, Field: x.Field}
		return l.call(x.Span, op, []env.Type{x.Type}, []stackless.TempIndex{ref})
	case env.ExpDeref:
		ref, ok := l.single(x.Args[0])
		if !ok {
			return nil
		}
		return l.call(x.Span, stackless.Operation{Kind: stackless.OpReadRef}, []env.Type{x.Type}, []stackless.TempIndex{ref})
	case env.ExpWriteRef:
		// the assigned value is evaluated before the reference
		val, ok := l.single(x.Args[1])
		if !ok {
			return nil
		}
		ref, ok := l.single(x.Args[0])
		if !ok {
			return nil
		}
		l.emit(stackless.NewCall(x.Span, stackless.Operation{Kind: stackless.OpWriteRef}, nil, []stackless.TempIndex{ref, val}))
		return nil
	case env.ExpFreeze:
		ref, ok := l.single(x.Args[0])
		if !ok {
			return nil
		}
		return l.call(x.Span, stackless.Operation{Kind: stackless.OpFreezeRef}, []env.Type{x.Type}, []stackless.TempIndex{ref})
	case env.ExpCall:
		return l.callExp(x)
	case env.ExpBuiltin:
		return l.builtin(x)
	case env.ExpPack:
		fields, ok := l.exps(x.Args)
		if !ok {
			return nil
		}
		op := stackless.Operation{Kind: stackless.OpPack, Struct: x.Struct, TypeArgs: x.TypeArgs}
		return l.call(x.Span, op, []env.Type{x.Type}, fields)
	case env.ExpLet:
		l.let(x)
		return nil
	case env.ExpAssign:
		l.assign(x)
		return nil
	case env.ExpSeq:
		return l.seq(x)
	case env.ExpIfElse:
		return l.ifElse(x)
	case env.ExpWhile, env.ExpLoop:
		l.loop(x)
		return nil
	case env.ExpBreak, env.ExpContinue:
		if len(l.loops) == 0 {
			l.fail(diag.EnvBadControlFlow, x.Span, "%s outside of loop", x.Kind)
			return nil
		}
		target := l.loops[len(l.loops)-1].exit
		if x.Kind == env.ExpContinue {
			target = l.loops[len(l.loops)-1].head
		}
		l.emit(stackless.NewJump(x.Span, target))
		return nil
	case env.ExpReturn:
		vals, ok := l.exps(x.Args)
		if !ok {
			return nil
		}
		if l.checkArity(x.Span, len(vals), len(l.decl.Results), "return") {
			l.emit(stackless.NewRet(x.Span, vals))
		}
		return nil
	case env.ExpAbort:
		code, ok := l.single(x.Args[0])
		if !ok {
			return nil
		}
		l.emit(stackless.NewAbort(x.Span, code))
		return nil
	case env.ExpTuple:
		vals, _ := l.exps(x.Args)
		return vals
	}
	l.fail(diag.EnvInconsistent, x.Span, "unexpected expression kind %s", x.Kind)
	return nil
}

// local reads a named local into a fresh temp. Implicit reads use Store so
// that the move-or-copy decision is left to liveness.
func (l *lowerer) local(x *env.Exp) []stackless.TempIndex {
	src, ok := l.lookup(x.Name, x.Span)
	if !ok {
		return nil
	}
	kind := stackless.AssignStore
	switch x.Kind {
	case env.ExpCopy:
		kind = stackless.AssignCopy
	case env.ExpMove:
		kind = stackless.AssignMove
	}
	t := l.temp(l.fd.LocalType(src), x.Span)
	l.emit(stackless.NewAssign(x.Span, kind, t, src))
	return []stackless.TempIndex{t}
}

func (l *lowerer) callExp(x *env.Exp) []stackless.TempIndex {
	callee := l.env.Func(x.Func)
	if callee == nil {
		l.fail(diag.EnvUnknownFunc, x.Span, "call to unknown function %d.%d", x.Func.Module, x.Func.Index)
		return nil
	}
	args, ok := l.exps(x.Args)
	if !ok {
		return nil
	}
	_, results, _ := l.env.SignatureOf(x.Func, x.TypeArgs)
	if !l.checkArity(x.Span, len(args), len(callee.Params), "call to "+callee.Name) {
		return nil
	}
	op := stackless.Operation{Kind: stackless.OpFunction, Func: x.Func, TypeArgs: x.TypeArgs}
	return l.call(x.Span, op, results, args)
}

func (l *lowerer) builtin(x *env.Exp) []stackless.TempIndex {
	if x.Op == env.OpAnd || x.Op == env.OpOr {
		return l.shortCircuit(x)
	}
	if !l.checkArity(x.Span, len(x.Args), x.Op.Arity(), "operator "+x.Op.String()) {
		return nil
	}
	args, ok := l.exps(x.Args)
	if !ok {
		return nil
	}
	return l.call(x.Span, stackless.Operation{Kind: stackless.OpBuiltin, Builtin: x.Op}, []env.Type{x.Type}, args)
}

// shortCircuit lowers a && b to if (a) b else false, and a || b to if (a) true else b.
func (l *lowerer) shortCircuit(x *env.Exp) []stackless.TempIndex {
	if !l.checkArity(x.Span, len(x.Args), 2, "operator "+x.Op.String()) {
		return nil
	}
	lhs, ok := l.single(x.Args[0])
	if !ok {
		return nil
	}
	res := l.temp(env.Bool, x.Span)
	evalRHS, short, end := l.fd.NewLabel(), l.fd.NewLabel(), l.fd.NewLabel()
	if x.Op == env.OpAnd {
		l.emit(stackless.NewBranch(x.Span, lhs, evalRHS, short))
	} else {
		l.emit(stackless.NewBranch(x.Span, lhs, short, evalRHS))
	}
	l.emit(stackless.NewLabel(x.Span, evalRHS))
	if rhs, ok := l.single(x.Args[1]); ok {
		l.emit(stackless.NewAssign(x.Span, stackless.AssignStore, res, rhs))
		l.emit(stackless.NewJump(x.Span, end))
	}
	l.emit(stackless.NewLabel(x.Span, short))
	tmp := l.temp(env.Bool, x.Span)
	l.emit(stackless.NewLoad(x.Span, tmp, env.BoolValue(x.Op == env.OpOr)))
	l.emit(stackless.NewAssign(x.Span, stackless.AssignStore, res, tmp))
	l.emit(stackless.NewLabel(x.Span, end))
	return []stackless.TempIndex{res}
}

func (l *lowerer) let(x *env.Exp) {
	var vals []stackless.TempIndex
	if len(x.Args) > 0 {
		vals = l.exp(x.Args[0])
		if l.diverged() && len(vals) == 0 {
			return
		}
	}
	if len(x.Types) != len(x.Names) {
		l.fail(diag.EnvInconsistent, x.Span, "let binds %d names with %d types", len(x.Names), len(x.Types))
		return
	}
	locals := make([]stackless.TempIndex, len(x.Names))
	for i, name := range x.Names {
		locals[i] = l.fd.NewNamedLocal(name, x.Types[i], x.Span)
	}
	// names stay bound after a failed initializer so later uses do not
	// report again
	defer func() {
		for i, name := range x.Names {
			if name != "_" {
				l.bind(name, locals[i])
			}
		}
	}()
	switch {
	case x.Unpack:
		if !l.checkArity(x.Span, len(vals), 1, "unpacked value") {
			return
		}
		op := stackless.Operation{Kind: stackless.OpUnpack, Struct: x.Struct, TypeArgs: x.TypeArgs}
		l.emit(stackless.NewCall(x.Span, op, locals, vals))
		for i, name := range x.Names {
			if name == "_" {
				l.discard(x.Span, locals[i:i+1])
			}
		}
	case len(x.Args) > 0:
		if !l.checkArity(x.Span, len(vals), len(locals), "let initializer") {
			return
		}
		for i := range locals {
			if x.Names[i] == "_" {
				l.discard(x.Span, vals[i:i+1])
				continue
			}
			l.emit(stackless.NewAssign(x.Span, stackless.AssignStore, locals[i], vals[i]))
		}
	}
}

func (l *lowerer) assign(x *env.Exp) {
	val, ok := l.single(x.Args[0])
	if !ok {
		return
	}
	dst, ok := l.lookup(x.Name, x.Span)
	if !ok {
		return
	}
	l.emit(stackless.NewAssign(x.Span, stackless.AssignStore, dst, val))
}

func (l *lowerer) seq(x *env.Exp) []stackless.TempIndex {
	l.pushScope()
	defer l.popScope()
	var last []stackless.TempIndex
	for i, item := range x.Args {
		vals := l.exp(item)
		if i == len(x.Args)-1 {
			last = vals
			break
		}
		if !l.diverged() {
			l.discard(item.Span, vals)
		}
	}
	return last
}

func (l *lowerer) ifElse(x *env.Exp) []stackless.TempIndex {
	cond, ok := l.single(x.Args[0])
	if !ok {
		return nil
	}
	resultTypes := x.Type.Flatten()
	if x.Type.IsUnit() {
		resultTypes = nil
	}
	results := make([]stackless.TempIndex, len(resultTypes))
	for i, t := range resultTypes {
		results[i] = l.temp(t, x.Span)
	}
	thenL, elseL, endL := l.fd.NewLabel(), l.fd.NewLabel(), l.fd.NewLabel()
	l.emit(stackless.NewBranch(x.Span, cond, thenL, elseL))

	arm := func(label stackless.Label, body *env.Exp) {
		l.emit(stackless.NewLabel(x.Span, label))
		vals := l.exp(body)
		if l.diverged() {
			return
		}
		if len(results) == 0 {
			l.discard(x.Span, vals)
		} else if l.checkArity(x.Span, len(vals), len(results), "if branch") {
			for i := range results {
				l.emit(stackless.NewAssign(x.Span, stackless.AssignStore, results[i], vals[i]))
			}
		}
		l.emit(stackless.NewJump(x.Span, endL))
	}
	arm(thenL, x.Args[1])
	var els *env.Exp
	if len(x.Args) > 2 {
		els = x.Args[2]
	}
	arm(elseL, els)
	l.emit(stackless.NewLabel(endOf(x.Span), endL))
	return results
}

func (l *lowerer) loop(x *env.Exp) {
	head, exit := l.fd.NewLabel(), l.fd.NewLabel()
	l.emit(stackless.NewLabel(x.Span, head))
	l.loops = append(l.loops, loopLabels{head: head, exit: exit})
	body := x.Args[0]
	if x.Kind == env.ExpWhile {
		cond, ok := l.single(x.Args[0])
		if ok {
			bodyL := l.fd.NewLabel()
			l.emit(stackless.NewBranch(x.Span, cond, bodyL, exit))
			l.emit(stackless.NewLabel(x.Span, bodyL))
		}
		body = x.Args[1]
	}
	vals := l.exp(body)
	if !l.diverged() {
		l.discard(body.Span, vals)
		l.emit(stackless.NewJump(x.Span, head))
	}
	l.loops = l.loops[:len(l.loops)-1]
	l.emit(stackless.NewLabel(x.Span, exit))
}
