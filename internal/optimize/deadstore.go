package optimize

import (
	"movec/internal/env"
	"movec/internal/stackless"
)

// RemoveDeadStores deletes definitions whose result is never read: moves,
// copies, constant loads, reference reads and builtins that cannot abort.
// The destination must be a plain value, so no value without drop silently
// disappears.
func RemoveDeadStores(e *env.Env, fd *stackless.FuncData) ([]stackless.Bytecode, bool, error) {
	lv, err := stackless.ComputeLiveness(fd)
	if err != nil {
		return nil, false, err
	}
	out := make([]stackless.Bytecode, 0, len(fd.Code))
	changed := false
	for i := range fd.Code {
		instr := &fd.Code[i]
		if removable(e, fd, instr) && !lv.LiveAfter(i, instr.Dsts[0]) {
			changed = true
			continue
		}
		out = append(out, instr.Clone())
	}
	if !changed {
		return nil, false, nil
	}
	return out, true, nil
}

func removable(e *env.Env, fd *stackless.FuncData, instr *stackless.Bytecode) bool {
	if len(instr.Dsts) != 1 || !plain(e, fd, instr.Dsts[0]) {
		return false
	}
	switch instr.Kind {
	case stackless.KindAssign, stackless.KindLoad:
		return true
	case stackless.KindCall:
		switch instr.Op.Kind {
		case stackless.OpReadRef:
			return true
		case stackless.OpBuiltin:
			return !instr.Op.Builtin.CanAbort()
		}
	}
	return false
}
