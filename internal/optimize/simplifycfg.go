package optimize

import (
	"movec/internal/env"
	"movec/internal/stackless"
)

// SimplifyCFG removes no-ops, jumps to the next instruction and labels nothing
// targets, folds branches whose arms agree, and threads jumps through labels
// that only jump again.
func SimplifyCFG(_ *env.Env, fd *stackless.FuncData) ([]stackless.Bytecode, bool, error) {
	code := fd.CloneCode()
	changed := false

	labelAt := make(map[stackless.Label]int)
	for i := range code {
		if code[i].Kind == stackless.KindLabel {
			labelAt[code[i].Label] = i
		}
	}
	// final follows a label to the first non-label instruction; when that is
	// a jump, the jump's target replaces the label
	final := func(l stackless.Label) stackless.Label {
		seen := map[stackless.Label]bool{}
		for !seen[l] {
			seen[l] = true
			i, ok := labelAt[l]
			if !ok {
				return l
			}
			for i < len(code) && code[i].Kind == stackless.KindLabel {
				i++
			}
			if i >= len(code) || code[i].Kind != stackless.KindJump {
				return l
			}
			l = code[i].Label
		}
		return l
	}

	for i := range code {
		instr := &code[i]
		switch instr.Kind {
		case stackless.KindJump:
			if to := final(instr.Label); to != instr.Label {
				instr.Label = to
				changed = true
			}
		case stackless.KindBranch:
			then, els := final(instr.Then), final(instr.Else)
			if then != instr.Then || els != instr.Else {
				instr.Then, instr.Else = then, els
				changed = true
			}
			if instr.Then == instr.Else {
				*instr = stackless.NewJump(instr.Span, instr.Then)
				changed = true
			}
		}
	}

	out := make([]stackless.Bytecode, 0, len(code))
	for i := range code {
		instr := &code[i]
		switch instr.Kind {
		case stackless.KindNop:
			changed = true
			continue
		case stackless.KindJump:
			if fallsInto(code, i+1, instr.Label) {
				changed = true
				continue
			}
		}
		out = append(out, *instr)
	}

	used := make(map[stackless.Label]bool)
	for i := range out {
		for _, l := range out[i].Targets() {
			used[l] = true
		}
	}
	kept := out[:0]
	for _, instr := range out {
		if instr.Kind == stackless.KindLabel && !used[instr.Label] {
			changed = true
			continue
		}
		kept = append(kept, instr)
	}
	if !changed {
		return nil, false, nil
	}
	return kept, true, nil
}

// fallsInto reports whether execution from offset reaches label l without
// executing anything but labels.
func fallsInto(code []stackless.Bytecode, offset int, l stackless.Label) bool {
	for i := offset; i < len(code) && code[i].Kind == stackless.KindLabel; i++ {
		if code[i].Label == l {
			return true
		}
	}
	return false
}
