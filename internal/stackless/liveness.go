package stackless

// LiveVars records, for every code offset, the temps whose current value may
// still be read afterwards.
type LiveVars struct {
	After []TempSet
}

// ComputeLiveness runs backward liveness to a fixed point.
func ComputeLiveness(fd *FuncData) (*LiveVars, error) {
	c, err := BuildCFG(fd.Code)
	if err != nil {
		return nil, err
	}
	return ComputeLivenessCFG(fd, c), nil
}

// ComputeLivenessCFG is ComputeLiveness for callers that already built the CFG.
func ComputeLivenessCFG(fd *FuncData, c *CFG) *LiveVars {
	n := len(fd.Locals)
	use := make([]TempSet, len(c.Blocks))
	def := make([]TempSet, len(c.Blocks))
	for bi := range c.Blocks {
		use[bi], def[bi] = NewTempSet(n), NewTempSet(n)
		blk := &c.Blocks[bi]
		for i := blk.End - 1; i >= blk.Start; i-- {
			instr := &fd.Code[i]
			for _, d := range instr.Defs() {
				def[bi].Add(d)
				use[bi].Remove(d)
			}
			for _, u := range instr.Uses() {
				use[bi].Add(u)
			}
		}
	}

	in := make([]TempSet, len(c.Blocks))
	out := make([]TempSet, len(c.Blocks))
	for bi := range c.Blocks {
		in[bi], out[bi] = NewTempSet(n), NewTempSet(n)
	}
	for changed := true; changed; {
		changed = false
		for bi := len(c.Blocks) - 1; bi >= 0; bi-- {
			for _, s := range c.Blocks[bi].Succs {
				out[bi].UnionWith(in[s])
			}
			next := out[bi].Clone()
			for _, d := range def[bi].Items() {
				next.Remove(d)
			}
			next.UnionWith(use[bi])
			if !next.Equal(in[bi]) {
				in[bi] = next
				changed = true
			}
		}
	}

	lv := &LiveVars{After: make([]TempSet, len(fd.Code))}
	for bi := range c.Blocks {
		blk := &c.Blocks[bi]
		live := out[bi].Clone()
		for i := blk.End - 1; i >= blk.Start; i-- {
			lv.After[i] = live.Clone()
			instr := &fd.Code[i]
			for _, d := range instr.Defs() {
				live.Remove(d)
			}
			for _, u := range instr.Uses() {
				live.Add(u)
			}
		}
	}
	return lv
}

// LiveAfter reports whether t may be read after code[offset].
func (lv *LiveVars) LiveAfter(offset int, t TempIndex) bool {
	return lv.After[offset].Has(t)
}

// Consumes reports whether reading instr.Srcs[i] at offset moves the value out
// of its slot. Implicit reads move at the last use and copy otherwise; a temp
// read several times by one instruction is copied by all but the last read.
func (lv *LiveVars) Consumes(instr *Bytecode, offset, i int) bool {
	switch instr.Mode(i) {
	case ReadMove:
		return true
	case ReadCopy, ReadBorrow:
		return false
	}
	t := instr.Srcs[i]
	for j := i + 1; j < len(instr.Srcs); j++ {
		if instr.Srcs[j] == t && instr.Mode(j) != ReadBorrow {
			return false
		}
	}
	for _, d := range instr.Dsts {
		if d == t {
			return true
		}
	}
	return !lv.LiveAfter(offset, t)
}
