package stackless

import (
	"math/bits"
	"slices"
)

// TempSet is a dense bitset of temps.
type TempSet []uint64

func NewTempSet(n int) TempSet {
	return make(TempSet, (n+63)/64)
}

func (s TempSet) Has(t TempIndex) bool {
	w := t / 64
	return w < len(s) && s[w]&(1<<(uint(t)%64)) != 0
}

func (s TempSet) Add(t TempIndex) {
	s[t/64] |= 1 << (uint(t) % 64)
}

func (s TempSet) Remove(t TempIndex) {
	s[t/64] &^= 1 << (uint(t) % 64)
}

// UnionWith adds o into s and reports whether s changed.
func (s TempSet) UnionWith(o TempSet) bool {
	changed := false
	for i := range s {
		if i >= len(o) {
			break
		}
		n := s[i] | o[i]
		if n != s[i] {
			s[i] = n
			changed = true
		}
	}
	return changed
}

func (s TempSet) Clone() TempSet { return slices.Clone(s) }

func (s TempSet) Equal(o TempSet) bool { return slices.Equal(s, o) }

func (s TempSet) Len() int {
	n := 0
	for _, w := range s {
		n += bits.OnesCount64(w)
	}
	return n
}

// Items lists members in increasing order.
func (s TempSet) Items() []TempIndex {
	var out []TempIndex
	for w, word := range s {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			out = append(out, w*64+b)
			word &^= 1 << uint(b)
		}
	}
	return out
}
