package source

import "testing"

func TestFileSetVersioning(t *testing.T) {
	fs := NewFileSet()
	id1 := fs.Add("coin.move", []byte("module 0x1::coin {}"), 0)
	id2 := fs.Add("coin.move", []byte("module 0x1::coin { struct C {} }"), 0)
	if id1 == id2 {
		t.Fatalf("expected fresh id on re-add, got %d twice", id1)
	}
	latest, ok := fs.GetLatest("coin.move")
	if !ok || latest != id2 {
		t.Fatalf("GetLatest = %d, %v; want %d", latest, ok, id2)
	}
	if got := string(fs.Get(id1).Content); got != "module 0x1::coin {}" {
		t.Errorf("old version lost: %q", got)
	}
	if fs.Get(FileID(99)) != nil {
		t.Errorf("expected nil for unknown id")
	}
}

func TestResolveLineCol(t *testing.T) {
	fs := NewFileSet()
	id := fs.AddVirtual("a.move", []byte("ab\ncd\n\nef"))
	tests := []struct {
		off  uint32
		want LineCol
	}{
		{0, LineCol{1, 1}},
		{1, LineCol{1, 2}},
		{2, LineCol{1, 3}},
		{3, LineCol{2, 1}},
		{6, LineCol{3, 1}},
		{7, LineCol{4, 1}},
		{8, LineCol{4, 2}},
	}
	for _, tt := range tests {
		start, _ := fs.Resolve(Span{File: id, Start: tt.off, End: tt.off})
		if start != tt.want {
			t.Errorf("offset %d: got %+v, want %+v", tt.off, start, tt.want)
		}
	}
}

func TestAddNormalizesCRLFAndBOM(t *testing.T) {
	fs := NewFileSet()
	id := fs.AddVirtual("w.move", []byte("\xEF\xBB\xBFa\r\nb"))
	f := fs.Get(id)
	if string(f.Content) != "a\nb" {
		t.Fatalf("content = %q", f.Content)
	}
	if f.Flags&FileHadBOM == 0 || f.Flags&FileNormalizedCRLF == 0 {
		t.Errorf("flags = %b", f.Flags)
	}
	if got := f.GetLine(2); got != "b" {
		t.Errorf("GetLine(2) = %q", got)
	}
	if got := f.GetLine(1); got != "a" {
		t.Errorf("GetLine(1) = %q", got)
	}
	if got := f.GetLine(3); got != "" {
		t.Errorf("GetLine(3) = %q", got)
	}
}

func TestSpanLess(t *testing.T) {
	a := Span{File: 1, Start: 4, End: 8}
	tests := []struct {
		name string
		b    Span
		want bool
	}{
		{"earlier start", Span{File: 1, Start: 2, End: 9}, true},
		{"same start shorter", Span{File: 1, Start: 4, End: 6}, true},
		{"later file", Span{File: 2}, false},
		{"equal", a, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.b.Less(a); got != tt.want {
				t.Errorf("%v.Less(%v) = %v, want %v", tt.b, a, got, tt.want)
			}
		})
	}
}
