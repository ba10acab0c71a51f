package diagfmt

import (
	"bytes"
	"strings"
	"testing"

	"movec/internal/diag"
	"movec/internal/source"
)

// TestPathModes checks the path rendering modes.
func TestPathModes(t *testing.T) {
	fs := source.NewFileSet()
	content := []byte("fun f(r: R) {\n    let x = &mut r;\n}\n")
	fileID := fs.AddVirtual("/home/user/project/sources/coin.move", content)
	fs.SetBaseDir("/home/user/project")

	bag := diag.NewBag(10)
	bag.Add(diag.New(diag.SevError, diag.RefBorrowConflict,
		source.Span{File: fileID, Start: 26, End: 32}, "cannot borrow r mutably"))

	tests := []struct {
		name     string
		mode     PathMode
		contains string
	}{
		{"Absolute path", PathModeAbsolute, "/home/user/project/sources/coin.move:2:13"},
		{"Relative path", PathModeRelative, "sources/coin.move:2:13"},
		{"Basename only", PathModeBasename, "coin.move:2:13"},
		{"Auto under base", PathModeAuto, "sources/coin.move:2:13"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			Pretty(&buf, bag, fs, PrettyOpts{PathMode: tt.mode})
			output := buf.String()
			if !strings.Contains(output, tt.contains) {
				t.Errorf("Expected output to contain %q, got:\n%s", tt.contains, output)
			}
			if !strings.Contains(output, "ERROR "+diag.RefBorrowConflict.ID()+": cannot borrow r mutably") {
				t.Errorf("Expected severity, code and message, got:\n%s", output)
			}
		})
	}
}

func TestPathModeAuto(t *testing.T) {
	fs := source.NewFileSet()
	fs.SetBaseDir("/elsewhere")
	tests := []struct {
		path     string
		expected string
	}{
		{"coin.move", "coin.move:1:9"},
		{"/very/long/absolute/path/to/some/nested/directory/coin.move", "\ncoin.move:1:9"},
	}
	for _, tt := range tests {
		fileID := fs.AddVirtual(tt.path, []byte("let x = 42\n"))
		bag := diag.NewBag(10)
		bag.Add(diag.New(diag.SevWarning, diag.ResResourceLeak, source.Span{File: fileID, Start: 8, End: 10}, "w"))
		var buf bytes.Buffer
		buf.WriteByte('\n')
		Pretty(&buf, bag, fs, PrettyOpts{PathMode: PathModeAuto})
		if !strings.Contains(buf.String(), tt.expected) {
			t.Errorf("%s: got %q", tt.path, buf.String())
		}
	}
}

func TestPrettyPreviewAndNotes(t *testing.T) {
	fs := source.NewFileSet()
	content := []byte("fun f(): &u64 {\n\tlet x = 1;\n\t&x\n}\n")
	fileID := fs.AddVirtual("m.move", content)

	d := diag.New(diag.SevError, diag.RefDanglingReference,
		source.Span{File: fileID, Start: 29, End: 31}, "returned reference outlives x")
	d = d.WithNote(source.Span{File: fileID, Start: 21, End: 22}, "x is declared here")
	bag := diag.NewBag(4)
	bag.Add(d)

	var buf bytes.Buffer
	Pretty(&buf, bag, fs, PrettyOpts{PathMode: PathModeBasename, ShowNotes: true, ShowPreview: true})
	output := buf.String()

	for _, want := range []string{
		"m.move:3:2: ERROR",
		"3 |     &x\n",
		"  |     ^~\n",
		"note: m.move:2:6: x is declared here",
		"  |         ^\n",
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("missing %q in:\n%s", want, output)
		}
	}
	if strings.Contains(output, "\x1b[") {
		t.Fatal("color escapes without Color")
	}
}

func TestPrettyColor(t *testing.T) {
	bag := diag.NewBag(1)
	bag.Add(diag.New(diag.SevError, diag.IntStackImbalance, source.NoSpan, "stack imbalance"))
	var buf bytes.Buffer
	Pretty(&buf, bag, nil, PrettyOpts{Color: true})
	if !strings.Contains(buf.String(), "\x1b[") || !strings.HasPrefix(buf.String(), "?: ") {
		t.Fatalf("got %q", buf.String())
	}
}

func TestPrettyWidthAndDropped(t *testing.T) {
	fs := source.NewFileSet()
	fileID := fs.AddVirtual("w.move", []byte("let a = some_rather_long_identifier;\n"))
	bag := diag.NewBag(1)
	bag.Add(diag.New(diag.SevError, diag.RefUseOfMovedValue, source.Span{File: fileID, Start: 4, End: 5}, "moved"))
	bag.Add(diag.New(diag.SevError, diag.RefUseOfMovedValue, source.Span{File: fileID, Start: 8, End: 9}, "moved"))

	var buf bytes.Buffer
	Pretty(&buf, bag, fs, PrettyOpts{ShowPreview: true, Width: 10})
	output := buf.String()
	if !strings.Contains(output, "1 | let a =...\n") {
		t.Fatalf("line not truncated:\n%s", output)
	}
	if !strings.Contains(output, "... 1 more diagnostics not shown") {
		t.Fatalf("dropped count missing:\n%s", output)
	}
}

func TestShort(t *testing.T) {
	fs := source.NewFileSet()
	fileID := fs.AddVirtual("s.move", []byte("abc\n"))
	bag := diag.NewBag(2)
	d := diag.New(diag.SevWarning, diag.ResResourceLeak, source.Span{File: fileID, Start: 1, End: 2}, "leak")
	bag.Add(d.WithNote(source.Span{File: fileID}, "ignored"))
	var buf bytes.Buffer
	Short(&buf, bag, fs, PathModeBasename)
	want := "s.move:1:2: warning " + diag.ResResourceLeak.ID() + ": leak\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestParseFormat(t *testing.T) {
	for _, f := range []Format{FormatPretty, FormatShort, FormatJSON} {
		got, err := ParseFormat(f.String())
		if err != nil || got != f {
			t.Fatalf("ParseFormat(%q) = %v, %v", f, got, err)
		}
	}
	if _, err := ParseFormat("sarif"); err == nil {
		t.Fatal("unknown format accepted")
	}
}
