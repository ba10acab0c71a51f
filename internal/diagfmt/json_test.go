package diagfmt

import (
	"bytes"
	"encoding/json"
	"testing"

	"movec/internal/diag"
	"movec/internal/source"
)

func jsonBag(t *testing.T) (*diag.Bag, *source.FileSet) {
	t.Helper()
	fs := source.NewFileSet()
	fileID := fs.AddVirtual("/src/coin.move", []byte("fun burn(c: Coin) {\n    c;\n}\n"))
	bag := diag.NewBag(10)
	d := diag.New(diag.SevError, diag.ResResourceLeak, source.Span{File: fileID, Start: 24, End: 25}, "c is never consumed")
	bag.Add(d.WithNote(source.Span{File: fileID, Start: 9, End: 10}, "c is declared here"))
	bag.Add(diag.New(diag.SevError, diag.IntRecheckFailed, source.NoSpan, "recheck failed"))
	return bag, fs
}

func decode(t *testing.T, bag *diag.Bag, fs *source.FileSet, opts JSONOpts) DiagnosticsOutput {
	t.Helper()
	var buf bytes.Buffer
	if err := JSON(&buf, bag, fs, opts); err != nil {
		t.Fatalf("JSON() error: %v", err)
	}
	var out DiagnosticsOutput
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Invalid JSON output: %v\nOutput: %s", err, buf.String())
	}
	return out
}

func TestJSONBasic(t *testing.T) {
	bag, fs := jsonBag(t)
	out := decode(t, bag, fs, JSONOpts{IncludePositions: true, PathMode: PathModeBasename, IncludeNotes: true})
	if out.Count != 2 || len(out.Diagnostics) != 2 {
		t.Fatalf("count = %d", out.Count)
	}
	leak := out.Diagnostics[0]
	if leak.Severity != "ERROR" || leak.Code != diag.ResResourceLeak.ID() || leak.Title != "resource leak" || leak.Internal {
		t.Errorf("unexpected header %+v", leak)
	}
	want := LocationJSON{File: "coin.move", StartByte: 24, EndByte: 25, StartLine: 2, StartCol: 5, EndLine: 2, EndCol: 6}
	if leak.Location != want {
		t.Errorf("location = %+v, want %+v", leak.Location, want)
	}
	if len(leak.Notes) != 1 || leak.Notes[0].Location.StartCol != 10 {
		t.Errorf("notes = %+v", leak.Notes)
	}
	internal := out.Diagnostics[1]
	if !internal.Internal || internal.Location.File != "" {
		t.Errorf("internal diagnostic = %+v", internal)
	}
}

func TestJSONWithoutPositionsOrNotes(t *testing.T) {
	bag, fs := jsonBag(t)
	out := decode(t, bag, fs, JSONOpts{PathMode: PathModeAbsolute})
	leak := out.Diagnostics[0]
	if leak.Location.StartLine != 0 || leak.Location.File != "/src/coin.move" {
		t.Errorf("location = %+v", leak.Location)
	}
	if len(leak.Notes) != 0 {
		t.Errorf("notes leaked: %+v", leak.Notes)
	}
}

func TestJSONMaxLimit(t *testing.T) {
	bag, fs := jsonBag(t)
	out := decode(t, bag, fs, JSONOpts{Max: 1})
	if out.Count != 1 || out.Dropped != 1 {
		t.Fatalf("count=%d dropped=%d", out.Count, out.Dropped)
	}
	if bag.Len() != 2 {
		t.Fatal("Max must not truncate the bag")
	}
}

func TestJSONTimingsAlwaysCarryNotes(t *testing.T) {
	bag := diag.NewBag(1)
	bag.Add(diag.New(diag.SevInfo, diag.ObsTimings, source.NoSpan, "timings").WithNote(source.NoSpan, `{"phases":[]}`))
	out := decode(t, bag, nil, JSONOpts{})
	if len(out.Diagnostics[0].Notes) != 1 {
		t.Fatalf("timings notes dropped: %+v", out.Diagnostics[0])
	}
}

func TestWriteSortsAndDispatches(t *testing.T) {
	bag, fs := jsonBag(t)
	var buf bytes.Buffer
	if err := Write(&buf, bag, fs, Options{Format: FormatShort, Pretty: PrettyOpts{PathMode: PathModeBasename}}); err != nil {
		t.Fatal(err)
	}
	want := "?: error " + diag.IntRecheckFailed.ID() + ": recheck failed\n" +
		"coin.move:2:5: error " + diag.ResResourceLeak.ID() + ": c is never consumed\n"
	if buf.String() != want {
		t.Fatalf("got:\n%s\nwant:\n%s", buf.String(), want)
	}
}
