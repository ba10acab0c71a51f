package diag

import (
	"cmp"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"movec/internal/source"
)

// goldenLine is one rendered row: "<sev> <code> <path>:<line>:<col> <msg>".
type goldenLine struct {
	sev, code, path, msg string
	line, col            uint32
}

func (g goldenLine) String() string {
	return fmt.Sprintf("%s %s %s:%d:%d %s", g.sev, g.code, g.path, g.line, g.col, g.msg)
}

func compareGolden(a, b goldenLine) int {
	return cmp.Or(
		cmp.Compare(a.path, b.path),
		cmp.Compare(a.line, b.line),
		cmp.Compare(a.col, b.col),
		cmp.Compare(a.sev, b.sev),
		cmp.Compare(a.code, b.code),
		cmp.Compare(a.msg, b.msg),
	)
}

// FormatGoldenDiagnostics renders diagnostics one per line sorted by
// location, so the output of a parallel run can be compared textually with a
// sequential one. Notes become "note" rows under their diagnostic's code.
// Spans outside fs render with path "?".
func FormatGoldenDiagnostics(diags []Diagnostic, fs *source.FileSet, includeNotes bool) string {
	var rows []goldenLine
	for _, d := range diags {
		rows = append(rows, golden(fs, d.Primary, d.Severity.Label(), d.Code, d.Message))
		if !includeNotes {
			continue
		}
		for _, n := range d.Notes {
			rows = append(rows, golden(fs, n.Span, "note", d.Code, n.Msg))
		}
	}
	slices.SortStableFunc(rows, compareGolden)

	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.String()
	}
	return strings.Join(out, "\n")
}

func golden(fs *source.FileSet, sp source.Span, sev string, code Code, msg string) goldenLine {
	g := goldenLine{sev: sev, code: code.ID(), path: "?", msg: oneLine(msg)}
	if fs == nil {
		return g
	}
	f := fs.Get(sp.File)
	if f == nil {
		return g
	}
	start, _ := fs.Resolve(sp)
	g.path = filepath.ToSlash(f.FormatPath("relative", fs.BaseDir()))
	for strings.HasPrefix(g.path, "./") {
		g.path = g.path[2:]
	}
	g.line, g.col = start.Line, start.Col
	return g
}

func oneLine(msg string) string {
	return strings.TrimSpace(strings.NewReplacer("\r\n", " ", "\n", " ").Replace(msg))
}
