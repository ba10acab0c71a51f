package diagfmt

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"movec/internal/diag"
	"movec/internal/source"
)

type palette struct {
	err, warn, info, note, code, gutter, caret *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		err:    color.New(color.FgRed, color.Bold),
		warn:   color.New(color.FgYellow, color.Bold),
		info:   color.New(color.FgCyan),
		note:   color.New(color.FgBlue, color.Bold),
		code:   color.New(color.Faint),
		gutter: color.New(color.FgBlue),
		caret:  color.New(color.FgGreen, color.Bold),
	}
	for _, c := range []*color.Color{p.err, p.warn, p.info, p.note, p.code, p.gutter, p.caret} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) severity(sev diag.Severity) *color.Color {
	switch sev {
	case diag.SevError:
		return p.err
	case diag.SevWarning:
		return p.warn
	default:
		return p.info
	}
}

// Pretty renders diagnostics for humans, in bag order (callers sort first):
//
//	<path>:<line>:<col>: <SEV> <CODE>: <message>
//
// followed by the source line with a ^~~~ underline under the span and,
// when enabled, the notes in the same shape.
func Pretty(w io.Writer, bag *diag.Bag, fs *source.FileSet, opts PrettyOpts) {
	p := newPalette(opts.Color)
	items := bag.Items()
	for i := range items {
		d := &items[i]
		fmt.Fprintf(w, "%s: %s %s: %s\n",
			location(fs, d.Primary, opts.PathMode),
			p.severity(d.Severity).Sprint(d.Severity.String()),
			p.code.Sprint(d.Code.ID()),
			d.Message)
		if opts.ShowPreview {
			excerpt(w, fs, d.Primary, opts, p)
		}
		if !opts.ShowNotes && d.Code != diag.ObsTimings {
			continue
		}
		for _, n := range d.Notes {
			fmt.Fprintf(w, "  %s %s: %s\n", p.note.Sprint("note:"), location(fs, n.Span, opts.PathMode), n.Msg)
			if opts.ShowPreview && n.Span != source.NoSpan {
				excerpt(w, fs, n.Span, opts, p)
			}
		}
	}
	if n := bag.Dropped(); n > 0 {
		fmt.Fprintf(w, "... %d more diagnostics not shown\n", n)
	}
}

// Short renders one line per diagnostic, notes excluded.
func Short(w io.Writer, bag *diag.Bag, fs *source.FileSet, mode PathMode) {
	items := bag.Items()
	for i := range items {
		d := &items[i]
		fmt.Fprintf(w, "%s: %s %s: %s\n", location(fs, d.Primary, mode),
			d.Severity.Label(), d.Code.ID(), d.Message)
	}
}

func excerpt(w io.Writer, fs *source.FileSet, span source.Span, opts PrettyOpts, p palette) {
	if fs == nil || span == source.NoSpan {
		return
	}
	f := fs.Get(span.File)
	if f == nil {
		return
	}
	start, end := fs.Resolve(span)
	ctx := uint32(max(opts.Context, 0))
	first := start.Line - min(ctx, start.Line-1)
	last := start.Line + ctx
	if total := uint32(len(f.LineIdx)) + 1; last > total { // #nosec G115 -- bounded by Add
		last = total
	}
	gutterWidth := len(fmt.Sprint(last))
	for line := first; line <= last; line++ {
		text := strings.ReplaceAll(f.GetLine(line), "\t", "    ")
		if line != start.Line && strings.TrimSpace(text) == "" {
			continue
		}
		if opts.Width > 0 {
			text = runewidth.Truncate(text, int(opts.Width), "...")
		}
		fmt.Fprintf(w, "%s %s\n", p.gutter.Sprintf("%*d |", gutterWidth, line), text)
		if line != start.Line {
			continue
		}
		raw := f.GetLine(line)
		col := int(start.Col) - 1
		col = min(max(col, 0), len(raw))
		pad := runewidth.StringWidth(strings.ReplaceAll(raw[:col], "\t", "    "))
		width := 1
		if end.Line == start.Line && end.Col > start.Col {
			stop := min(int(end.Col)-1, len(raw))
			width = max(1, runewidth.StringWidth(raw[col:stop]))
		}
		if opts.Width > 0 && pad >= int(opts.Width) {
			continue
		}
		mark := "^" + strings.Repeat("~", width-1)
		fmt.Fprintf(w, "%s %s%s\n", p.gutter.Sprintf("%*s |", gutterWidth, ""), strings.Repeat(" ", pad), p.caret.Sprint(mark))
	}
}
