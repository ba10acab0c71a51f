package diagfmt

import (
	"fmt"
	"path/filepath"
	"strings"

	"movec/internal/source"
)

const autoBasenameThreshold = 40

func displayPath(fs *source.FileSet, f *source.File, mode PathMode) string {
	switch mode {
	case PathModeAbsolute:
		return f.FormatPath("absolute", "")
	case PathModeRelative:
		return f.FormatPath("relative", fs.BaseDir())
	case PathModeBasename:
		return f.FormatPath("basename", "")
	}
	if filepath.IsAbs(f.Path) {
		if rel, err := source.RelativePath(f.Path, fs.BaseDir()); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	if len(f.Path) > autoBasenameThreshold {
		return f.FormatPath("basename", "")
	}
	return f.Path
}

// location renders "path:line:col", or "?" for synthesized spans.
func location(fs *source.FileSet, span source.Span, mode PathMode) string {
	if fs == nil || span == source.NoSpan {
		return "?"
	}
	f := fs.Get(span.File)
	if f == nil {
		return "?"
	}
	start, _ := fs.Resolve(span)
	return fmt.Sprintf("%s:%d:%d", displayPath(fs, f, mode), start.Line, start.Col)
}
