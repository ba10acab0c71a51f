package diagfmt

import "fmt"

// PathMode specifies how file paths are displayed.
type PathMode uint8

const (
	// PathModeAuto uses the path relative to the base directory when the file
	// lives under it, and the basename for long paths elsewhere.
	PathModeAuto PathMode = iota
	// PathModeAbsolute always uses the path as recorded in the FileSet.
	PathModeAbsolute
	PathModeRelative
	PathModeBasename
)

// Format selects one of the renderers.
type Format uint8

const (
	FormatPretty Format = iota
	FormatShort
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatShort:
		return "short"
	case FormatJSON:
		return "json"
	default:
		return "pretty"
	}
}

// ParseFormat accepts "pretty", "short" and "json".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "pretty":
		return FormatPretty, nil
	case "short":
		return FormatShort, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatPretty, fmt.Errorf("unknown diagnostics format %q (want pretty|short|json)", s)
}

// PrettyOpts configures pretty-printing of diagnostics.
type PrettyOpts struct {
	Color       bool
	Context     int8 // lines of source shown around the primary line
	PathMode    PathMode
	Width       uint8 // maximum source line width, 0 means unlimited
	ShowNotes   bool
	ShowPreview bool // source excerpt with a caret under the span
}

// JSONOpts configures JSON output of diagnostics.
type JSONOpts struct {
	IncludePositions bool // add line/col
	PathMode         PathMode
	Max              int // truncates the output, not the Bag
	IncludeNotes     bool
}
