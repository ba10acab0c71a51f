package diagfmt

import (
	"io"

	"movec/internal/diag"
	"movec/internal/source"
)

// Options bundles the settings of every renderer so callers can pick the
// format at runtime.
type Options struct {
	Format Format
	Pretty PrettyOpts
	JSON   JSONOpts
}

// Write sorts the bag and renders it in the selected format.
func Write(w io.Writer, bag *diag.Bag, fs *source.FileSet, opts Options) error {
	bag.Sort()
	switch opts.Format {
	case FormatJSON:
		return JSON(w, bag, fs, opts.JSON)
	case FormatShort:
		Short(w, bag, fs, opts.Pretty.PathMode)
	default:
		Pretty(w, bag, fs, opts.Pretty)
	}
	return nil
}
