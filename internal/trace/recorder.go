package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Format is the encoding of a streamed trace.
type Format uint8

const (
	FormatText Format = iota
	FormatNDJSON
)

// ParseFormat converts a flag value to a Format. An empty value picks the
// format from the output file extension.
func ParseFormat(s, output string) (Format, error) {
	switch strings.ToLower(s) {
	case "":
		switch filepath.Ext(output) {
		case ".ndjson", ".jsonl", ".json":
			return FormatNDJSON, nil
		}
		return FormatText, nil
	case "text":
		return FormatText, nil
	case "ndjson", "json":
		return FormatNDJSON, nil
	}
	return FormatText, fmt.Errorf("invalid trace format %q (want text|ndjson)", s)
}

// Options configures New.
type Options struct {
	Level  Level
	Output string // file path, "-" for stderr, empty to keep events in memory only
	Format Format
	// Recent is how many of the latest events stay in memory for Dump.
	// Zero disables the buffer.
	Recent int
}

// Recorder receives events from spans. It writes them to its output and
// keeps the latest ones in a bounded buffer. All methods accept a nil
// receiver.
type Recorder struct {
	level Level
	start time.Time
	seq   atomic.Uint64
	ids   atomic.Uint64

	mu     sync.Mutex
	out    *bufio.Writer
	closer io.Closer
	format Format
	recent *window
	err    error
}

// New builds a recorder for opts. It returns nil when opts.Level is off.
func New(opts Options) (*Recorder, error) {
	if opts.Level == LevelOff {
		return nil, nil
	}
	r := &Recorder{level: opts.Level, start: time.Now(), format: opts.Format}
	switch opts.Output {
	case "":
	case "-":
		r.out = bufio.NewWriter(os.Stderr)
	default:
		f, err := os.Create(opts.Output)
		if err != nil {
			return nil, fmt.Errorf("open trace output: %w", err)
		}
		r.out = bufio.NewWriter(f)
		r.closer = f
	}
	if opts.Recent > 0 {
		r.recent = newWindow(opts.Recent)
	}
	return r, nil
}

// NewWriter builds a recorder that streams to w. Used by tests and tools
// that already own a writer.
func NewWriter(w io.Writer, level Level, format Format) *Recorder {
	return &Recorder{level: level, start: time.Now(), format: format, out: bufio.NewWriter(w)}
}

// Level reports the recorder's level, LevelOff for nil.
func (r *Recorder) Level() Level {
	if r == nil {
		return LevelOff
	}
	return r.level
}

func (r *Recorder) wants(s Scope) bool {
	return r != nil && r.level >= s.minLevel()
}

func (r *Recorder) record(ev Event) {
	ev.Seq = r.seq.Add(1)
	ev.At = time.Since(r.start)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recent != nil {
		r.recent.push(ev)
	}
	if r.out != nil && r.err == nil {
		_, r.err = r.out.Write(encode(&ev, r.format))
	}
}

// Recent returns the buffered events, oldest first.
func (r *Recorder) Recent() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recent == nil {
		return nil
	}
	return r.recent.events()
}

// Dump writes the buffered events as text. It reports whether there was
// anything to write.
func (r *Recorder) Dump(w io.Writer) (bool, error) {
	evs := r.Recent()
	for i := range evs {
		if _, err := w.Write(encode(&evs[i], FormatText)); err != nil {
			return true, err
		}
	}
	return len(evs) > 0, nil
}

// Close flushes the output and closes it when the recorder opened it. The
// first write error, if any, is returned here.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.err
	if r.out != nil {
		if ferr := r.out.Flush(); err == nil {
			err = ferr
		}
		r.out = nil
	}
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
		r.closer = nil
	}
	return err
}

// window is a fixed-size buffer of the latest events.
type window struct {
	buf  []Event
	next int
	full bool
}

func newWindow(n int) *window { return &window{buf: make([]Event, n)} }

func (w *window) push(ev Event) {
	w.buf[w.next] = ev
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
}

func (w *window) events() []Event {
	if !w.full {
		return append([]Event(nil), w.buf[:w.next]...)
	}
	out := make([]Event, 0, len(w.buf))
	out = append(out, w.buf[w.next:]...)
	return append(out, w.buf[:w.next]...)
}
