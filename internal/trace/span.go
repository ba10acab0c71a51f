package trace

import (
	"context"
	"time"
)

type recorderKey struct{}
type spanKey struct{}

// WithRecorder attaches r to ctx.
func WithRecorder(ctx context.Context, r *Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// FromContext returns the recorder attached to ctx, or nil.
func FromContext(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey{}).(*Recorder)
	return r
}

// Span is an open interval of work. A nil Span is valid and records
// nothing.
type Span struct {
	rec    *Recorder
	id     uint64
	parent uint64
	depth  int
	scope  Scope
	name   string
	start  time.Time
	attrs  []Attr
}

func current(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

// Start opens a span under the span already in ctx and returns a context
// carrying the new one. When the recorder's level excludes scope, ctx is
// returned unchanged with a nil span.
func Start(ctx context.Context, scope Scope, name string) (context.Context, *Span) {
	r := FromContext(ctx)
	if !r.wants(scope) {
		return ctx, nil
	}
	s := &Span{rec: r, id: r.ids.Add(1), scope: scope, name: name, start: time.Now()}
	if p := current(ctx); p != nil {
		s.parent = p.id
		s.depth = p.depth + 1
	}
	r.record(Event{Kind: KindBegin, Scope: scope, Span: s.id, Parent: s.parent, Depth: s.depth, Name: name})
	return context.WithValue(ctx, spanKey{}, s), s
}

// Set adds an attribute reported when the span ends.
func (s *Span) Set(key string, value any) *Span {
	if s != nil {
		s.attrs = append(s.attrs, A(key, value))
	}
	return s
}

// End closes the span. Calling End more than once records one end event.
func (s *Span) End() {
	if s == nil || s.rec == nil {
		return
	}
	s.rec.record(Event{
		Kind:    KindEnd,
		Scope:   s.scope,
		Span:    s.id,
		Parent:  s.parent,
		Depth:   s.depth,
		Name:    s.name,
		Elapsed: time.Since(s.start),
		Attrs:   s.attrs,
	})
	s.rec = nil
}

// Point records an instant event under the span in ctx.
func Point(ctx context.Context, scope Scope, name string, attrs ...Attr) {
	r := FromContext(ctx)
	if !r.wants(scope) {
		return
	}
	ev := Event{Kind: KindPoint, Scope: scope, Name: name, Attrs: attrs}
	if p := current(ctx); p != nil {
		ev.Parent = p.id
		ev.Depth = p.depth + 1
	}
	r.record(ev)
}
