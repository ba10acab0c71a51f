package trace

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

func encode(ev *Event, f Format) []byte {
	if f == FormatNDJSON {
		return encodeJSON(ev)
	}
	return encodeText(ev)
}

type jsonEvent struct {
	Seq       uint64            `json:"seq"`
	AtMicros  int64             `json:"at_us"`
	Kind      string            `json:"kind"`
	Scope     string            `json:"scope"`
	Span      uint64            `json:"span,omitempty"`
	Parent    uint64            `json:"parent,omitempty"`
	Name      string            `json:"name"`
	ElapsedUS int64             `json:"elapsed_us,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

func encodeJSON(ev *Event) []byte {
	j := jsonEvent{
		Seq:       ev.Seq,
		AtMicros:  ev.At.Microseconds(),
		Kind:      ev.Kind.String(),
		Scope:     ev.Scope.String(),
		Span:      ev.Span,
		Parent:    ev.Parent,
		Name:      ev.Name,
		ElapsedUS: ev.Elapsed.Microseconds(),
	}
	if len(ev.Attrs) > 0 {
		j.Attrs = make(map[string]string, len(ev.Attrs))
		for _, a := range ev.Attrs {
			j.Attrs[a.Key] = a.Value
		}
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil
	}
	return append(data, '\n')
}

// encodeText renders one line:
//
//	+   1.204ms pass      > reference-safety
//	+   3.871ms function    < 0x1::coin::mint 212µs errors=1
func encodeText(ev *Event) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "+%9.3fms %-8s ", float64(ev.At.Microseconds())/1000, ev.Scope)
	sb.WriteString(strings.Repeat("  ", ev.Depth))
	switch ev.Kind {
	case KindBegin:
		sb.WriteString("> ")
	case KindEnd:
		sb.WriteString("< ")
	default:
		sb.WriteString("* ")
	}
	sb.WriteString(ev.Name)
	if ev.Kind == KindEnd {
		sb.WriteByte(' ')
		sb.WriteString(ev.Elapsed.Round(time.Microsecond).String())
	}
	for _, a := range ev.Attrs {
		sb.WriteByte(' ')
		sb.WriteString(a.Key)
		sb.WriteByte('=')
		sb.WriteString(a.Value)
	}
	sb.WriteByte('\n')
	return []byte(sb.String())
}
