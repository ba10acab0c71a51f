// Package trace records nested spans for driver stages, pipeline passes and
// the per-function work inside them.
//
// A Recorder is attached to a context with WithRecorder; Start and Point
// read it back. A nil Recorder records nothing, so instrumented code never
// checks whether tracing is on.
//
//	movec build --trace=- --trace-level=function env.mpk
package trace

import (
	"fmt"
	"strings"
	"time"
)

// Level selects how much is recorded.
type Level uint8

const (
	LevelOff      Level = iota
	LevelPass           // driver stages and whole passes
	LevelFunction       // plus one span per function inside a pass
	LevelDetail         // plus fixpoint rounds and other inner steps
)

var levelNames = [...]string{"off", "pass", "function", "detail"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", l)
}

// ParseLevel converts a flag value to a Level.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	return LevelOff, fmt.Errorf("invalid trace level %q (want %s)", s, strings.Join(levelNames[:], "|"))
}

// Scope is what a span covers. Each scope needs a minimum Level.
type Scope uint8

const (
	ScopeDriver Scope = iota
	ScopePass
	ScopeFunction
	ScopeDetail
)

var scopeNames = [...]string{"driver", "pass", "function", "detail"}

func (s Scope) String() string {
	if int(s) < len(scopeNames) {
		return scopeNames[s]
	}
	return fmt.Sprintf("scope(%d)", s)
}

func (s Scope) minLevel() Level {
	switch s {
	case ScopeDriver, ScopePass:
		return LevelPass
	case ScopeFunction:
		return LevelFunction
	default:
		return LevelDetail
	}
}

// Kind tells span boundaries from instant events.
type Kind uint8

const (
	KindBegin Kind = iota
	KindEnd
	KindPoint
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "begin"
	case KindEnd:
		return "end"
	default:
		return "point"
	}
}

// Attr is one key/value pair carried by an event. Attributes keep the order
// they were added in.
type Attr struct {
	Key   string
	Value string
}

// A is shorthand for building an Attr from any value.
func A(key string, value any) Attr {
	return Attr{Key: key, Value: fmt.Sprint(value)}
}

// Event is one recorded trace entry.
type Event struct {
	Seq     uint64
	At      time.Duration // since the recorder was created
	Kind    Kind
	Scope   Scope
	Span    uint64
	Parent  uint64
	Depth   int
	Name    string
	Elapsed time.Duration // KindEnd only
	Attrs   []Attr
}
