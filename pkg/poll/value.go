// Package poll moves instrument readings from background samplers to the
// scheduler through single-slot mailboxes. Consumers always see the most
// recent complete sample; stale intermediates are overwritten, never queued.
package poll

import (
	"strconv"
	"time"
)

type kind uint8

const (
	// the zero kind is invalid, so a Fields map miss never reads as a
	// real zero
	kindInvalid kind = iota
	kindNum
	kindStr
	kindBool
)

// Value is one instrument reading: a number, a string, or a flag. The zero
// Value is no reading at all: Float and Flag report absence.
type Value struct {
	k kind
	n float64
	s string
	b bool
}

// Num wraps a numeric reading.
func Num(v float64) Value { return Value{k: kindNum, n: v} }

// Str wraps a text reading.
func Str(v string) Value { return Value{k: kindStr, s: v} }

// Bool wraps a flag reading.
func Bool(v bool) Value { return Value{k: kindBool, b: v} }

// Float returns the numeric value, and whether the Value is numeric.
func (v Value) Float() (float64, bool) {
	return v.n, v.k == kindNum
}

// Flag returns the boolean value, and whether the Value is a flag.
func (v Value) Flag() (bool, bool) {
	return v.b, v.k == kindBool
}

// String renders the value for log output.
func (v Value) String() string {
	switch v.k {
	case kindNum:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case kindBool:
		if v.b {
			return "1"
		}
		return "0"
	default:
		return v.s
	}
}

// Equal reports whether two values are the same kind and content.
func (v Value) Equal(o Value) bool { return v == o }

// Fields is one named set of readings from a single sampler pass.
type Fields map[string]Value

// Merge copies o's entries into f, overwriting duplicates.
func (f Fields) Merge(o Fields) {
	for k, v := range o {
		f[k] = v
	}
}

// Clone returns an independent copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Sample is a timestamped set of fields.
type Sample struct {
	At     time.Time
	Fields Fields
}
