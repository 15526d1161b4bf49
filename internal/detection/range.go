// Package detection gates discovered files on numeric ranges.
//
// Libraries configure three independent ranges (creation age, write age, and
// file size); all three share the same five-way match semantics, so the
// evaluation lives here once.
package detection

import "strings"

// Kind selects how a Range compares a value against its bounds.
type Kind string

const (
	Any         Kind = "any"
	GreaterThan Kind = "greater_than"
	LessThan    Kind = "less_than"
	Between     Kind = "between"
	NotBetween  Kind = "not_between"
)

// ParseKind normalizes a configured kind string. Unknown values fall back to
// Any so a typo never blocks a whole library.
func ParseKind(value string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case GreaterThan:
		return GreaterThan
	case LessThan:
		return LessThan
	case Between:
		return Between
	case NotBetween:
		return NotBetween
	default:
		return Any
	}
}

// Range is a numeric detection gate. Low and High carry the bounds for the
// comparisons that need them; units are defined by the caller (minutes for
// age ranges, bytes for size).
type Range struct {
	Kind Kind
	Low  int64
	High int64
}

// Matches reports whether value passes the gate.
func (r Range) Matches(value int64) bool {
	switch r.Kind {
	case GreaterThan:
		return value > r.Low
	case LessThan:
		return value < r.Low
	case Between:
		return value >= r.Low && value <= r.High
	case NotBetween:
		return value < r.Low || value > r.High
	default:
		return true
	}
}
