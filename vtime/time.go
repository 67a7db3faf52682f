// Package vtime models simulated time.
//
// A Time lives in exactly one of two domains. Period time counts picoseconds
// of simulated wall-clock time, Cycle time counts discrete clock cycles. The
// two never mix: arithmetic or comparison across domains panics with a
// *DomainError, and Compatible lets callers check beforehand.
package vtime

import (
	"fmt"
	"iter"

	"github.com/pkg/errors"
)

// Domain tags the unit a Time is counted in.
type Domain uint8

// Domains. The values double as the wire tag.
const (
	Period Domain = 0
	Cycle  Domain = 1
)

func (d Domain) String() string {
	switch d {
	case Period:
		return "period"
	case Cycle:
		return "cycle"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

// Period units in picoseconds.
const (
	PSec int64 = 1
	NSec       = 1000 * PSec
	USec       = 1000 * NSec
	MSec       = 1000 * USec
	Sec        = 1000 * MSec
)

// Frequency multipliers.
const (
	Kilo int64 = 1000
	Mega       = 1000 * Kilo
	Giga       = 1000 * Mega
)

// ErrDomainMismatch reports two times from different domains meeting in one
// operation.
var ErrDomainMismatch = errors.New("vtime: domain mismatch")

// DomainError is the panic value of cross-domain arithmetic and comparison.
type DomainError struct {
	Op   string
	A, B Domain
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("vtime: cannot %s %s and %s time", e.Op, e.A, e.B)
}

// Unwrap lets errors.Is match ErrDomainMismatch.
func (e *DomainError) Unwrap() error { return ErrDomainMismatch }

// Time is a point or span of simulated time. The zero value is zero Period
// time.
type Time struct {
	domain Domain
	value  int64
}

// Picos returns a Period time of ps picoseconds.
func Picos(ps int64) Time { return Time{domain: Period, value: ps} }

// Cycles returns a Cycle time of n cycles.
func Cycles(n int64) Time { return Time{domain: Cycle, value: n} }

// New returns a time of value units in domain d.
func New(d Domain, value int64) Time { return Time{domain: d, value: value} }

// Zero returns the zero time of domain d.
func Zero(d Domain) Time { return Time{domain: d} }

// FromFreq returns the period of a clock running at hz.
func FromFreq(hz int64) Time { return Picos(Sec / hz) }

// Domain returns the domain of t.
func (t Time) Domain() Domain { return t.domain }

// Value returns the raw count of t in its domain's unit.
func (t Time) Value() int64 { return t.value }

// IsPeriod reports whether t is Period time.
func (t Time) IsPeriod() bool { return t.domain == Period }

// IsCycle reports whether t is Cycle time.
func (t Time) IsCycle() bool { return t.domain == Cycle }

// IsZero reports whether t counts zero units.
func (t Time) IsZero() bool { return t.value == 0 }

// Freq returns the frequency in Hz of a clock with period t.
func (t Time) Freq() int64 {
	t.must("take frequency of", Period)
	return Sec / t.value
}

// Compatible returns an error wrapping ErrDomainMismatch unless a and b share
// a domain.
func Compatible(a, b Time) error {
	if a.domain != b.domain {
		return errors.WithStack(&DomainError{Op: "combine", A: a.domain, B: b.domain})
	}
	return nil
}

// Add returns t+u.
func (t Time) Add(u Time) Time {
	t.same("add", u)
	return Time{t.domain, t.value + u.value}
}

// Sub returns t-u.
func (t Time) Sub(u Time) Time {
	t.same("subtract", u)
	return Time{t.domain, t.value - u.value}
}

// Mul scales t by n, keeping the domain.
func (t Time) Mul(n int64) Time { return Time{t.domain, t.value * n} }

// Div divides t by n, keeping the domain.
func (t Time) Div(n int64) Time { return Time{t.domain, t.value / n} }

// Ratio divides two Period times and returns how many u fit into t as Cycle
// time.
func (t Time) Ratio(u Time) Time {
	t.must("divide", Period)
	u.must("divide", Period)
	return Cycles(t.value / u.value)
}

// Product multiplies a Cycle count with a Period, in either order, and
// returns Period time.
func (t Time) Product(u Time) Time {
	if t.domain == u.domain {
		panic(&DomainError{Op: "multiply", A: t.domain, B: u.domain})
	}
	return Picos(t.value * u.value)
}

// Cmp returns -1, 0 or +1 as t is before, equal to or after u.
func (t Time) Cmp(u Time) int {
	t.same("compare", u)
	switch {
	case t.value < u.value:
		return -1
	case t.value > u.value:
		return 1
	default:
		return 0
	}
}

// Before reports t < u.
func (t Time) Before(u Time) bool { return t.Cmp(u) < 0 }

// After reports t > u.
func (t Time) After(u Time) bool { return t.Cmp(u) > 0 }

// Equal reports t == u. Unlike ==, it panics across domains.
func (t Time) Equal(u Time) bool { return t.Cmp(u) == 0 }

// Max returns the later of a and b.
func Max(a, b Time) Time {
	if a.Before(b) {
		return b
	}
	return a
}

// Min returns the earlier of a and b.
func Min(a, b Time) Time {
	if b.Before(a) {
		return b
	}
	return a
}

// Metronome yields start, start+step, start+2*step, ... up to and including
// end. A zero end never stops.
func Metronome(step, start, end Time) iter.Seq[Time] {
	step.same("step", start)
	bounded := !end.IsZero()
	if bounded {
		step.same("bound", end)
	}

	return func(yield func(Time) bool) {
		for curr := start; !bounded || !curr.After(end); curr = curr.Add(step) {
			if !yield(curr) {
				return
			}
		}
	}
}

func (t Time) same(op string, u Time) {
	if t.domain != u.domain {
		panic(&DomainError{Op: op, A: t.domain, B: u.domain})
	}
}

func (t Time) must(op string, d Domain) {
	if t.domain != d {
		panic(&DomainError{Op: op, A: t.domain, B: d})
	}
}
