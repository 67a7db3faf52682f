// Package signal holds the values that travel over simulator signal channels:
// nine-valued logic, bit vectors built from it, and timestamped changes.
package signal

import (
	"fmt"

	"github.com/pkg/errors"
)

// L9 is a nine-valued logic level. The numeric values are the wire codes.
type L9 uint8

// Logic levels.
const (
	L0 L9 = 0x0 // forced 0
	L1 L9 = 0x1 // forced 1
	Z  L9 = 0x2 // high impedance
	X  L9 = 0x3 // forced unknown
	L  L9 = 0x4 // weak 0
	H  L9 = 0x5 // weak 1
	Y  L9 = 0x6 // weak unknown
	U  L9 = 0xA // uninitialized
	D  L9 = 0xE // don't care
)

// ErrIndeterminate reports a logic value that is neither 0 nor 1 where a
// number was required.
var ErrIndeterminate = errors.New("signal: indeterminate value")

var l9Chars = map[L9]byte{
	L0: '0', L1: '1', Z: 'Z', X: 'X', L: 'L', H: 'H', Y: 'Y', U: 'U', D: 'D',
}

var l9VCD = map[L9]byte{
	L0: '0', L1: '1', Z: 'z', X: 'x', L: '0', H: '1', Y: 'x', U: 'z', D: 'z',
}

// ParseL9 returns the level written as c. Lower case letters are accepted.
func ParseL9(c byte) (L9, error) {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	for v, ch := range l9Chars {
		if ch == c {
			return v, nil
		}
	}
	return 0, errors.Errorf("signal: no logic level %q", c)
}

// Valid reports whether v is one of the nine levels.
func (v L9) Valid() bool {
	_, ok := l9Chars[v]
	return ok
}

// Pure reports whether v is a forced 0 or 1.
func (v L9) Pure() bool { return v == L0 || v == L1 }

// Int returns 0 or 1, or ErrIndeterminate for any other level.
func (v L9) Int() (int, error) {
	if !v.Pure() {
		return 0, errors.Wrapf(ErrIndeterminate, "level %s", v)
	}
	return int(v), nil
}

// Char returns the single character name of v.
func (v L9) Char() byte {
	if c, ok := l9Chars[v]; ok {
		return c
	}
	return '?'
}

// VCD returns the four-state VCD character of v.
func (v L9) VCD() byte {
	if c, ok := l9VCD[v]; ok {
		return c
	}
	return 'x'
}

func (v L9) String() string {
	if !v.Valid() {
		return fmt.Sprintf("L9(%#x)", uint8(v))
	}
	return string(v.Char())
}

// Edge selects which transitions of a signal are of interest.
type Edge uint8

// Edges.
const (
	NegEdge Edge = iota
	PosEdge
	AnyEdge
)

func (e Edge) String() string {
	switch e {
	case NegEdge:
		return "neg"
	case PosEdge:
		return "pos"
	default:
		return "any"
	}
}

// Matches reports whether the transition from prev to next is an edge of
// kind e.
func (e Edge) Matches(prev, next L9) bool {
	rising := prev == L0 && next == L1
	falling := prev == L1 && next == L0
	switch e {
	case PosEdge:
		return rising
	case NegEdge:
		return falling
	default:
		return rising || falling
	}
}
