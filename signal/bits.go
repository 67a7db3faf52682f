package signal

import (
	"encoding/binary"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Bits is an immutable vector of logic levels. Index 0 is the least
// significant bit. Bits values are comparable with ==.
type Bits struct {
	v string
}

var literalRe = regexp.MustCompile(`^(\d+)'([hdob])([0-9a-fA-FxzXZhlyuHLYUD_]+)$`)

// FromUint returns the width low bits of n.
func FromUint(n uint64, width int) Bits {
	b := make([]byte, width)
	for i := range b {
		if i < 64 {
			b[i] = byte((n >> i) & 1)
		}
	}
	return Bits{v: string(b)}
}

// Fill returns width copies of v.
func Fill(v L9, width int) Bits {
	return Bits{v: strings.Repeat(string([]byte{byte(v)}), width)}
}

// FromLevels builds a vector from levels given least significant first.
func FromLevels(levels ...L9) Bits {
	b := make([]byte, len(levels))
	for i, l := range levels {
		b[i] = byte(l)
	}
	return Bits{v: string(b)}
}

// FromBinary reads width bits from raw big-endian bytes. A width of zero
// takes 8 bits per byte.
func FromBinary(raw []byte, width int) Bits {
	if width == 0 {
		width = 8 * len(raw)
	}
	n := new(big.Int).SetBytes(raw)
	b := make([]byte, width)
	for i := range b {
		b[i] = byte(n.Bit(i))
	}
	return Bits{v: string(b)}
}

// ParseBits reads a Verilog style literal such as 16'h1234, 8'd200 or
// 4'b10xz. Literals with non-numeric levels are only accepted in binary;
// a short binary literal is extended with its leftmost level when that is
// X or Z, and with 0 otherwise.
func ParseBits(s string) (Bits, error) {
	m := literalRe.FindStringSubmatch(s)
	if m == nil {
		return Bits{}, errors.Errorf("signal: malformed bit literal %q", s)
	}
	width, err := strconv.Atoi(m[1])
	if err != nil {
		return Bits{}, errors.Wrapf(err, "signal: bit literal %q", s)
	}
	base := map[string]int{"h": 16, "d": 10, "o": 8, "b": 2}[m[2]]
	raw := strings.ReplaceAll(m[3], "_", "")

	if n, ok := new(big.Int).SetString(raw, base); ok {
		b := make([]byte, width)
		for i := range b {
			b[i] = byte(n.Bit(i))
		}
		return Bits{v: string(b)}, nil
	}

	if base != 2 {
		return Bits{}, errors.Errorf("signal: non-numeric digits in %q need binary base", s)
	}

	levels := make([]byte, width)
	pad := L0
	if first, err := ParseL9(raw[0]); err == nil && (first == X || first == Z) {
		pad = first
	}
	for i := range levels {
		if i >= len(raw) {
			levels[i] = byte(pad)
			continue
		}
		l, err := ParseL9(raw[len(raw)-1-i])
		if err != nil {
			return Bits{}, errors.Wrapf(err, "signal: bit literal %q", s)
		}
		levels[i] = byte(l)
	}
	return Bits{v: string(levels)}, nil
}

// MustParseBits is like ParseBits but panics on error.
func MustParseBits(s string) Bits {
	b, err := ParseBits(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Len returns the number of bits.
func (b Bits) Len() int { return len(b.v) }

// At returns bit i.
func (b Bits) At(i int) L9 { return L9(b.v[i]) }

// Levels returns the levels least significant first.
func (b Bits) Levels() []L9 {
	out := make([]L9, len(b.v))
	for i := range out {
		out[i] = L9(b.v[i])
	}
	return out
}

// Slice returns bits [lo, hi).
func (b Bits) Slice(lo, hi int) Bits { return Bits{v: b.v[lo:hi]} }

// Concat returns b as the low part and hi as the high part of a wider
// vector.
func (b Bits) Concat(hi Bits) Bits { return Bits{v: b.v + hi.v} }

// Pure reports whether every bit is 0 or 1.
func (b Bits) Pure() bool {
	for i := 0; i < len(b.v); i++ {
		if !L9(b.v[i]).Pure() {
			return false
		}
	}
	return true
}

// Uint returns the vector as an unsigned number. It fails with
// ErrIndeterminate if any bit is neither 0 nor 1.
func (b Bits) Uint() (uint64, error) {
	if len(b.v) > 64 {
		return 0, errors.Errorf("signal: %d bits do not fit into uint64", len(b.v))
	}
	var n uint64
	for i := len(b.v) - 1; i >= 0; i-- {
		bit, err := L9(b.v[i]).Int()
		if err != nil {
			return 0, errors.Wrapf(ErrIndeterminate, "%s", b)
		}
		n = n<<1 | uint64(bit)
	}
	return n, nil
}

// UintOr returns the vector as an unsigned number, or fallback if it is not
// representable.
func (b Bits) UintOr(fallback uint64) uint64 {
	n, err := b.Uint()
	if err != nil {
		return fallback
	}
	return n
}

// Binary packs the vector into big-endian bytes with one bit per bit. Weak
// levels are reduced to their low bit. The vector is zero-extended to whole
// bytes.
func (b Bits) Binary() []byte {
	n := new(big.Int)
	for i := len(b.v) - 1; i >= 0; i-- {
		n.Lsh(n, 1)
		n.SetBit(n, 0, uint(b.v[i]&1))
	}
	out := make([]byte, (len(b.v)+7)/8)
	return n.FillBytes(out)
}

// Equal reports whether b and o hold the same levels.
func (b Bits) Equal(o Bits) bool { return b.v == o.v }

// Match compares like Equal but treats D on either side as matching
// anything.
func (b Bits) Match(o Bits) bool {
	if len(b.v) != len(o.v) {
		return false
	}
	for i := 0; i < len(b.v); i++ {
		l, r := L9(b.v[i]), L9(o.v[i])
		if l != r && l != D && r != D {
			return false
		}
	}
	return true
}

// Chars renders the vector most significant bit first, without a width
// prefix.
func (b Bits) Chars() string {
	var sb strings.Builder
	for i := len(b.v) - 1; i >= 0; i-- {
		sb.WriteByte(L9(b.v[i]).Char())
	}
	return sb.String()
}

// VCD renders the vector in VCD value syntax.
func (b Bits) VCD() string {
	var sb strings.Builder
	for i := len(b.v) - 1; i >= 0; i-- {
		sb.WriteByte(L9(b.v[i]).VCD())
	}
	return sb.String()
}

func (b Bits) String() string {
	return strconv.Itoa(len(b.v)) + "'b" + b.Chars()
}

// AppendBinary appends the wire encoding of b: a big-endian 16-bit width
// followed by the levels packed two per byte, most significant first. Within a
// byte the even bit sits in the low nibble.
func (b Bits) AppendBinary(out []byte) ([]byte, error) {
	s := len(b.v)
	if s > 0xFFFF {
		return nil, errors.Errorf("signal: %d bits exceed the wire limit", s)
	}
	out = binary.BigEndian.AppendUint16(out, uint16(s))
	pack := make([]byte, (s+1)/2)
	for i := 0; i < s; i++ {
		idx := (s-1)/2 - i/2
		v := b.v[i] & 0xF
		if i%2 == 1 {
			v <<= 4
		}
		pack[idx] |= v
	}
	return append(out, pack...), nil
}

// EncodedLen returns the length of the wire encoding of b.
func (b Bits) EncodedLen() int { return 2 + (len(b.v)+1)/2 }

// DecodeBits reads a wire encoded vector from the front of raw and returns it
// with the number of bytes consumed.
func DecodeBits(raw []byte) (Bits, int, error) {
	if len(raw) < 2 {
		return Bits{}, 0, errors.New("signal: bit vector header truncated")
	}
	s := int(binary.BigEndian.Uint16(raw))
	n := 2 + (s+1)/2
	if len(raw) < n {
		return Bits{}, 0, errors.Errorf("signal: bit vector needs %d bytes, got %d", n, len(raw))
	}

	levels := make([]byte, s)
	for i := 0; i < s; i++ {
		v := raw[2+(s-1)/2-i/2]
		if i%2 == 1 {
			v >>= 4
		}
		l := L9(v & 0xF)
		if !l.Valid() {
			return Bits{}, 0, errors.Errorf("signal: invalid level code %#x at bit %d", uint8(l), i)
		}
		levels[i] = byte(l)
	}
	return Bits{v: string(levels)}, n, nil
}
