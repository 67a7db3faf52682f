package signal

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/sarchlab/cosim/vtime"
)

// Change is a value observed or driven at a point in simulated time. Sync is
// false for values that were held over rather than freshly driven.
type Change struct {
	Value any
	Time  vtime.Time
	Sync  bool
}

// NewChange returns a synchronous change of v at t.
func NewChange(v any, t vtime.Time) Change {
	return Change{Value: v, Time: t, Sync: true}
}

// Shifted returns c moved later by d.
func (c Change) Shifted(d vtime.Time) Change {
	c.Time = c.Time.Add(d)
	return c
}

// At returns c moved to t.
func (c Change) At(t vtime.Time) Change {
	if err := vtime.Compatible(c.Time, t); err != nil {
		panic(err)
	}
	c.Time = t
	return c
}

func (c Change) String() string {
	async := ""
	if !c.Sync {
		async = "a"
	}
	return fmt.Sprintf("Change(%v@%s%s)", c.Value, c.Time, async)
}

// AppendBinary appends the wire encoding of c: the time, a sync byte and the
// encoding of the value. The value has to be Bits.
func (c Change) AppendBinary(out []byte) ([]byte, error) {
	bits, ok := c.Value.(Bits)
	if !ok {
		return nil, errors.Errorf("signal: cannot encode %T value of %s", c.Value, c)
	}

	out = c.Time.Append(out)
	sync := byte(0)
	if c.Sync {
		sync = 1
	}
	out = append(out, sync)
	return bits.AppendBinary(out)
}

// DecodeChange reads a wire encoded Change carrying Bits.
func DecodeChange(raw []byte) (Change, error) {
	t, err := vtime.Decode(raw)
	if err != nil {
		return Change{}, errors.Wrap(err, "signal: change time")
	}
	if len(raw) < vtime.EncodedSize+1 {
		return Change{}, errors.New("signal: change sync flag missing")
	}

	bits, _, err := DecodeBits(raw[vtime.EncodedSize+1:])
	if err != nil {
		return Change{}, errors.Wrap(err, "signal: change value")
	}
	return Change{Value: bits, Time: t, Sync: raw[vtime.EncodedSize] != 0}, nil
}
