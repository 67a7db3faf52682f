package vtime

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// EncodedSize is the length of a binary encoded Time.
const EncodedSize = 9

// Append appends the 9-byte encoding of t to b: the value as a big-endian
// 64-bit integer followed by the domain tag.
func (t Time) Append(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(t.value))
	return append(b, byte(t.domain))
}

// AppendBinary implements encoding.BinaryAppender. It never fails.
func (t Time) AppendBinary(b []byte) ([]byte, error) {
	return t.Append(b), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (t Time) MarshalBinary() ([]byte, error) {
	return t.Append(make([]byte, 0, EncodedSize)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (t *Time) UnmarshalBinary(b []byte) error {
	v, err := Decode(b)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Bytes returns the 9-byte encoding of t.
func (t Time) Bytes() []byte {
	return t.Append(make([]byte, 0, EncodedSize))
}

// Decode reads a Time from the first 9 bytes of b.
func Decode(b []byte) (Time, error) {
	if len(b) < EncodedSize {
		return Time{}, errors.Errorf("vtime: need %d bytes, got %d", EncodedSize, len(b))
	}

	d := Domain(b[8])
	if d != Period && d != Cycle {
		return Time{}, errors.Errorf("vtime: unknown domain tag %d", b[8])
	}
	return Time{domain: d, value: int64(binary.BigEndian.Uint64(b))}, nil
}
