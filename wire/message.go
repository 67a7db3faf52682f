// Package wire implements the framing and the control command payloads spoken
// between the host and the simulator. All integers are big-endian.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// HeaderSize is the fixed part of a frame: total length and channel name
// length.
const HeaderSize = 8

// MaxFrameSize bounds the accepted frame length.
const MaxFrameSize = 1 << 20

var (
	// ErrShortFrame reports a frame whose length fields do not add up.
	ErrShortFrame = errors.New("wire: short frame")

	// ErrUnknownCommand reports a control payload with an unknown command
	// code.
	ErrUnknownCommand = errors.New("wire: unknown command")
)

// Message is one frame: a payload addressed to a named channel.
type Message struct {
	Channel string
	Payload []byte
}

// Len returns the encoded length of m.
func (m Message) Len() int {
	return HeaderSize + len(m.Channel) + len(m.Payload)
}

// AppendBinary appends the frame of m to b.
func (m Message) AppendBinary(b []byte) ([]byte, error) {
	if m.Len() > MaxFrameSize {
		return nil, errors.Errorf("wire: message of %d bytes exceeds %d", m.Len(), MaxFrameSize)
	}
	b = binary.BigEndian.AppendUint32(b, uint32(m.Len()))
	b = binary.BigEndian.AppendUint32(b, uint32(len(m.Channel)))
	b = append(b, m.Channel...)
	return append(b, m.Payload...), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m Message) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, m.Len()))
}

func (m Message) String() string {
	return fmt.Sprintf("Message(%s,%d bytes)", m.Channel, len(m.Payload))
}

// DecodeMessage decodes a complete frame including its length prefix.
func DecodeMessage(frame []byte) (Message, error) {
	if len(frame) < HeaderSize {
		return Message{}, errors.Wrapf(ErrShortFrame, "%d bytes", len(frame))
	}

	total := int(binary.BigEndian.Uint32(frame))
	nameLen := int(binary.BigEndian.Uint32(frame[4:]))
	if total != len(frame) || HeaderSize+nameLen > total {
		return Message{}, errors.Wrapf(ErrShortFrame,
			"total %d, name %d, have %d bytes", total, nameLen, len(frame))
	}

	payload := make([]byte, total-HeaderSize-nameLen)
	copy(payload, frame[HeaderSize+nameLen:])
	return Message{
		Channel: string(frame[HeaderSize : HeaderSize+nameLen]),
		Payload: payload,
	}, nil
}

// ReadMessage reads exactly one frame from r.
func ReadMessage(r io.Reader) (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Message{}, err
	}

	total := int(binary.BigEndian.Uint32(prefix[:]))
	if total < HeaderSize || total > MaxFrameSize {
		return Message{}, errors.Wrapf(ErrShortFrame, "frame length %d", total)
	}

	frame := make([]byte, total)
	copy(frame, prefix[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return Message{}, errors.Wrap(err, "wire: truncated frame")
	}
	return DecodeMessage(frame)
}

// WriteMessage writes the frame of m to w in a single write.
func WriteMessage(w io.Writer, m Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
