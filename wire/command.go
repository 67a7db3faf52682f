package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/sarchlab/cosim/vtime"
)

// ControlChannel is the channel carrying session control commands.
const ControlChannel = "ctrl"

// Op is a control command code.
type Op uint32

// Control commands.
const (
	OpTick Op = iota
	OpTock
	OpExit
	OpShutdown
	OpSet
	OpAddBreak
	OpRemBreak
	OpAckBreak
	OpHitBreak
)

var opNames = [...]string{
	"tick", "tock", "exit", "shutdown", "set", "addBreak", "remBreak", "ackBreak", "hitBreak",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint32(o))
}

// BreakKind tells the simulator what to do when a break is reached.
type BreakKind uint8

// Break kinds.
const (
	Hold BreakKind = iota
	Stop
	Finish
)

func (k BreakKind) String() string {
	switch k {
	case Hold:
		return "hold"
	case Stop:
		return "stop"
	case Finish:
		return "finish"
	default:
		return fmt.Sprintf("break(%d)", uint8(k))
	}
}

// LogLevelKey is the set key that changes a simulator log level.
const LogLevelKey = "loglevel"

// Command is a decoded control payload. Only the fields used by Op are
// meaningful.
type Command struct {
	Op Op

	// UID identifies a break (add, rem, ack, hit).
	UID uint32
	// Time is the requested (add), promised (ack), hit (hit) or current
	// (tock) time.
	Time vtime.Time
	// Kind and Relative qualify an added break.
	Kind     BreakKind
	Relative bool

	// Key, Scope and Level carry a set command.
	Key   string
	Scope string
	Level uint32
}

// Message wraps the encoded command into a frame for the control channel.
func (c Command) Message() (Message, error) {
	b, err := c.MarshalBinary()
	if err != nil {
		return Message{}, err
	}
	return Message{Channel: ControlChannel, Payload: b}, nil
}

// MarshalBinary encodes the command payload.
func (c Command) MarshalBinary() ([]byte, error) {
	b := binary.BigEndian.AppendUint32(nil, uint32(c.Op))

	switch c.Op {
	case OpTick, OpExit, OpShutdown:
	case OpTock:
		b = c.Time.Append(b)
	case OpSet:
		b = appendString(b, c.Key)
		if c.Key == LogLevelKey {
			b = appendString(b, c.Scope)
			b = binary.BigEndian.AppendUint32(b, c.Level)
		}
	case OpAddBreak:
		b = binary.BigEndian.AppendUint32(b, c.UID)
		b = c.Time.Append(b)
		b = append(b, byte(c.Kind), boolByte(c.Relative))
	case OpRemBreak:
		b = binary.BigEndian.AppendUint32(b, c.UID)
	case OpAckBreak, OpHitBreak:
		b = binary.BigEndian.AppendUint32(b, c.UID)
		b = c.Time.Append(b)
	default:
		return nil, errors.Wrapf(ErrUnknownCommand, "%s", c.Op)
	}
	return b, nil
}

// ParseCommand decodes a control payload.
func ParseCommand(p []byte) (Command, error) {
	r := reader{buf: p}
	c := Command{Op: Op(r.u32())}

	switch c.Op {
	case OpTick, OpExit, OpShutdown:
	case OpTock:
		c.Time = r.time()
	case OpSet:
		c.Key = r.str()
		if c.Key == LogLevelKey {
			c.Scope = r.str()
			c.Level = r.u32()
		}
	case OpAddBreak:
		c.UID = r.u32()
		c.Time = r.time()
		c.Kind = BreakKind(r.u8())
		c.Relative = r.u8() != 0
	case OpRemBreak:
		c.UID = r.u32()
	case OpAckBreak, OpHitBreak:
		c.UID = r.u32()
		c.Time = r.time()
	default:
		if r.err == nil {
			return c, errors.Wrapf(ErrUnknownCommand, "code %d", uint32(c.Op))
		}
	}

	if r.err != nil {
		return c, errors.Wrapf(r.err, "parse %s", c.Op)
	}
	return c, nil
}

func (c Command) String() string {
	switch c.Op {
	case OpTock:
		return fmt.Sprintf("%s(%s)", c.Op, c.Time)
	case OpAddBreak:
		return fmt.Sprintf("%s(%d,%s,%s,rel=%t)", c.Op, c.UID, c.Time, c.Kind, c.Relative)
	case OpRemBreak:
		return fmt.Sprintf("%s(%d)", c.Op, c.UID)
	case OpAckBreak, OpHitBreak:
		return fmt.Sprintf("%s(%d,%s)", c.Op, c.UID, c.Time)
	case OpSet:
		return fmt.Sprintf("%s(%s)", c.Op, c.Key)
	default:
		return c.Op.String()
	}
}

// appendString writes s as a length-prefixed NUL terminated string. The
// length counts the terminator.
func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(s)+1))
	b = append(b, s...)
	return append(b, 0)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// reader consumes a payload and remembers the first short read.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = errors.Wrapf(ErrShortFrame, "need %d more bytes, have %d", n, len(r.buf))
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) time() vtime.Time {
	b := r.take(vtime.EncodedSize)
	if b == nil {
		return vtime.Time{}
	}
	t, err := vtime.Decode(b)
	if err != nil {
		r.err = err
	}
	return t
}

func (r *reader) str() string {
	n := int(r.u32())
	b := r.take(n)
	if b == nil {
		return ""
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
