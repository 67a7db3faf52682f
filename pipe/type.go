// Package pipe implements the typed port graph.
//
// Items own sockets. A sender socket is connected to exactly one receiver
// socket through a Gate, a single-slot rendezvous channel. Sockets carry a
// Type descriptor whose unset fields act as wildcards; the descriptor is
// narrowed by every value that passes through the socket.
package pipe

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrTypeMismatch is returned when a value does not match the type a
	// socket has settled on.
	ErrTypeMismatch = errors.New("pipe: type mismatch")

	// ErrNothingConnected is returned by Connect when no socket pair could be
	// bound.
	ErrNothingConnected = errors.New("pipe: nothing connected")
)

// ContractError is the panic value for misuse of the port graph, such as
// sending on a receiver or binding a socket twice.
type ContractError struct {
	Socket string
	Msg    string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("pipe: %s: %s", e.Socket, e.Msg)
}

// Type describes the values carried by a socket. Zero fields match anything.
type Type struct {
	Payload reflect.Type
	Name    string
	Extra   any
}

// Namer is implemented by values that refine their Type with a name.
type Namer interface {
	TypeName() string
}

// Extraer is implemented by values that refine their Type with extra data,
// for example a bus width.
type Extraer interface {
	TypeExtra() any
}

// Any matches every value.
var Any = Type{}

// TypeOf returns the Type of values of T. Interface types leave the payload
// unset.
func TypeOf[T any]() Type {
	rt := reflect.TypeFor[T]()
	if rt.Kind() == reflect.Interface {
		return Type{}
	}
	return Type{Payload: rt}
}

// Named returns t with its name set.
func (t Type) Named(name string) Type {
	t.Name = name
	return t
}

// WithExtra returns t with its extra data set.
func (t Type) WithExtra(extra any) Type {
	t.Extra = extra
	return t
}

// TypeOfValue returns the Type observed on v.
func TypeOfValue(v any) Type {
	t := Type{Payload: reflect.TypeOf(v)}
	if n, ok := v.(Namer); ok {
		t.Name = n.TypeName()
	}
	if e, ok := v.(Extraer); ok {
		t.Extra = e.TypeExtra()
	}
	return t
}

// Match reports whether every field of t equals the one of o or is unset on
// either side.
func (t Type) Match(o Type) bool {
	if t.Payload != nil && o.Payload != nil && t.Payload != o.Payload {
		return false
	}
	if t.Name != "" && o.Name != "" && t.Name != o.Name {
		return false
	}
	if t.Extra != nil && o.Extra != nil && !reflect.DeepEqual(t.Extra, o.Extra) {
		return false
	}
	return true
}

// Update copies the set fields of o into t.
func (t *Type) Update(o Type) {
	if o.Payload != nil {
		t.Payload = o.Payload
	}
	if o.Name != "" {
		t.Name = o.Name
	}
	if o.Extra != nil {
		t.Extra = o.Extra
	}
}

func (t Type) String() string {
	args := []string{"*"}
	if t.Payload != nil {
		args[0] = t.Payload.String()
	}
	if t.Name != "" {
		args = append(args, t.Name)
	}
	if t.Extra != nil {
		args = append(args, fmt.Sprint(t.Extra))
	}
	return "PT(" + strings.Join(args, ",") + ")"
}

// Marker is an out-of-band value that may pass any socket regardless of its
// type.
type Marker uint8

// Markers.
const (
	Noop Marker = iota
	FrameStart
	FrameEnd
	StreamEnd
)

func (m Marker) String() string {
	switch m {
	case Noop:
		return "Noop"
	case FrameStart:
		return "FrameStart"
	case FrameEnd:
		return "FrameEnd"
	case StreamEnd:
		return "StreamEnd"
	default:
		return fmt.Sprintf("Marker(%d)", uint8(m))
	}
}

// IsMarker reports whether v is an out-of-band marker.
func IsMarker(v any) bool {
	_, ok := v.(Marker)
	return ok
}
