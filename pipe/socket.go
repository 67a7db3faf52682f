package pipe

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// Direction tells whether a socket sends or receives.
type Direction uint8

// Directions.
const (
	Sender Direction = iota
	Receiver
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Sender {
		return Receiver
	}
	return Sender
}

func (d Direction) String() string {
	if d == Sender {
		return "Send"
	}
	return "Recv"
}

// Plugable is anything that exposes sockets to Connect.
type Plugable interface {
	Sockets() []*Socket
	// ForgeReceiver creates a new receiver socket accepting t, or returns nil
	// if the plugable cannot grow one.
	ForgeReceiver(t Type) *Socket
}

// Socket is a typed endpoint owned by an item.
type Socket struct {
	name string
	dir  Direction
	log  logr.Logger

	mu        sync.Mutex
	typ       Type
	gate      *Gate
	peer      *Socket
	connected chan struct{}
}

// NewSocket creates an unbound socket. Items normally create their sockets
// through AddSender and AddReceiver.
func NewSocket(name string, dir Direction, typ Type, log logr.Logger) *Socket {
	return &Socket{
		name:      name,
		dir:       dir,
		typ:       typ,
		log:       log,
		connected: make(chan struct{}),
	}
}

// Name returns the socket name.
func (s *Socket) Name() string { return s.name }

// Direction returns the socket direction.
func (s *Socket) Direction() Direction { return s.dir }

// Type returns the current type descriptor.
func (s *Socket) Type() Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typ
}

// Peer returns the socket on the other side of the gate, or nil.
func (s *Socket) Peer() *Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Connected reports whether the socket is bound to a gate.
func (s *Socket) Connected() bool {
	select {
	case <-s.connected:
		return true
	default:
		return false
	}
}

// WaitConnected blocks until the socket is bound.
func (s *Socket) WaitConnected(ctx context.Context) error {
	select {
	case <-s.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send pushes v to the peer and returns once the peer received it. Sending on
// a receiver panics with a *ContractError.
func (s *Socket) Send(ctx context.Context, v any) error {
	if s.dir != Sender {
		panic(&ContractError{Socket: s.name, Msg: "cannot send on receiver"})
	}
	if err := s.observe(v); err != nil {
		return err
	}
	if err := s.WaitConnected(ctx); err != nil {
		return err
	}
	return s.gate.Push(ctx, v)
}

// Recv waits for the next value from the peer.
func (s *Socket) Recv(ctx context.Context) (any, error) {
	if s.dir != Receiver {
		panic(&ContractError{Socket: s.name, Msg: "cannot receive on sender"})
	}
	if err := s.WaitConnected(ctx); err != nil {
		return nil, err
	}
	v, err := s.gate.Pull(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.observe(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Sockets makes a single socket Plugable.
func (s *Socket) Sockets() []*Socket { return []*Socket{s} }

// ForgeReceiver never forges on a bare socket.
func (s *Socket) ForgeReceiver(Type) *Socket { return nil }

func (s *Socket) String() string {
	return fmt.Sprintf("%sSocket(%s,%s)", s.dir, s.name, s.Type())
}

func (s *Socket) observe(v any) error {
	if IsMarker(v) {
		return nil
	}

	vt := TypeOfValue(v)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.typ.Match(vt) {
		return errors.Wrapf(ErrTypeMismatch, "socket %s of %s got %T value %v", s.name, s.typ, v, v)
	}
	s.typ.Update(vt)
	return nil
}

// link binds sender s to receiver r through a new gate.
func link(s, r *Socket) {
	if s.dir != Sender || r.dir != Receiver {
		panic(&ContractError{Socket: s.name, Msg: "can only link a sender to a receiver " + r.name})
	}
	if s.Connected() {
		panic(&ContractError{Socket: s.name, Msg: "already connected"})
	}
	if r.Connected() {
		panic(&ContractError{Socket: r.name, Msg: "already connected"})
	}

	g := NewGate(s.name + "+" + r.name)

	s.mu.Lock()
	s.gate, s.peer = g, r
	s.mu.Unlock()
	r.mu.Lock()
	r.gate, r.peer = g, s
	r.mu.Unlock()

	close(s.connected)
	close(r.connected)
}
