package pipe

import (
	"strings"

	"github.com/pkg/errors"
)

// Connect binds every unconnected sender of a to an unconnected receiver of b
// with a matching type. When b has no such receiver it is asked to forge one.
// Connect fails with ErrNothingConnected if no pair was bound.
func Connect(a, b Plugable) error {
	n := 0
	for _, s := range a.Sockets() {
		if s.dir != Sender || s.Connected() {
			continue
		}

		r := findReceiver(b, s.Type())
		if r == nil {
			r = b.ForgeReceiver(s.Type())
		}
		if r == nil {
			continue
		}

		link(s, r)
		s.log.V(1).Info("connected", "from", s.String(), "to", r.String())
		n++
	}

	if n == 0 {
		return errors.Wrap(ErrNothingConnected, describe(a, b))
	}
	return nil
}

// MustConnect is Connect for graph construction code that treats a failure
// as a programming error.
func MustConnect(a, b Plugable) {
	if err := Connect(a, b); err != nil {
		panic(err)
	}
}

// Chain connects each plugable to the next one, a >> b >> c.
func Chain(first Plugable, rest ...Plugable) error {
	prev := first
	for _, p := range rest {
		if err := Connect(prev, p); err != nil {
			return err
		}
		prev = p
	}
	return nil
}

// Cross connects a to b and b to a.
func Cross(a, b Plugable) error {
	if err := Connect(a, b); err != nil {
		return err
	}
	return Connect(b, a)
}

// Parallel groups plugables so they can be connected as one.
type Parallel struct {
	members []Plugable
}

// Group returns the parallel composition of members.
func Group(members ...Plugable) *Parallel {
	return &Parallel{members: members}
}

// Add appends a member.
func (p *Parallel) Add(m Plugable) { p.members = append(p.members, m) }

// Sockets returns the sockets of all members.
func (p *Parallel) Sockets() []*Socket {
	var out []*Socket
	for _, m := range p.members {
		out = append(out, m.Sockets()...)
	}
	return out
}

// ForgeReceiver asks the members in order and returns the first forged socket.
func (p *Parallel) ForgeReceiver(t Type) *Socket {
	for _, m := range p.members {
		if s := m.ForgeReceiver(t); s != nil {
			return s
		}
	}
	return nil
}

func findReceiver(b Plugable, t Type) *Socket {
	for _, r := range b.Sockets() {
		if r.dir != Receiver || r.Connected() {
			continue
		}
		if t.Match(r.Type()) {
			return r
		}
	}
	return nil
}

func describe(a, b Plugable) string {
	var sb strings.Builder
	sb.WriteString("open sockets:")
	for _, s := range a.Sockets() {
		if s.dir == Sender && !s.Connected() {
			sb.WriteString("\nA: " + s.String())
		}
	}
	for _, r := range b.Sockets() {
		if r.dir == Receiver && !r.Connected() {
			sb.WriteString("\nB: " + r.String())
		}
	}
	return sb.String()
}
