// Package sico couples the host side of a co-simulation to an HDL simulator.
//
// A Connection keeps a reconnecting unix stream socket to the simulator and
// moves framed Messages in and out of it. A Control multiplexes that stream
// into named channels, keeps simulated time flowing with tick/tock and manages
// breaks and waits. A Channel adapts one named channel to the port graph as a
// duplex pipe of signal Changes.
package sico

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/sarchlab/cosim/loop"
	"github.com/sarchlab/cosim/pipe"
	"github.com/sarchlab/cosim/wire"
)

// DefaultSocket is the socket path the simulator listens on.
const DefaultSocket = "SiCo.sock"

// DefaultReconnectDelay is the pause between two connection attempts.
const DefaultReconnectDelay = time.Second

// dialPatience bounds one round of dial attempts before the loop reports and
// starts over.
const dialPatience = time.Hour

// DialFunc opens the stream to the simulator.
type DialFunc func(ctx context.Context, path string) (net.Conn, error)

// ConnOption configures a Connection.
type ConnOption func(*Connection)

// WithDialer replaces the unix socket dialer.
func WithDialer(dial DialFunc) ConnOption {
	return func(c *Connection) { c.dial = dial }
}

// WithReconnectDelay sets the pause between connection attempts.
func WithReconnectDelay(d time.Duration) ConnOption {
	return func(c *Connection) { c.delay = d }
}

// Connection is a reconnecting message stream to the simulator.
//
// Every successful dial starts a new link generation. A failed read or write
// ends the current generation, and the messages in flight at that moment are
// lost. Senders and receivers always wait for the current generation. A
// message sent for a specific generation is dropped if that link is gone by
// the time it would be written.
type Connection struct {
	path  string
	dial  DialFunc
	delay time.Duration
	host  *loop.Host
	log   logr.Logger

	mu          sync.Mutex
	cond        *loop.Cond
	established uint64
	terminated  uint64
	conn        net.Conn

	recv *pipe.Gate
	send *pipe.Gate
}

// NewConnection starts connecting to the simulator socket at path.
func NewConnection(host *loop.Host, path string, opts ...ConnOption) *Connection {
	if path == "" {
		path = DefaultSocket
	}

	c := &Connection{
		path:  path,
		delay: DefaultReconnectDelay,
		host:  host,
		log:   host.Logger().WithName("connection"),
		recv:  pipe.NewGate("connection.recv"),
		send:  pipe.NewGate("connection.send"),
	}
	c.cond = loop.NewCond(&c.mu)
	c.dial = func(ctx context.Context, path string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
	for _, opt := range opts {
		opt(c)
	}

	host.Submit("connection~connect", func(ctx context.Context) (any, error) {
		return nil, c.runConnect(ctx)
	})
	host.Submit("connection~send", func(ctx context.Context) (any, error) {
		return nil, c.runSend(ctx)
	})
	host.Submit("connection~recv", func(ctx context.Context) (any, error) {
		return nil, c.runRecv(ctx)
	})

	return c
}

// Path returns the socket path.
func (c *Connection) Path() string { return c.path }

// envelope is a message together with the link generation it belongs to.
// Generation 0 stands for whichever link is current.
type envelope struct {
	msg wire.Message
	gen uint64
}

// Recv returns the next message received from the simulator.
func (c *Connection) Recv(ctx context.Context) (wire.Message, error) {
	m, _, err := c.RecvGen(ctx)
	return m, err
}

// RecvGen is Recv that also reports the generation of the link the message
// arrived on.
func (c *Connection) RecvGen(ctx context.Context) (wire.Message, uint64, error) {
	v, err := c.recv.Pull(ctx)
	if err != nil {
		return wire.Message{}, 0, err
	}
	e := v.(envelope)
	return e.msg, e.gen, nil
}

// Send hands m to the send loop. It returns once the send loop took m, not
// once m was written.
func (c *Connection) Send(ctx context.Context, m wire.Message) error {
	return c.SendGen(ctx, m, 0)
}

// SendGen is Send restricted to link generation gen. The message is dropped
// unless gen is still the current link when it is written. A gen of 0 means
// any link.
func (c *Connection) SendGen(ctx context.Context, m wire.Message, gen uint64) error {
	return c.send.Push(ctx, envelope{msg: m, gen: gen})
}

// Connected reports whether a link is up.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established > c.terminated
}

// Generation returns the number of links established so far.
func (c *Connection) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

// WaitConnected blocks until a link is up.
func (c *Connection) WaitConnected(ctx context.Context) error {
	_, err := c.WaitGeneration(ctx, 0)
	return err
}

// WaitGeneration blocks until a link newer than after is up and returns its
// generation.
func (c *Connection) WaitGeneration(ctx context.Context, after uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.cond.WaitFor(ctx, func() bool {
		return c.established > after && c.established > c.terminated
	})
	return c.established, err
}

// Reset drops the current link. The connect loop dials again.
func (c *Connection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.established > c.terminated {
		c.log.Info("dropping link", "generation", c.established)
		c.terminated = c.established
		c.cond.Broadcast()
	}
}

func (c *Connection) runConnect(ctx context.Context) error {
	for {
		c.log.Info("open UNIX socket", "path", c.path)
		conn, err := backoff.Retry(ctx,
			func() (net.Conn, error) { return c.dial(ctx, c.path) },
			backoff.WithBackOff(backoff.NewConstantBackOff(c.delay)),
			backoff.WithMaxElapsedTime(dialPatience),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.log.V(1).Info("simulator not reachable", "err", err.Error(), "retry", next)
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Info("still no simulator", "path", c.path, "err", err.Error())
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.established++
		c.log.Info("connection established", "generation", c.established)
		c.cond.Broadcast()
		err = c.cond.WaitFor(ctx, func() bool { return c.established <= c.terminated })
		c.conn = nil
		c.mu.Unlock()

		conn.Close()
		if err != nil {
			return err
		}
		c.log.Info("connection terminated - again...")
	}
}

// current waits for a live link and returns it with its generation.
func (c *Connection) current(ctx context.Context) (net.Conn, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.cond.WaitFor(ctx, func() bool {
		return c.established > c.terminated && c.conn != nil
	}); err != nil {
		return nil, 0, err
	}
	return c.conn, c.established, nil
}

func (c *Connection) terminate(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated < gen {
		c.terminated = gen
		c.cond.Broadcast()
	}
}

func (c *Connection) runRecv(ctx context.Context) error {
	for {
		conn, gen, err := c.current(ctx)
		if err != nil {
			return err
		}

		c.log.V(2).Info("receiving a message...")
		m, err := wire.ReadMessage(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Info("reader failed", "generation", gen, "err", err.Error())
			c.terminate(gen)
			continue
		}
		c.log.V(2).Info("message received", "msg", m.String())

		if err := c.recv.Push(ctx, envelope{msg: m, gen: gen}); err != nil {
			return err
		}
	}
}

func (c *Connection) runSend(ctx context.Context) error {
	for {
		v, err := c.send.Pull(ctx)
		if err != nil {
			return err
		}
		e := v.(envelope)
		m := e.msg

		conn, gen, err := c.current(ctx)
		if err != nil {
			return err
		}
		if e.gen != 0 && e.gen != gen {
			c.log.V(1).Info("link of message is gone - dropped", "for", e.gen, "generation", gen, "msg", m.String())
			continue
		}

		c.log.V(2).Info("sending a message...", "msg", m.String())
		if err := wire.WriteMessage(conn, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Info("writer failed - message dropped", "generation", gen, "msg", m.String(), "err", err.Error())
			c.terminate(gen)
		}
	}
}
