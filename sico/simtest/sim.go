// Package simtest provides an in-process simulator speaking the sico wire
// protocol. It advances time on every tick, honors breaks and loops channel
// messages back, which is enough to exercise a Control end to end.
package simtest

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/cosim/vtime"
	"github.com/sarchlab/cosim/wire"
)

// Option configures a Sim.
type Option func(*Sim)

// WithStep sets how far the simulated time moves per tick.
func WithStep(step vtime.Time) Option {
	return func(s *Sim) { s.step = step }
}

// WithStart sets the initial simulated time.
func WithStart(t vtime.Time) Option {
	return func(s *Sim) { s.now = t }
}

// WithRename loops messages of channel from back on channel to.
func WithRename(from, to string) Option {
	return func(s *Sim) { s.rename[from] = to }
}

// WithTickDelay delays every tock by d.
func WithTickDelay(d time.Duration) Option {
	return func(s *Sim) { s.tickDelay = d }
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(s *Sim) { s.log = log }
}

type simBreak struct {
	uid      uint32
	kind     wire.BreakKind
	thresh   vtime.Time
	relative bool
	acked    bool
	hit      bool
}

// Sim is a fake simulator listening on a unix socket.
type Sim struct {
	path      string
	ln        net.Listener
	log       logr.Logger
	step      vtime.Time
	tickDelay time.Duration
	rename    map[string]string

	mu       sync.Mutex
	now      vtime.Time
	breaks   []*simBreak
	finished bool
	commands []wire.Command
	messages []wire.Message
	ticks    int
	overlaps int
	dropTock bool
	conns    map[net.Conn]struct{}
}

// errDropped ends a link the simulator closed on purpose.
var errDropped = errors.New("simtest: link dropped")

// reply is one outgoing message. The link is closed after a last reply.
type reply struct {
	msg  wire.Message
	last bool
}

// Listen creates a simulator listening at path. A stale socket file is
// removed first.
func Listen(path string, opts ...Option) (*Sim, error) {
	s := &Sim{
		path:      path,
		log:       logr.Discard(),
		step:      vtime.FromFreq(vtime.Mega),
		tickDelay: 100 * time.Microsecond,
		rename:    make(map[string]string),
		now:       vtime.Zero(vtime.Period),
		conns:     make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithName("simtest")

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "remove stale socket %s", path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", path)
	}
	s.ln = ln
	return s, nil
}

// Path returns the socket path.
func (s *Sim) Path() string { return s.path }

// Serve accepts connections until ctx ends or the listener is closed.
func (s *Sim) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		s.ln.Close()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return errors.Wrap(err, "accept")
			}
			s.log.Info("host connected")
			g.Go(func() error { return s.handle(ctx, conn) })
		}
	})

	return g.Wait()
}

// Close stops listening and drops every connection.
func (s *Sim) Close() error {
	s.Drop()
	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Drop closes the connected links. The listener stays open.
func (s *Sim) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.conns {
		conn.Close()
	}
}

// Now returns the current simulated time.
func (s *Sim) Now() vtime.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// DropAfterTock closes the link right after the next tock was written. The
// host sees the tock and then loses the link.
func (s *Sim) DropAfterTock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropTock = true
}

// Overlaps returns how often a tick arrived while an earlier tick of the same
// link was not answered yet.
func (s *Sim) Overlaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlaps
}

// Finished reports whether a finish break was hit.
func (s *Sim) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Ticks returns the number of ticks answered.
func (s *Sim) Ticks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Breaks returns the number of registered breaks.
func (s *Sim) Breaks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.breaks)
}

// Commands returns the control commands received, ticks excluded.
func (s *Sim) Commands() []wire.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Command(nil), s.commands...)
}

// Messages returns the channel messages received on channel.
func (s *Sim) Messages(channel string) []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ms []wire.Message
	for _, m := range s.messages {
		if m.Channel == channel {
			ms = append(ms, m)
		}
	}
	return ms
}

func (s *Sim) handle(ctx context.Context, conn net.Conn) error {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	g, ctx := errgroup.WithContext(ctx)
	in := make(chan wire.Message, 64)
	out := make(chan reply, 64)

	// Ticks read from this link and not answered yet.
	var pending atomic.Int64

	g.Go(func() error {
		<-ctx.Done()
		conn.Close()
		return nil
	})

	g.Go(func() error {
		for {
			m, err := wire.ReadMessage(conn)
			if err != nil {
				return err
			}
			if isTick(m) && pending.Add(1) > 1 {
				s.mu.Lock()
				s.overlaps++
				s.mu.Unlock()
				s.log.Info("tick while another tick is pending", "pending", pending.Load())
			}
			select {
			case in <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	g.Go(func() error {
		for {
			var m wire.Message
			select {
			case m = <-in:
			case <-ctx.Done():
				return ctx.Err()
			}

			answers, tick, drop := s.process(m)
			if tick {
				if s.tickDelay > 0 {
					if err := sleep(ctx, s.tickDelay); err != nil {
						return err
					}
				}
				pending.Add(-1)
			}
			for i, r := range answers {
				select {
				case out <- reply{msg: r, last: drop && i == len(answers)-1}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case r := <-out:
				if err := wire.WriteMessage(conn, r.msg); err != nil {
					return err
				}
				if r.last {
					s.log.Info("dropping link after tock")
					return errDropped
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	// A link ending is never an error of the simulator.
	err := g.Wait()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) && !errors.Is(err, errDropped) {
		s.log.Info("host link failed", "err", err.Error())
	}
	s.log.Info("host disconnected")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isTick(m wire.Message) bool {
	if m.Channel != wire.ControlChannel {
		return false
	}
	cmd, err := wire.ParseCommand(m.Payload)
	return err == nil && cmd.Op == wire.OpTick
}

// process handles one message from the host. It returns the answers, whether
// the message was a tick and whether the link goes down after the answers.
func (s *Sim) process(m wire.Message) (msgs []wire.Message, tick, drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Channel != wire.ControlChannel {
		s.messages = append(s.messages, m)
		name := m.Channel
		if to, ok := s.rename[name]; ok {
			name = to
		}
		return []wire.Message{{Channel: name, Payload: m.Payload}}, false, false
	}

	cmd, err := wire.ParseCommand(m.Payload)
	if err != nil {
		s.log.Error(err, "bad control message")
		return nil, false, false
	}
	if cmd.Op != wire.OpTick {
		s.commands = append(s.commands, cmd)
		s.log.V(1).Info("command", "cmd", cmd.String())
	}

	var out []wire.Command
	switch cmd.Op {
	case wire.OpTick:
		s.ticks++
		out = s.checkBreaksLocked(out)
		s.advanceLocked()
		out = s.checkBreaksLocked(out)
		out = append(out, wire.Command{Op: wire.OpTock, Time: s.now})
		drop, s.dropTock = s.dropTock, false
	case wire.OpAddBreak:
		s.breaks = append(s.breaks, &simBreak{
			uid:      cmd.UID,
			kind:     cmd.Kind,
			thresh:   cmd.Time,
			relative: cmd.Relative,
		})
		out = s.checkBreaksLocked(out)
	case wire.OpRemBreak:
		if !s.removeLocked(cmd.UID) {
			s.log.Info("break id not found", "uid", cmd.UID)
		}
	case wire.OpShutdown:
		out = append(out, wire.Command{Op: wire.OpShutdown})
	}

	msgs = make([]wire.Message, 0, len(out))
	for _, c := range out {
		msg, err := c.Message()
		if err != nil {
			s.log.Error(err, "cannot encode", "cmd", c.String())
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, cmd.Op == wire.OpTick, drop
}

// checkBreaksLocked acknowledges new breaks, making relative ones absolute,
// and reports the breaks reached.
func (s *Sim) checkBreaksLocked(out []wire.Command) []wire.Command {
	for _, b := range s.breaks {
		if b.relative && !b.acked && b.thresh.IsZero() {
			b.thresh = vtime.Zero(s.now.Domain())
		}
		if vtime.Compatible(b.thresh, s.now) != nil {
			continue
		}
		if !b.acked {
			if b.relative {
				b.thresh = b.thresh.Add(s.now)
			}
			b.thresh = vtime.Max(b.thresh, s.now)
			b.acked = true
			out = append(out, wire.Command{Op: wire.OpAckBreak, UID: b.uid, Time: b.thresh})
		}
		if !b.hit && !b.thresh.After(s.now) {
			b.hit = true
			if b.kind == wire.Finish {
				s.finished = true
			}
			s.log.Info("hitting break", "uid", b.uid, "at", s.now.String())
			out = append(out, wire.Command{Op: wire.OpHitBreak, UID: b.uid, Time: s.now})
		}
	}
	return out
}

// advanceLocked moves time by one step, landing exactly on the next break in
// between. Time stands still while a hold or stop is hit and after a finish.
func (s *Sim) advanceLocked() {
	if s.finished {
		return
	}
	next := s.now.Add(s.step)
	for _, b := range s.breaks {
		if vtime.Compatible(b.thresh, s.now) != nil || !b.acked {
			continue
		}
		if b.hit && b.kind != wire.Finish {
			return
		}
		if !b.hit && b.thresh.After(s.now) && b.thresh.Before(next) {
			next = b.thresh
		}
	}
	s.now = next
}

func (s *Sim) removeLocked(uid uint32) bool {
	for i, b := range s.breaks {
		if b.uid == uid {
			s.breaks = append(s.breaks[:i], s.breaks[i+1:]...)
			return true
		}
	}
	return false
}
