package sico

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/sarchlab/cosim/loop"
	"github.com/sarchlab/cosim/vtime"
	"github.com/sarchlab/cosim/wire"
)

const tracerName = "github.com/sarchlab/cosim/sico"

// firstBreakUID is the uid of the first break a Control registers.
const firstBreakUID = 2

// Control runs the session protocol on top of a Connection.
//
// Incoming messages are sorted into one queue per channel name. The "ctrl"
// queue is consumed by Control itself: every tock moves the simulated time
// forward, resolves due waits and is answered by the next tick, so exactly one
// tick is outstanding at a time. Every tick belongs to one link generation;
// a new link starts its own tick and the ticks of dead links are dropped.
type Control struct {
	host   *loop.Host
	conn   *Connection
	log    logr.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	queues  map[string]*loop.Queue[wire.Message]
	ctrlq   *loop.Queue[envelope]
	tickGen uint64
	now     vtime.Time
	synced  bool
	breaks  map[uint32]*Break
	waits   []*Wait
	nextUID uint32

	outbox *loop.Queue[envelope]

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// NewControl starts the dispatcher, the sender and the control loop for conn.
func NewControl(host *loop.Host, conn *Connection) *Control {
	c := &Control{
		host:     host,
		conn:     conn,
		log:      host.Logger().WithName("control"),
		tracer:   otel.Tracer(tracerName),
		queues:   make(map[string]*loop.Queue[wire.Message]),
		ctrlq:    loop.NewQueue[envelope](),
		now:      vtime.Zero(vtime.Period),
		breaks:   make(map[uint32]*Break),
		nextUID:  firstBreakUID,
		outbox:   loop.NewQueue[envelope](),
		shutdown: make(chan struct{}),
	}

	host.Submit("control~dispatch", func(ctx context.Context) (any, error) {
		return nil, c.runDispatch(ctx)
	})
	host.Submit("control~sender", func(ctx context.Context) (any, error) {
		return nil, c.runSender(ctx)
	})
	host.Submit("control~ctrl", func(ctx context.Context) (any, error) {
		return nil, c.runCtrl(ctx)
	})
	host.Submit("control~links", func(ctx context.Context) (any, error) {
		return nil, c.runLinks(ctx)
	})

	return c
}

// Connection returns the underlying connection.
func (c *Control) Connection() *Connection { return c.conn }

// Host returns the host the control runs on.
func (c *Control) Host() *loop.Host { return c.host }

// Queue returns the receive queue of channel name, creating it on first use.
// Control messages are consumed by the Control and never show up here.
func (c *Control) Queue(name string) *loop.Queue[wire.Message] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueLocked(name)
}

func (c *Control) queueLocked(name string) *loop.Queue[wire.Message] {
	q, ok := c.queues[name]
	if !ok {
		q = loop.NewQueue[wire.Message]()
		c.queues[name] = q
		c.log.V(1).Info("new channel", "channel", name)
	}
	return q
}

// Push queues m for the simulator. It never blocks.
func (c *Control) Push(m wire.Message) {
	c.outbox.Put(envelope{msg: m})
	c.log.V(2).Info("pushed to send queue", "msg", m.String())
}

// Now returns the last simulated time reported by the simulator.
func (c *Control) Now() vtime.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// WaitConnected blocks until the simulator is connected.
func (c *Control) WaitConnected(ctx context.Context) error {
	return c.conn.WaitConnected(ctx)
}

// ShutdownRequested is closed once the simulator asked for a shutdown.
func (c *Control) ShutdownRequested() <-chan struct{} { return c.shutdown }

// Shutdown asks the simulator to shut down.
func (c *Control) Shutdown() error {
	return c.command(wire.Command{Op: wire.OpShutdown})
}

// Exit asks the simulator to exit.
func (c *Control) Exit() error {
	return c.command(wire.Command{Op: wire.OpExit})
}

// SetLogLevel changes the log level of a simulator log scope.
func (c *Control) SetLogLevel(scope string, level uint32) error {
	return c.command(wire.Command{Op: wire.OpSet, Key: wire.LogLevelKey, Scope: scope, Level: level})
}

// SetBreak registers a break of kind at t, relative to the simulator's time
// at acknowledgement when relative is set.
func (c *Control) SetBreak(kind wire.BreakKind, t vtime.Time, relative bool) *Break {
	c.mu.Lock()
	uid := c.nextUID
	c.nextUID++
	b := newBreak(c, uid, kind, t, relative)
	c.breaks[uid] = b
	c.mu.Unlock()

	c.log.V(1).Info("set break", "break", b.String())
	if err := c.command(wire.Command{
		Op:       wire.OpAddBreak,
		UID:      uid,
		Time:     t,
		Kind:     kind,
		Relative: relative,
	}); err != nil {
		c.log.Error(err, "cannot request break", "uid", uid)
	}
	return b
}

// SetHold registers a hold break.
func (c *Control) SetHold(t vtime.Time, relative bool) *Break {
	return c.SetBreak(wire.Hold, t, relative)
}

// SetStop registers a stop break.
func (c *Control) SetStop(t vtime.Time, relative bool) *Break {
	return c.SetBreak(wire.Stop, t, relative)
}

// SetFinish registers a finish break.
func (c *Control) SetFinish(t vtime.Time, relative bool) *Break {
	return c.SetBreak(wire.Finish, t, relative)
}

// HoldNow holds the simulator as soon as possible.
func (c *Control) HoldNow() *Break {
	return c.SetHold(vtime.Zero(c.Now().Domain()), true)
}

// SetWait registers a wait that resolves once the simulated time reaches t,
// or now+t when relative. Waits never talk to the simulator.
func (c *Control) SetWait(t vtime.Time, relative bool) *Wait {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now
	if !c.synced {
		now = vtime.Zero(t.Domain())
	}

	w := newWait(c.host)
	if err := vtime.Compatible(now, t); err != nil {
		w.fail(err)
		return w
	}
	if relative {
		w.duration, w.thresh = t, now.Add(t)
	} else {
		w.duration, w.thresh = t.Sub(now), t
	}
	c.waits = append(c.waits, w)
	return w
}

// Breaks returns the number of registered breaks.
func (c *Control) Breaks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.breaks)
}

func (c *Control) command(cmd wire.Command) error {
	m, err := cmd.Message()
	if err != nil {
		return err
	}
	c.Push(m)
	return nil
}

func (c *Control) release(b *Break) {
	c.mu.Lock()
	delete(c.breaks, b.uid)
	c.mu.Unlock()

	if err := c.command(wire.Command{Op: wire.OpRemBreak, UID: b.uid}); err != nil {
		c.log.Error(err, "cannot release break", "uid", b.uid)
	}
}

func (c *Control) runDispatch(ctx context.Context) error {
	c.log.V(1).Info("starting dispatcher task")
	for {
		m, gen, err := c.conn.RecvGen(ctx)
		if err != nil {
			return err
		}
		if m.Channel == wire.ControlChannel {
			c.ctrlq.Put(envelope{msg: m, gen: gen})
			continue
		}
		c.Queue(m.Channel).Put(m)
		c.log.V(2).Info("dispatched", "channel", m.Channel, "msg", m.String())
	}
}

func (c *Control) runSender(ctx context.Context) error {
	c.log.V(1).Info("starting sender task")
	for {
		e, err := c.outbox.Get(ctx)
		if err != nil {
			return err
		}
		if err := c.conn.SendGen(ctx, e.msg, e.gen); err != nil {
			return err
		}
	}
}

func (c *Control) runCtrl(ctx context.Context) error {
	c.log.V(1).Info("starting ctrl task")
	for {
		e, err := c.ctrlq.Get(ctx)
		if err != nil {
			return err
		}
		c.process(e.msg, e.gen)
	}
}

// runLinks starts the tick/tock exchange on every new link. The tick of a
// previous link died with it.
func (c *Control) runLinks(ctx context.Context) error {
	var gen uint64
	for {
		next, err := c.conn.WaitGeneration(ctx, gen)
		if err != nil {
			return err
		}
		if gen > 0 {
			c.log.Info("link re-established - restart ticking", "generation", next)
		}
		gen = next

		c.mu.Lock()
		start := c.tickGen < gen
		if start {
			c.tickGen = gen
		}
		c.mu.Unlock()

		if start {
			c.sendTick(gen)
		}
	}
}

// tockReceived answers a tock that arrived on link gen. Tocks of links
// that were already replaced are not answered.
func (c *Control) tockReceived(gen uint64) {
	c.mu.Lock()
	current := gen == c.tickGen
	c.mu.Unlock()

	if !current {
		c.log.V(1).Info("tock of a replaced link - not answered", "generation", gen)
		return
	}
	c.sendTick(gen)
}

func (c *Control) sendTick(gen uint64) {
	c.log.V(2).Info("send tick!", "generation", gen)
	m, err := wire.Command{Op: wire.OpTick}.Message()
	if err != nil {
		c.log.Error(err, "cannot send tick")
		return
	}
	c.outbox.Put(envelope{msg: m, gen: gen})
}

func (c *Control) process(m wire.Message, gen uint64) {
	cmd, err := wire.ParseCommand(m.Payload)
	if err != nil {
		c.log.Error(err, "bad control message", "msg", m.String())
		return
	}

	switch cmd.Op {
	case wire.OpTock:
		c.log.V(2).Info("recv tock!", "now", cmd.Time.String())
		c.advance(cmd.Time)
		c.tockReceived(gen)
	case wire.OpAckBreak:
		c.log.V(1).Info("recv break ack", "uid", cmd.UID, "at", cmd.Time.String())
		if b := c.lookup(cmd.UID); b != nil {
			b.setAck(cmd.Time)
		}
	case wire.OpHitBreak:
		c.log.V(1).Info("recv break hit", "uid", cmd.UID, "at", cmd.Time.String())
		if b := c.lookup(cmd.UID); b != nil {
			b.setHit(cmd.Time)
		}
	case wire.OpShutdown:
		c.log.Info("simulator requested shutdown")
		c.shutdownOnce.Do(func() { close(c.shutdown) })
	default:
		c.log.Info("got unexpected command", "cmd", cmd.String())
	}
}

func (c *Control) lookup(uid uint32) *Break {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.breaks[uid]
	if !ok {
		c.log.Info("message for unknown break - ignored", "uid", uid)
		return nil
	}
	return b
}

// advance records the simulator's time and resolves the waits that are due.
func (c *Control) advance(now vtime.Time) {
	c.mu.Lock()
	c.now = now
	c.synced = true

	var due []*Wait
	kept := c.waits[:0]
	for _, w := range c.waits {
		switch {
		case vtime.Compatible(w.thresh, now) != nil:
			w.fail(vtime.Compatible(w.thresh, now))
		case !w.thresh.After(now):
			due = append(due, w)
		default:
			kept = append(kept, w)
		}
	}
	clear(c.waits[len(kept):])
	c.waits = kept
	c.mu.Unlock()

	for _, w := range due {
		w.resolve(now)
	}
}
