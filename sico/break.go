package sico

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sarchlab/cosim/vtime"
	"github.com/sarchlab/cosim/wire"
)

// BreakState is the lifecycle position of a Break.
type BreakState uint8

// Break states. A break moves Requested, Acknowledged, Hit, and can be
// Released from any of them.
const (
	Requested BreakState = iota
	Acknowledged
	Hit
	Released
)

func (s BreakState) String() string {
	switch s {
	case Requested:
		return "requested"
	case Acknowledged:
		return "acknowledged"
	case Hit:
		return "hit"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Break is a simulator halt scheduled through a Control.
type Break struct {
	ctrl     *Control
	uid      uint32
	kind     wire.BreakKind
	request  vtime.Time
	relative bool
	span     trace.Span

	mu       sync.Mutex
	state    BreakState
	thresh   vtime.Time
	stopped  vtime.Time
	acked    bool
	hit      bool
	released bool
	ack      chan struct{}
	hitCh    chan struct{}
	endOnce  sync.Once
}

func newBreak(c *Control, uid uint32, kind wire.BreakKind, t vtime.Time, relative bool) *Break {
	_, span := c.tracer.Start(c.host.Context(), "break."+kind.String(),
		trace.WithAttributes(
			attribute.Int64("break.uid", int64(uid)),
			attribute.String("break.request", t.String()),
			attribute.Bool("break.relative", relative),
		))

	return &Break{
		ctrl:     c,
		uid:      uid,
		kind:     kind,
		request:  t,
		relative: relative,
		span:     span,
		ack:      make(chan struct{}),
		hitCh:    make(chan struct{}),
	}
}

// UID returns the id the break is known by on the wire.
func (b *Break) UID() uint32 { return b.uid }

// Kind returns what the simulator does at the break.
func (b *Break) Kind() wire.BreakKind { return b.kind }

// Request returns the requested time and whether it is relative.
func (b *Break) Request() (vtime.Time, bool) { return b.request, b.relative }

// State returns the lifecycle state.
func (b *Break) State() BreakState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Acknowledged is closed once the simulator promised a time.
func (b *Break) Acknowledged() <-chan struct{} { return b.ack }

// Reached is closed once the simulator stopped at the break.
func (b *Break) Reached() <-chan struct{} { return b.hitCh }

// Promised waits for the acknowledgement and returns the absolute time the
// simulator promised to stop at.
func (b *Break) Promised(ctx context.Context) (vtime.Time, error) {
	select {
	case <-b.ack:
	case <-ctx.Done():
		return vtime.Time{}, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.thresh, nil
}

// Stopped waits until the break is hit and returns the time the simulator
// actually stopped at.
func (b *Break) Stopped(ctx context.Context) (vtime.Time, error) {
	select {
	case <-b.hitCh:
	case <-ctx.Done():
		return vtime.Time{}, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped, nil
}

// GetPromised is Promised for callers outside the host. A timeout <= 0 uses
// the host's call timeout.
func (b *Break) GetPromised(timeout time.Duration) (vtime.Time, error) {
	return b.call("promised", b.Promised, timeout)
}

// GetStopped is Stopped for callers outside the host.
func (b *Break) GetStopped(timeout time.Duration) (vtime.Time, error) {
	return b.call("stopped", b.Stopped, timeout)
}

// Release removes the break from the simulator. Releasing twice is a no-op.
func (b *Break) Release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	b.state = Released
	b.mu.Unlock()

	b.ctrl.log.V(1).Info("release break", "uid", b.uid)
	b.ctrl.release(b)
	b.span.AddEvent("released")
	b.end()
}

func (b *Break) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("Break(")
	switch {
	case b.hit:
		fmt.Fprintf(&sb, "hit:%s", b.stopped)
		if !b.relative && !sameTime(b.request, b.stopped) {
			fmt.Fprintf(&sb, "(req:%s)", b.request)
		}
		if !b.relative && !sameTime(b.request, b.thresh) {
			fmt.Fprintf(&sb, "(ack:%s)", b.thresh)
		}
	case b.acked:
		fmt.Fprintf(&sb, "ack:%s", b.thresh)
		if !b.relative && !sameTime(b.request, b.thresh) {
			fmt.Fprintf(&sb, "(req:%s)", b.request)
		}
	default:
		fmt.Fprintf(&sb, "req:%s,rel:%t", b.request, b.relative)
	}
	fmt.Fprintf(&sb, ",type:%s)", b.kind)
	return sb.String()
}

func (b *Break) call(what string, fn func(context.Context) (vtime.Time, error), timeout time.Duration) (vtime.Time, error) {
	name := fmt.Sprintf("break%d~%s", b.uid, what)
	v, err := b.ctrl.host.Call(name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, timeout)
	if err != nil {
		return vtime.Time{}, err
	}
	return v.(vtime.Time), nil
}

func (b *Break) setAck(t vtime.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.acked {
		return
	}
	b.acked = true
	b.thresh = t
	if b.state == Requested {
		b.state = Acknowledged
	}
	close(b.ack)
	b.span.AddEvent("acknowledged", trace.WithAttributes(attribute.String("break.promised", t.String())))
}

// setHit records the stop time. A hit that overtakes its acknowledgement
// promises the hit time.
func (b *Break) setHit(t vtime.Time) {
	b.mu.Lock()
	if b.hit {
		b.mu.Unlock()
		return
	}
	if !b.acked {
		b.acked = true
		b.thresh = t
		close(b.ack)
	}
	b.hit = true
	b.stopped = t
	if b.state != Released {
		b.state = Hit
	}
	close(b.hitCh)
	b.mu.Unlock()

	b.span.AddEvent("hit", trace.WithAttributes(attribute.String("break.stopped", t.String())))
	if b.kind == wire.Finish {
		b.end()
	}
}

func (b *Break) end() {
	b.endOnce.Do(func() { b.span.End() })
}

func sameTime(a, b vtime.Time) bool {
	return vtime.Compatible(a, b) == nil && a.Equal(b)
}
