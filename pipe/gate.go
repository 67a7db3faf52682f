package pipe

import (
	"context"
	"sync"

	"github.com/sarchlab/cosim/loop"
)

type gateState int

const (
	gateIdle gateState = iota
	gateLoaded
	gateConsumed
)

// Gate hands values from one pusher to one puller without buffering. Push
// returns only after a Pull took the value. Concurrent pushers (and pullers)
// are served one at a time.
type Gate struct {
	name string

	pushSem chan struct{}
	pullSem chan struct{}

	mu    sync.Mutex
	cond  *loop.Cond
	state gateState
	slot  any
}

// NewGate returns an idle gate.
func NewGate(name string) *Gate {
	g := &Gate{
		name:    name,
		pushSem: make(chan struct{}, 1),
		pullSem: make(chan struct{}, 1),
	}
	g.cond = loop.NewCond(&g.mu)
	return g
}

// Name returns the gate name.
func (g *Gate) Name() string { return g.name }

// Push deposits v and waits until it is pulled. If ctx ends before a puller
// took the value, the value is withdrawn and ctx.Err() is returned.
func (g *Gate) Push(ctx context.Context, v any) error {
	select {
	case g.pushSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.pushSem }()

	g.mu.Lock()
	defer g.mu.Unlock()

	err := g.cond.WaitFor(ctx, func() bool { return g.state == gateIdle })
	if err != nil {
		return err
	}

	g.slot = v
	g.state = gateLoaded
	g.cond.Broadcast()

	err = g.cond.WaitFor(ctx, func() bool { return g.state == gateConsumed })
	if err != nil && g.state == gateLoaded {
		g.slot = nil
		g.state = gateIdle
		g.cond.Broadcast()
		return err
	}

	g.slot = nil
	g.state = gateIdle
	g.cond.Broadcast()
	return nil
}

// Pull waits for a pushed value and takes it.
func (g *Gate) Pull(ctx context.Context) (any, error) {
	select {
	case g.pullSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-g.pullSem }()

	g.mu.Lock()
	defer g.mu.Unlock()

	err := g.cond.WaitFor(ctx, func() bool { return g.state == gateLoaded })
	if err != nil {
		return nil, err
	}

	v := g.slot
	g.state = gateConsumed
	g.cond.Broadcast()
	return v, nil
}
