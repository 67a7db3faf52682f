package loop

import (
	"context"
	"sync"
)

// Cond is a condition variable whose Wait can be abandoned through a context.
// Like sync.Cond, Wait and Broadcast must be called with L held.
type Cond struct {
	L  sync.Locker
	ch chan struct{}
}

// NewCond returns a Cond guarded by l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{L: l}
}

// Wait unlocks L, suspends until Broadcast or until ctx is done, and locks L
// again before returning. It returns ctx.Err() when the context ended the wait.
func (c *Cond) Wait(ctx context.Context) error {
	if c.ch == nil {
		c.ch = make(chan struct{})
	}
	ch := c.ch

	c.L.Unlock()
	defer c.L.Lock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitFor waits until cond returns true. cond is evaluated with L held.
func (c *Cond) WaitFor(ctx context.Context, cond func() bool) error {
	for !cond() {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast wakes all waiters.
func (c *Cond) Broadcast() {
	if c.ch != nil {
		close(c.ch)
		c.ch = nil
	}
}
