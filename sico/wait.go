package sico

import (
	"context"
	"sync"
	"time"

	"github.com/sarchlab/cosim/loop"
	"github.com/sarchlab/cosim/vtime"
)

// Wait resolves once the simulated time reported by the simulator reaches a
// threshold.
type Wait struct {
	host     *loop.Host
	thresh   vtime.Time
	duration vtime.Time

	once sync.Once
	done chan struct{}
	at   vtime.Time
	err  error
}

func newWait(host *loop.Host) *Wait {
	return &Wait{host: host, done: make(chan struct{})}
}

// Threshold returns the absolute time the wait resolves at.
func (w *Wait) Threshold() vtime.Time { return w.thresh }

// Duration returns the distance from registration to the threshold.
func (w *Wait) Duration() vtime.Time { return w.duration }

// Done is closed once the wait resolved.
func (w *Wait) Done() <-chan struct{} { return w.done }

// Wait blocks until the threshold is reached and returns the simulated time
// at which that was observed.
func (w *Wait) Wait(ctx context.Context) (vtime.Time, error) {
	select {
	case <-w.done:
		return w.at, w.err
	case <-ctx.Done():
		return vtime.Time{}, ctx.Err()
	}
}

// Await is Wait for callers outside the host. A timeout <= 0 uses the host's
// call timeout.
func (w *Wait) Await(timeout time.Duration) (vtime.Time, error) {
	v, err := w.host.Call("wait~await", func(ctx context.Context) (any, error) {
		return w.Wait(ctx)
	}, timeout)
	if err != nil {
		return vtime.Time{}, err
	}
	return v.(vtime.Time), nil
}

func (w *Wait) resolve(at vtime.Time) {
	w.once.Do(func() {
		w.at = at
		close(w.done)
	})
}

func (w *Wait) fail(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}
