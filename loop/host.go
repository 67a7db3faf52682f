// Package loop hosts the background work of a co-simulation session.
//
// A Host owns every goroutine that moves data through the port graph and the
// simulator connection. Synchronous callers hand work to the host with Submit
// or Call and never touch host-owned state directly. Stopping the host cancels
// all outstanding work and waits for the tracked part of it to wind down.
package loop

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

var (
	// ErrTimeout is returned when a wait ran out of time before the awaited
	// work finished.
	ErrTimeout = errors.New("loop: timed out")

	// ErrStopped is returned for work submitted to a stopped host.
	ErrStopped = errors.New("loop: host stopped")
)

// DefaultHeartbeat is the interval at which the loop goroutine proves it is
// alive.
const DefaultHeartbeat = time.Second

// DefaultStallLimit is how long the loop goroutine may go without a heartbeat
// before the watchdog aborts the host.
const DefaultStallLimit = 5 * time.Second

// Work is a unit of asynchronous work executed by a Host.
type Work func(ctx context.Context) (any, error)

// Options configures a Host.
type Options struct {
	// Parent ends the host when it is done, the way the main program ending
	// takes its background machinery down with it. Defaults to
	// context.Background().
	Parent context.Context

	// Logger receives host diagnostics. Defaults to a discarding logger.
	Logger logr.Logger

	// Heartbeat is the watchdog tick interval.
	Heartbeat time.Duration

	// StallLimit is the maximum time without a heartbeat.
	StallLimit time.Duration

	// CallTimeout bounds Calls made without a timeout of their own. Zero
	// lets them wait forever.
	CallTimeout time.Duration
}

// Host runs asynchronous work for one co-simulation session.
type Host struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logr.Logger
	opts   Options

	mu       sync.Mutex
	tasks    map[*Task]struct{}
	stopping bool
	tracked  sync.WaitGroup

	postMu sync.Mutex
	posted []func()
	wake   chan struct{}

	beat     atomic.Int64
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a host and starts its loop goroutine and watchdog.
func New(opts Options) *Host {
	if opts.Parent == nil {
		opts.Parent = context.Background()
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.StallLimit <= 0 {
		opts.StallLimit = DefaultStallLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		ctx:    ctx,
		cancel: cancel,
		log:    opts.Logger.WithName("loop"),
		opts:   opts,
		tasks:  make(map[*Task]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.beat.Store(time.Now().UnixNano())

	go h.runLoop()
	go h.watch()

	return h
}

// Context returns the host context. It is cancelled when the host stops.
func (h *Host) Context() context.Context { return h.ctx }

// Logger returns the host logger.
func (h *Host) Logger() logr.Logger { return h.log }

// Done is closed once the host has fully stopped.
func (h *Host) Done() <-chan struct{} { return h.done }

// Stopping reports whether Stop has been initiated.
func (h *Host) Stopping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

// Submit schedules work and returns immediately. The host waits for the task
// when stopping.
func (h *Host) Submit(name string, work Work) *Task {
	return h.submit(name, work, false)
}

// SubmitWeak schedules work that is cancelled on stop but not waited for.
func (h *Host) SubmitWeak(name string, work Work) *Task {
	return h.submit(name, work, true)
}

// Call schedules work and blocks until it finishes or timeout elapses.
// A timeout <= 0 falls back to Options.CallTimeout. Work that runs out of
// time is cancelled.
func (h *Host) Call(name string, work Work, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = h.opts.CallTimeout
	}
	t := h.Submit(name, work)
	v, err := t.Wait(timeout)
	if errors.Is(err, ErrTimeout) {
		t.Cancel()
	}
	return v, err
}

// Post queues fn for execution on the loop goroutine. Posted callbacks run one
// at a time in posting order and must not block. Post reports false once the
// host is stopping.
func (h *Host) Post(fn func()) bool {
	if h.Stopping() {
		return false
	}

	h.postMu.Lock()
	h.posted = append(h.posted, fn)
	h.postMu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop cancels every outstanding task, waits for the tracked ones to return,
// and shuts the loop goroutine down. Concurrent calls all block until the
// host is stopped. Stop must not be called from a tracked task; use StopAsync
// there.
func (h *Host) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopping = true
		n := len(h.tasks)
		h.mu.Unlock()

		h.log.V(1).Info("canceling everything", "tasks", n)
		h.cancel()
		h.tracked.Wait()
		h.log.V(1).Info("host stopped")
		close(h.done)
	})
	<-h.done
}

// StopAsync initiates Stop without waiting for it.
func (h *Host) StopAsync() {
	go h.Stop()
}

// Running returns the names of the tasks that have not finished yet.
func (h *Host) Running() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.tasks))
	for t := range h.tasks {
		names = append(names, t.name)
	}
	sort.Strings(names)
	return names
}

func (h *Host) submit(name string, work Work, weak bool) *Task {
	ctx, cancel := context.WithCancel(h.ctx)
	t := &Task{
		name:   name,
		weak:   weak,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		cancel()
		t.finish(nil, errors.Wrapf(ErrStopped, "submit %s", name))
		return t
	}
	h.tasks[t] = struct{}{}
	if !weak {
		h.tracked.Add(1)
	}
	h.mu.Unlock()

	go h.run(ctx, t, work)
	return t
}

func (h *Host) run(ctx context.Context, t *Task, work Work) {
	var (
		result any
		err    error
	)

	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrapf(e, "panic in task %s", t.name)
			} else {
				err = errors.Errorf("panic in task %s: %v", t.name, r)
			}
			h.log.Error(err, "task aborted", "task", t.name)
		}

		t.cancel()
		t.finish(result, err)

		h.mu.Lock()
		delete(h.tasks, t)
		h.mu.Unlock()
		if !t.weak {
			h.tracked.Done()
		}
	}()

	result, err = work(ctx)
	if err != nil && ctx.Err() == nil {
		h.log.Error(err, "exception in task", "task", t.name)
	}
}

func (h *Host) runLoop() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.wake:
		}

		h.postMu.Lock()
		batch := h.posted
		h.posted = nil
		h.postMu.Unlock()

		for _, fn := range batch {
			if h.ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

// watch posts heartbeats through the loop goroutine and aborts the host when
// they stop arriving or when the parent context ends.
func (h *Host) watch() {
	ticker := time.NewTicker(h.opts.Heartbeat / 2)
	defer ticker.Stop()

	h.log.V(1).Info("watch dog started")
	var pending atomic.Bool
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.opts.Parent.Done():
			h.log.V(1).Info("parent context ended - stopping host")
			h.StopAsync()
			return
		case now := <-ticker.C:
			if pending.CompareAndSwap(false, true) {
				h.Post(func() {
					h.beat.Store(time.Now().UnixNano())
					pending.Store(false)
				})
			}
			last := time.Unix(0, h.beat.Load())
			if now.Sub(last) > h.opts.StallLimit {
				h.log.Error(ErrTimeout, "loop did not tick - aborting",
					"stalled", now.Sub(last), "running", h.Running())
				h.StopAsync()
				return
			}
		}
	}
}
