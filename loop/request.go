package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Request correlates one outstanding operation with its result.
//
// A Request is committed exactly once. Later commits are ignored, so a result
// that arrives after the requester gave up waiting is harmless.
type Request struct {
	uid     string
	payload any

	mu        sync.Mutex
	result    any
	committed bool
	done      chan struct{}

	host     *Host
	onCommit func(ctx context.Context, r *Request)
}

// NewRequest creates a pending request carrying payload.
func NewRequest(payload any) *Request {
	return &Request{
		uid:     uuid.NewString(),
		payload: payload,
		done:    make(chan struct{}),
	}
}

// UID returns the unique id of the request.
func (r *Request) UID() string { return r.uid }

// Payload returns the payload the request was created with.
func (r *Request) Payload() any { return r.payload }

// Done is closed once the request is committed.
func (r *Request) Done() <-chan struct{} { return r.done }

// Committed reports whether the request has a result.
func (r *Request) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// Result returns the committed result, or nil while pending.
func (r *Request) Result() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// OnCommit registers a one-shot continuation that h runs as a task after the
// request is committed. Extra arguments are bound by closing over them. If the
// request is already committed the continuation is scheduled right away.
func (r *Request) OnCommit(h *Host, fn func(ctx context.Context, r *Request)) {
	r.mu.Lock()
	if !r.committed {
		r.host = h
		r.onCommit = fn
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.schedule(h, fn)
}

// Commit stores result and wakes every waiter. It reports false if the
// request had already been committed, in which case result is dropped.
func (r *Request) Commit(result any) bool {
	r.mu.Lock()
	if r.committed {
		r.mu.Unlock()
		return false
	}
	r.result = result
	r.committed = true
	h, fn := r.host, r.onCommit
	r.host, r.onCommit = nil, nil
	close(r.done)
	r.mu.Unlock()

	if fn != nil {
		r.schedule(h, fn)
	}
	return true
}

// Wait blocks until the request is committed, ctx is done or timeout elapses.
// A timeout <= 0 only observes ctx.
func (r *Request) Wait(ctx context.Context, timeout time.Duration) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-r.done:
		return r.Result(), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrapf(ErrTimeout, "%s", r)
		}
		return nil, ctx.Err()
	}
}

func (r *Request) String() string {
	return fmt.Sprintf("Request(%s)", r.uid)
}

func (r *Request) schedule(h *Host, fn func(ctx context.Context, r *Request)) {
	h.Submit(r.uid+"~commit", func(ctx context.Context) (any, error) {
		fn(ctx, r)
		return nil, nil
	})
}
