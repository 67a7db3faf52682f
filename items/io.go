// Package items provides reusable port graph items: sources and sinks that
// bridge synchronous callers into the graph, converters, multiplexers, clocks
// and probes.
package items

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/sarchlab/cosim/loop"
	"github.com/sarchlab/cosim/pipe"
)

// Input injects values from synchronous callers into the graph through its
// "out" socket.
type Input struct {
	*pipe.Item
	queue *loop.Queue[*loop.Request]
}

// NewInput creates an Input sending values of type t.
func NewInput(scope *pipe.Scope, name string, t pipe.Type) *Input {
	in := &Input{
		Item:  pipe.NewItem(scope, name),
		queue: loop.NewQueue[*loop.Request](),
	}
	in.AddSender("out", t)
	in.Go("run", in.run)
	return in
}

// Feed queues v for sending. The returned request is committed once v was
// handed to the peer.
func (in *Input) Feed(v any) *loop.Request {
	req := loop.NewRequest(v)
	in.queue.Put(req)
	return req
}

// Feeds queues every value in order.
func (in *Input) Feeds(vs ...any) {
	for _, v := range vs {
		in.Feed(v)
	}
}

// Close queues the end of stream marker.
func (in *Input) Close() *loop.Request {
	return in.Feed(pipe.StreamEnd)
}

func (in *Input) run(ctx context.Context) error {
	out := in.Socket("out")
	for {
		req, err := in.queue.Get(ctx)
		if err != nil {
			return err
		}
		if err := out.Send(ctx, req.Payload()); err != nil {
			return err
		}
		in.Logger().V(2).Info("fed", "value", req.Payload())
		req.Commit(nil)
	}
}

// Output collects values arriving on its "in" socket for synchronous
// callers.
type Output struct {
	*pipe.Item
	values *loop.Queue[any]
}

// NewOutput creates an Output receiving values of type t.
func NewOutput(scope *pipe.Scope, name string, t pipe.Type) *Output {
	o := &Output{
		Item:   pipe.NewItem(scope, name),
		values: loop.NewQueue[any](),
	}
	o.AddReceiver("in", t)
	o.Go("run", o.run)
	return o
}

// Consume returns the next received value. A timeout <= 0 waits until the
// host stops.
func (o *Output) Consume(timeout time.Duration) (any, error) {
	ctx := o.Host().Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	v, err := o.values.Get(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, errors.Wrapf(loop.ErrTimeout, "%s consume", o.Name())
	}
	return v, err
}

// ConsumeContext returns the next received value or the context error.
func (o *Output) ConsumeContext(ctx context.Context) (any, error) {
	return o.values.Get(ctx)
}

// Pending returns the number of values not consumed yet.
func (o *Output) Pending() int { return o.values.Len() }

func (o *Output) run(ctx context.Context) error {
	in := o.Socket("in")
	for {
		v, err := in.Recv(ctx)
		if err != nil {
			return err
		}
		o.Logger().V(2).Info("received", "value", v)
		o.values.Put(v)
	}
}

// Pending is a request that completes when its result is committed.
type Pending interface {
	Wait(ctx context.Context, timeout time.Duration) (any, error)
}

// RequestInput sends requests into the graph through its "req" socket and
// lets callers wait for their results.
type RequestInput struct {
	*pipe.Item
	queue *loop.Queue[Pending]
}

// NewRequestInput creates a RequestInput for requests of type t.
func NewRequestInput(scope *pipe.Scope, name string, t pipe.Type) *RequestInput {
	ri := &RequestInput{
		Item:  pipe.NewItem(scope, name),
		queue: loop.NewQueue[Pending](),
	}
	ri.AddSender("req", t)
	ri.Go("run", ri.run)
	return ri
}

// Post queues req without waiting for it.
func (ri *RequestInput) Post(req Pending) {
	ri.queue.Put(req)
}

// Process queues req and waits for its result.
func (ri *RequestInput) Process(ctx context.Context, req Pending, timeout time.Duration) (any, error) {
	ri.queue.Put(req)
	return req.Wait(ctx, timeout)
}

func (ri *RequestInput) run(ctx context.Context) error {
	out := ri.Socket("req")
	for {
		req, err := ri.queue.Get(ctx)
		if err != nil {
			return err
		}
		if err := out.Send(ctx, req); err != nil {
			return err
		}
	}
}
