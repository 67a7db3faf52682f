package items

import (
	"context"

	"github.com/sarchlab/cosim/loop"
	"github.com/sarchlab/cosim/pipe"
	"github.com/sarchlab/cosim/signal"
	"github.com/sarchlab/cosim/vtime"
)

// BitsRequest asks a signal interface to drive a vector and answer with the
// vector observed in return.
type BitsRequest struct {
	*loop.Request
}

// NewBitsRequest creates a request driving b.
func NewBitsRequest(b signal.Bits) BitsRequest {
	return BitsRequest{Request: loop.NewRequest(b)}
}

// Bits returns the vector to drive.
func (r BitsRequest) Bits() signal.Bits { return r.Payload().(signal.Bits) }

// BitsReqToInterface turns BitsRequests from "req" into held Changes on "out"
// at consecutive cycles starting at 1, and commits each request with the
// value of the next Change arriving on "in".
type BitsReqToInterface struct {
	*pipe.Item
	pending *loop.Queue[BitsRequest]
}

// NewBitsReqToInterface creates the adapter.
func NewBitsReqToInterface(scope *pipe.Scope) *BitsReqToInterface {
	b := &BitsReqToInterface{
		Item:    pipe.NewItem(scope, "BitsReqToInterface"),
		pending: loop.NewQueue[BitsRequest](),
	}
	b.AddReceiver("req", pipe.TypeOf[BitsRequest]())
	b.AddSender("out", pipe.TypeOf[signal.Change]())
	b.AddReceiver("in", pipe.TypeOf[signal.Change]())
	b.Go("send", b.send)
	b.Go("receive", b.receive)
	return b
}

func (b *BitsReqToInterface) send(ctx context.Context) error {
	reqs, out := b.Socket("req"), b.Socket("out")
	cycle := vtime.Cycles(1)
	for {
		v, err := reqs.Recv(ctx)
		if err != nil {
			return err
		}
		req := v.(BitsRequest)
		b.Logger().V(2).Info("found a bits request", "request", req.String())

		b.pending.Put(req)
		if err := out.Send(ctx, signal.Change{Value: req.Bits(), Time: cycle}); err != nil {
			return err
		}
		cycle = cycle.Add(vtime.Cycles(1))
	}
}

func (b *BitsReqToInterface) receive(ctx context.Context) error {
	in := b.Socket("in")
	for {
		v, err := in.Recv(ctx)
		if err != nil {
			return err
		}
		chg, ok := v.(signal.Change)
		if !ok {
			continue
		}

		req, err := b.pending.Get(ctx)
		if err != nil {
			return err
		}
		b.Logger().V(2).Info("found a value for bits request", "value", chg.Value, "request", req.String())
		req.Commit(chg.Value)
	}
}
