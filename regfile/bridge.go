package regfile

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sarchlab/cosim/pipe"
	"github.com/sarchlab/cosim/signal"
)

// Bus vector layout: data in bits 0-31, address in bits 32-39, write flag in
// bit 40.
const (
	busDataWidth = 32
	busAddrWidth = 8
	busWidth     = busDataWidth + busAddrWidth + 1
)

// PackBus encodes a bus request as a vector.
func PackBus(req *BusRequest) signal.Bits {
	n := uint64(req.Data) | uint64(req.Addr&0xff)<<busDataWidth
	if req.Write {
		n |= 1 << (busDataWidth + busAddrWidth)
	}
	return signal.FromUint(n, busWidth)
}

// BitsBridge serves bus requests from "req" one at a time over a vector
// interface: the packed request leaves on "send" and the reply arriving on
// "recv" commits it with its low 32 bits.
type BitsBridge struct {
	*pipe.Item
}

// NewBitsBridge creates the bridge.
func NewBitsBridge(scope *pipe.Scope) *BitsBridge {
	b := &BitsBridge{Item: pipe.NewItem(scope, "BitsBridge")}
	b.AddReceiver("req", BusRequestType)
	b.AddSender("send", pipe.TypeOf[signal.Bits]())
	b.AddReceiver("recv", pipe.TypeOf[signal.Bits]())
	b.Go("run", b.run)
	return b
}

func (b *BitsBridge) run(ctx context.Context) error {
	reqs, send, recv := b.Socket("req"), b.Socket("send"), b.Socket("recv")
	log := b.Logger()

	for {
		v, err := reqs.Recv(ctx)
		if err != nil {
			return err
		}
		if m, ok := v.(pipe.Marker); ok {
			if m == pipe.StreamEnd {
				return send.Send(ctx, m)
			}
			continue
		}
		req := v.(*BusRequest)

		bits := PackBus(req)
		log.V(1).Info("got request", "request", req.String(), "bits", bits.String())
		if err := send.Send(ctx, bits); err != nil {
			return err
		}

		reply, err := recv.Recv(ctx)
		if err != nil {
			return err
		}
		rb, ok := reply.(signal.Bits)
		if !ok {
			return errors.Errorf("%s: expected Bits reply, got %T", b.Name(), reply)
		}
		n, err := rb.Uint()
		if err != nil {
			log.Info("received non-pure signal - replaced with 0", "reply", rb.String())
			n = 0
		}
		req.Commit(uint32(n))
	}
}
