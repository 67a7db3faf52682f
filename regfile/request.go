package regfile

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/sarchlab/cosim/items"
	"github.com/sarchlab/cosim/loop"
	"github.com/sarchlab/cosim/pipe"
)

// BusRequest is one register bus access. Reads are committed with the
// uint32 value read; writes are committed once the bus accepted them.
type BusRequest struct {
	*loop.Request
	Addr  uint32
	Write bool
	Data  uint32
}

// NewRead creates a read of addr.
func NewRead(addr uint32) *BusRequest {
	r := &BusRequest{Addr: addr}
	r.Request = loop.NewRequest(r)
	return r
}

// NewWrite creates a write of data to addr.
func NewWrite(addr, data uint32) *BusRequest {
	r := &BusRequest{Addr: addr, Write: true, Data: data}
	r.Request = loop.NewRequest(r)
	return r
}

// Value returns the committed value as uint32. Results of other types read
// as zero.
func (r *BusRequest) Value() uint32 {
	v, _ := r.Result().(uint32)
	return v
}

func (r *BusRequest) String() string {
	if r.Write {
		return fmt.Sprintf("BusRequest(%s,wr,%#x<-%#x)", r.UID(), r.Addr, r.Data)
	}
	return fmt.Sprintf("BusRequest(%s,rd,%#x)", r.UID(), r.Addr)
}

// BusRequestType is the port type of register bus sockets.
var BusRequestType = pipe.TypeOf[*BusRequest]()

// NewAddrConvert creates a converter rewriting the address of every bus
// request with fn. The incoming request is committed with the result of the
// rewritten one.
func NewAddrConvert(scope *pipe.Scope, name string, fn func(uint32) uint32) *items.Converter {
	host := scope.Host()
	return items.NewConverter(scope, name, BusRequestType, BusRequestType, func(v any) (any, error) {
		req, ok := v.(*BusRequest)
		if !ok {
			return nil, errors.Errorf("%s: expected *BusRequest, got %T", name, v)
		}

		out := NewRead(fn(req.Addr))
		if req.Write {
			out = NewWrite(fn(req.Addr), req.Data)
		}
		out.OnCommit(host, func(_ context.Context, r *loop.Request) {
			req.Commit(r.Result())
		})
		return out, nil
	})
}

// NewOffset creates a converter adding offset to every bus address.
func NewOffset(scope *pipe.Scope, offset uint32) *items.Converter {
	return NewAddrConvert(scope, "BusOffset", func(addr uint32) uint32 { return addr + offset })
}
