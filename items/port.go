package items

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sarchlab/cosim/pipe"
)

// OutPort exposes an item's sender socket as a fresh receiver "in", so the
// socket can be fed from a graph built elsewhere.
type OutPort struct {
	*pipe.Item
	port *pipe.Socket
}

// NewOutPort wraps the sender port.
func NewOutPort(scope *pipe.Scope, port *pipe.Socket) *OutPort {
	if port.Direction() != pipe.Sender {
		panic(&pipe.ContractError{Socket: port.Name(), Msg: "OutPort needs a sender"})
	}
	o := &OutPort{Item: pipe.NewItem(scope, "OutPort"), port: port}
	o.AddReceiver("in", port.Type())
	o.Go("run", o.run)
	return o
}

func (o *OutPort) run(ctx context.Context) error {
	return forward(ctx, o.Socket("in"), o.port)
}

// InPort exposes an item's receiver socket as a fresh sender "out".
type InPort struct {
	*pipe.Item
	port *pipe.Socket
}

// NewInPort wraps the receiver port.
func NewInPort(scope *pipe.Scope, port *pipe.Socket) *InPort {
	if port.Direction() != pipe.Receiver {
		panic(&pipe.ContractError{Socket: port.Name(), Msg: "InPort needs a receiver"})
	}
	i := &InPort{Item: pipe.NewItem(scope, "InPort"), port: port}
	i.AddSender("out", port.Type())
	i.Go("run", i.run)
	return i
}

func (i *InPort) run(ctx context.Context) error {
	return forward(ctx, i.port, i.Socket("out"))
}

// Printer writes every value received on "in" to a writer, one per line.
type Printer struct {
	*pipe.Item
	w io.Writer
}

// NewPrinter creates a printer writing to w, or to stdout if w is nil.
func NewPrinter(scope *pipe.Scope, w io.Writer) *Printer {
	if w == nil {
		w = os.Stdout
	}
	p := &Printer{Item: pipe.NewItem(scope, "Printer"), w: w}
	p.AddReceiver("in", pipe.Any)
	p.Go("run", p.run)
	return p
}

func (p *Printer) run(ctx context.Context) error {
	in := p.Socket("in")
	for {
		v, err := in.Recv(ctx)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(p.w, v); err != nil {
			return err
		}
	}
}

func forward(ctx context.Context, from, to *pipe.Socket) error {
	for {
		v, err := from.Recv(ctx)
		if err != nil {
			return err
		}
		if err := to.Send(ctx, v); err != nil {
			return err
		}
	}
}
