package items

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/sarchlab/cosim/pipe"
	"github.com/sarchlab/cosim/signal"
	"github.com/sarchlab/cosim/vtime"
)

// ConvertFunc maps one value to another.
type ConvertFunc func(v any) (any, error)

// Converter applies a function to every value passing from "in" to "out".
// Markers are forwarded unchanged; a StreamEnd ends the input. A multiplexing
// converter has no fixed input and forges a new input socket for every
// matching sender connected to it.
type Converter struct {
	*pipe.Item
	from    pipe.Type
	convert ConvertFunc

	mu    sync.Mutex
	ports int
}

// NewConverter creates a converter with a single "in" socket.
func NewConverter(scope *pipe.Scope, name string, from, to pipe.Type, fn ConvertFunc) *Converter {
	c := newConverter(scope, name, from, to)
	c.convert = fn
	c.start()
	return c
}

// NewMuxConverter creates a converter that forges inputs on demand.
func NewMuxConverter(scope *pipe.Scope, name string, from, to pipe.Type, fn ConvertFunc) *Converter {
	c := newConverter(scope, name, from, to)
	c.convert = fn
	c.SetForge(c.forge)
	return c
}

func newConverter(scope *pipe.Scope, name string, from, to pipe.Type) *Converter {
	c := &Converter{Item: pipe.NewItem(scope, name), from: from}
	c.AddSender("out", to)
	return c
}

func (c *Converter) start() {
	in := c.AddReceiver("in", c.from)
	c.Go("run", func(ctx context.Context) error { return c.run(ctx, in) })
}

func (c *Converter) forge(t pipe.Type) *pipe.Socket {
	if !t.Match(c.from) {
		return nil
	}

	c.mu.Lock()
	n := c.ports
	c.ports++
	c.mu.Unlock()

	in := c.AddReceiver(fmt.Sprintf("in%d", n), c.from)
	c.Go(fmt.Sprintf("run%d", n), func(ctx context.Context) error { return c.run(ctx, in) })
	return in
}

func (c *Converter) run(ctx context.Context, in *pipe.Socket) error {
	out := c.Socket("out")
	for {
		v, err := in.Recv(ctx)
		if err != nil {
			return err
		}

		if m, ok := v.(pipe.Marker); ok {
			if err := out.Send(ctx, m); err != nil {
				return err
			}
			if m == pipe.StreamEnd {
				return nil
			}
			continue
		}

		cv, err := c.convert(v)
		if err != nil {
			return errors.Wrapf(err, "%s convert %v", c.Name(), v)
		}
		if err := out.Send(ctx, cv); err != nil {
			return err
		}
	}
}

// NewIntToBits converts ints into Bits of the given width.
func NewIntToBits(scope *pipe.Scope, width int) *Converter {
	return NewConverter(scope, "IntToBits", pipe.TypeOf[int](), pipe.TypeOf[signal.Bits](),
		func(v any) (any, error) {
			return signal.FromUint(uint64(v.(int)), width), nil
		})
}

// NewBitsToInt converts Bits into ints. Vectors with indeterminate bits
// become 0 and are logged.
func NewBitsToInt(scope *pipe.Scope) *Converter {
	c := newConverter(scope, "BitsToInt", pipe.TypeOf[signal.Bits](), pipe.TypeOf[int]())
	c.convert = func(v any) (any, error) {
		b := v.(signal.Bits)
		n, err := b.Uint()
		if err != nil {
			c.Logger().Info("cannot convert to int - send 0", "value", b.String())
			return 0, nil
		}
		return int(n), nil
	}
	c.start()
	return c
}

// NewClockedSignal wraps plain values into held Changes at consecutive
// cycles starting at 0.
func NewClockedSignal(scope *pipe.Scope) *Converter {
	cycle := vtime.Cycles(0)
	return NewConverter(scope, "ClockedSignal", pipe.Any, pipe.TypeOf[signal.Change](),
		func(v any) (any, error) {
			chg := signal.Change{Value: v, Time: cycle, Sync: false}
			cycle = cycle.Add(vtime.Cycles(1))
			return chg, nil
		})
}

// NewSignalInterface unpacks Changes to their values. Changes that do not
// advance in time are logged.
func NewSignalInterface(scope *pipe.Scope) *Converter {
	var last *vtime.Time
	c := newConverter(scope, "SignalInterface", pipe.TypeOf[signal.Change](), pipe.Any)
	c.convert = func(v any) (any, error) {
		chg := v.(signal.Change)
		if last != nil && vtime.Compatible(*last, chg.Time) == nil && !last.Before(chg.Time) {
			c.Logger().Info("interface provided values out of order",
				"last", last.String(), "time", chg.Time.String())
		}
		t := chg.Time
		last = &t
		return chg.Value, nil
	}
	c.start()
	return c
}

// Multiplexer merges every sender connected to it into its "out" socket.
type Multiplexer struct {
	*pipe.Item

	mu    sync.Mutex
	ports int
}

// NewMultiplexer creates a multiplexer for values of type t.
func NewMultiplexer(scope *pipe.Scope, name string, t pipe.Type) *Multiplexer {
	m := &Multiplexer{Item: pipe.NewItem(scope, name)}
	m.AddSender("out", t)
	m.SetForge(m.forge)
	return m
}

func (m *Multiplexer) forge(t pipe.Type) *pipe.Socket {
	out := m.Socket("out")
	if !t.Match(out.Type()) {
		return nil
	}

	m.mu.Lock()
	n := m.ports
	m.ports++
	m.mu.Unlock()

	in := m.AddReceiver(fmt.Sprintf("in%d", n), out.Type())
	m.Go(fmt.Sprintf("receiver%d", n), func(ctx context.Context) error {
		for {
			v, err := in.Recv(ctx)
			if err != nil {
				return err
			}
			m.Logger().V(2).Info("multiplex", "from", in.Name(), "value", v)
			if err := out.Send(ctx, v); err != nil {
				return err
			}
		}
	})
	return in
}
