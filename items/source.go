package items

import (
	"context"

	"github.com/sarchlab/cosim/pipe"
	"github.com/sarchlab/cosim/signal"
	"github.com/sarchlab/cosim/vtime"
)

// ClockOption configures a Clock.
type ClockOption func(*Clock)

// WithStart sets the first emitted time.
func WithStart(t vtime.Time) ClockOption {
	return func(c *Clock) { c.start = t }
}

// WithStop makes the clock end its stream before reaching t.
func WithStop(t vtime.Time) ClockOption {
	return func(c *Clock) {
		c.stop = t
		c.bounded = true
	}
}

// Clock emits evenly spaced times on "out", followed by StreamEnd if it has
// a stop time.
type Clock struct {
	*pipe.Item
	period  vtime.Time
	start   vtime.Time
	stop    vtime.Time
	bounded bool
}

// NewClock creates a clock ticking every period.
func NewClock(scope *pipe.Scope, period vtime.Time, opts ...ClockOption) *Clock {
	c := &Clock{
		Item:   pipe.NewItem(scope, "Clock"),
		period: period,
		start:  vtime.Zero(period.Domain()),
	}
	for _, o := range opts {
		o(c)
	}
	c.AddSender("out", pipe.TypeOf[vtime.Time]())
	c.Logger().V(1).Info("create clock",
		"start", c.start.String(), "stop", c.stop.String(), "period", period.String())
	c.Go("run", c.run)
	return c
}

func (c *Clock) run(ctx context.Context) error {
	out := c.Socket("out")
	for now := c.start; !c.bounded || now.Before(c.stop); now = now.Add(c.period) {
		if err := out.Send(ctx, now); err != nil {
			return err
		}
	}
	return out.Send(ctx, pipe.StreamEnd)
}

// Range emits the ints start, start+step, ... below stop on "out", then
// StreamEnd.
type Range struct {
	*pipe.Item
	start, stop, step int
}

// NewRange creates a Range item.
func NewRange(scope *pipe.Scope, start, stop, step int) *Range {
	r := &Range{Item: pipe.NewItem(scope, "Range"), start: start, stop: stop, step: step}
	r.AddSender("out", pipe.TypeOf[int]())
	r.Go("run", r.run)
	return r
}

func (r *Range) run(ctx context.Context) error {
	out := r.Socket("out")
	for i := r.start; (r.step > 0 && i < r.stop) || (r.step < 0 && i > r.stop); i += r.step {
		if err := out.Send(ctx, i); err != nil {
			return err
		}
	}
	return out.Send(ctx, pipe.StreamEnd)
}

// TimedSignal pairs each value from "in" with the next time from "clk" and
// emits the Change on "out". When either input ends, the last value is
// repeated as a held Change before the stream is closed.
type TimedSignal struct {
	*pipe.Item
}

// NewTimedSignal creates a TimedSignal for values of type t.
func NewTimedSignal(scope *pipe.Scope, name string, t pipe.Type) *TimedSignal {
	s := &TimedSignal{Item: pipe.NewItem(scope, name)}
	s.AddReceiver("clk", pipe.TypeOf[vtime.Time]())
	s.AddReceiver("in", t)
	s.AddSender("out", pipe.TypeOf[signal.Change]())
	s.Go("run", s.run)
	return s
}

func (s *TimedSignal) run(ctx context.Context) error {
	var (
		out  = s.Socket("out")
		last *signal.Change
	)

	// next returns the next plain value of sock, forwarding markers. It
	// reports false once the stream ended.
	next := func(sock *pipe.Socket) (any, bool, error) {
		for {
			v, err := sock.Recv(ctx)
			if err != nil {
				return nil, false, err
			}
			m, ok := v.(pipe.Marker)
			if !ok {
				return v, true, nil
			}
			if m != pipe.StreamEnd {
				if err := out.Send(ctx, m); err != nil {
					return nil, false, err
				}
				continue
			}

			s.Logger().Info("signal received stream end", "socket", sock.Name())
			if last != nil && last.Sync {
				held := signal.Change{Value: last.Value, Time: last.Time, Sync: false}
				s.Logger().Info("repeat last value async", "change", held.String())
				if err := out.Send(ctx, held); err != nil {
					return nil, false, err
				}
			}
			return nil, false, out.Send(ctx, pipe.StreamEnd)
		}
	}

	for {
		v, ok, err := next(s.Socket("in"))
		if !ok {
			return err
		}
		t, ok, err := next(s.Socket("clk"))
		if !ok {
			return err
		}

		chg := signal.NewChange(v, t.(vtime.Time))
		s.Logger().V(2).Info("created change", "change", chg.String())
		if err := out.Send(ctx, chg); err != nil {
			return err
		}
		last = &chg
	}
}
