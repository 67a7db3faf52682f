package sico

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/sarchlab/cosim/loop"
	"github.com/sarchlab/cosim/pipe"
	"github.com/sarchlab/cosim/signal"
	"github.com/sarchlab/cosim/vtime"
	"github.com/sarchlab/cosim/wire"
)

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithSampler re-publishes the last held sample every cycle of simulated time.
func WithSampler(cycle vtime.Time) ChannelOption {
	return func(ch *Channel) { ch.cycle = cycle }
}

// WithFrameMargin sets the distance kept between the promised hold time and
// the first value of a frame.
func WithFrameMargin(margin vtime.Time) ChannelOption {
	return func(ch *Channel) { ch.margin = margin }
}

// Channel is a port-graph item connecting one named simulator channel.
//
// Changes arriving on "outgo" are sent to the simulator; Changes coming from
// the simulator leave on "income". The values are Bits.
type Channel struct {
	*pipe.Item
	ctrl   *Control
	name   string
	queue  *loop.Queue[wire.Message]
	margin vtime.Time
	cycle  vtime.Time

	mu     sync.Mutex
	sample *signal.Change
}

// NewChannel creates the channel called name on ctrl.
func NewChannel(scope *pipe.Scope, ctrl *Control, name string, opts ...ChannelOption) *Channel {
	ch := &Channel{
		Item:   pipe.NewItem(scope, name),
		ctrl:   ctrl,
		name:   name,
		queue:  ctrl.Queue(name),
		margin: vtime.FromFreq(vtime.Mega),
	}
	for _, opt := range opts {
		opt(ch)
	}

	ch.AddSender("income", pipe.TypeOf[signal.Change]())
	ch.AddReceiver("outgo", pipe.TypeOf[signal.Change]())

	ch.Go("send", ch.runSend)
	ch.Go("recv", ch.runRecv)
	if !ch.cycle.IsZero() {
		ch.Go("sampler", ch.runSampler)
	}
	return ch
}

// Channel returns the simulator channel name.
func (ch *Channel) Channel() string { return ch.name }

// frame is the state of the outgoing side between FrameStart and FrameEnd.
type frame struct {
	hold   *Break
	offset vtime.Time
}

func (ch *Channel) runSend(ctx context.Context) error {
	in := ch.Socket("outgo")
	log := ch.Logger()

	var (
		open   *frame
		pos    vtime.Time
		hasPos bool
	)

	for {
		v, err := in.Recv(ctx)
		if err != nil {
			return err
		}

		if m, ok := v.(pipe.Marker); ok {
			switch m {
			case pipe.StreamEnd:
				log.V(1).Info("stream end")
				if open != nil {
					open.hold.Release()
				}
				return nil
			case pipe.FrameStart:
				if open != nil {
					return errors.Errorf("%s: frame start, but frame already started", ch.Name())
				}
				open, err = ch.openFrame(ctx, pos, hasPos)
				if err != nil {
					return err
				}
				log.V(1).Info("frame start", "at", open.offset.String())
			case pipe.FrameEnd:
				if open == nil {
					return errors.Errorf("%s: frame end, but no frame opened", ch.Name())
				}
				log.V(1).Info("try to release break")
				open.hold.Release()
				open = nil
				log.V(1).Info("frame stop", "at", pos.String())
			}
			continue
		}

		chg := v.(signal.Change)
		if _, ok := chg.Value.(signal.Bits); !ok {
			return errors.Errorf("channel %s must transport Bits, not %T", ch.name, chg.Value)
		}
		if open != nil {
			if err := vtime.Compatible(chg.Time, open.offset); err != nil {
				return errors.Wrapf(err, "%s: shift %s", ch.Name(), chg)
			}
			chg = chg.Shifted(open.offset)
			pos, hasPos = chg.Time, true
		}

		payload, err := chg.AppendBinary(nil)
		if err != nil {
			return errors.Wrapf(err, "%s: encode %s", ch.Name(), chg)
		}
		log.V(1).Info("change -> simulator", "change", chg.String())
		ch.ctrl.Push(wire.Message{Channel: ch.name, Payload: payload})
	}
}

// openFrame holds the simulator and computes where the frame starts: the
// promised hold time plus the margin, or the last position if that is later.
func (ch *Channel) openFrame(ctx context.Context, pos vtime.Time, hasPos bool) (*frame, error) {
	hold := ch.ctrl.HoldNow()
	promised, err := hold.Promised(ctx)
	if err != nil {
		return nil, err
	}
	if err := vtime.Compatible(promised, ch.margin); err != nil {
		hold.Release()
		return nil, errors.Wrapf(err, "%s: frame margin %s at %s", ch.Name(), ch.margin, promised)
	}

	offset := promised.Add(ch.margin)
	if hasPos && vtime.Compatible(offset, pos) == nil {
		offset = vtime.Max(offset, pos)
	}
	return &frame{hold: hold, offset: offset}, nil
}

func (ch *Channel) runRecv(ctx context.Context) error {
	out := ch.Socket("income")
	log := ch.Logger()

	for {
		m, err := ch.queue.Get(ctx)
		if err != nil {
			return err
		}

		sample, err := signal.DecodeChange(m.Payload)
		if err != nil {
			log.Error(err, "cannot decode sample", "msg", m.String())
			continue
		}

		ch.mu.Lock()
		ch.sample = &sample
		ch.mu.Unlock()

		chg := sample
		if !sample.Sync {
			chg = signal.NewChange(sample.Value, sample.Time)
		}
		log.V(1).Info("simulator -> change", "sample", sample.String(), "change", chg.String())

		if err := out.Send(ctx, chg); err != nil {
			return err
		}
	}
}

// runSampler synthesizes a Change one cycle behind the simulator's time while
// the last sample is a held one.
func (ch *Channel) runSampler(ctx context.Context) error {
	out := ch.Socket("income")

	for {
		now := ch.ctrl.Now()
		if vtime.Compatible(now, ch.cycle) == nil {
			at := now.Sub(ch.cycle)

			ch.mu.Lock()
			sample := ch.sample
			ch.mu.Unlock()

			if sample != nil && !sample.Sync &&
				vtime.Compatible(at, sample.Time) == nil && at.After(sample.Time) {
				if err := out.Send(ctx, signal.NewChange(sample.Value, at)); err != nil {
					return err
				}
			}
		}

		if _, err := ch.ctrl.SetWait(ch.cycle, true).Wait(ctx); err != nil {
			return errors.Wrapf(err, "%s: sampler", ch.Name())
		}
	}
}
