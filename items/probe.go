package items

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/sarchlab/cosim/pipe"
	"github.com/sarchlab/cosim/signal"
	"github.com/sarchlab/cosim/vtime"
)

// Probe samples a stream of Bits Changes arriving on "in" at a movable
// position in time.
type Probe struct {
	*pipe.Item

	mu   sync.Mutex
	pos  vtime.Time
	prev *signal.Change
	next *signal.Change
}

// NewProbe creates a probe positioned at start.
func NewProbe(scope *pipe.Scope, start vtime.Time) *Probe {
	p := &Probe{Item: pipe.NewItem(scope, "Probe"), pos: start}
	p.AddReceiver("in", pipe.TypeOf[signal.Change]())
	return p
}

// Pos returns the current position.
func (p *Probe) Pos() vtime.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

// Seek moves the position to t, or by t when relative. A probe never moves
// backwards.
func (p *Probe) Seek(t vtime.Time, relative bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if relative {
		t = p.pos.Add(t)
	}
	if err := vtime.Compatible(p.pos, t); err != nil {
		return err
	}
	if t.Before(p.pos) {
		return errors.Errorf("%s cannot seek backwards to %s from %s", p.Name(), t, p.pos)
	}
	p.pos = t
	return nil
}

// Read returns the value valid at the current position.
func (p *Probe) Read(ctx context.Context) (signal.Bits, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.align(ctx, false); err != nil {
		return signal.Bits{}, err
	}
	if p.next != nil && p.pos.Equal(p.next.Time) {
		return p.next.Value.(signal.Bits), nil
	}
	return p.prev.Value.(signal.Bits), nil
}

// NextEdge advances to the next change of bit 0 matching edge and returns it.
// If limit is not zero and no edge occurs before it, the probe moves to limit
// and NextEdge reports false.
func (p *Probe) NextEdge(ctx context.Context, edge signal.Edge, limit vtime.Time) (signal.Change, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if err := p.align(ctx, true); err != nil {
			return signal.Change{}, false, err
		}
		if !limit.IsZero() && !p.next.Time.Before(limit) {
			p.pos = limit
			return signal.Change{}, false, nil
		}

		p.pos = p.next.Time
		a, b := p.prev.Value.(signal.Bits), p.next.Value.(signal.Bits)
		if a != b && a.Len() > 0 && b.Len() > 0 {
			if edge == signal.AnyEdge || edge.Matches(a.At(0), b.At(0)) {
				return *p.next, true, nil
			}
		}
	}
}

// align receives Changes until pos lies within [prev, next). With edge set
// it ensures both neighbours exist.
func (p *Probe) align(ctx context.Context, edge bool) error {
	recv := func() (*signal.Change, error) {
		for {
			v, err := p.Socket("in").Recv(ctx)
			if err != nil {
				return nil, err
			}
			if pipe.IsMarker(v) {
				if v == pipe.StreamEnd {
					return nil, errors.Errorf("%s: stream ended at %s", p.Name(), p.pos)
				}
				continue
			}
			chg := v.(signal.Change)
			if err := vtime.Compatible(p.pos, chg.Time); err != nil {
				return nil, err
			}
			return &chg, nil
		}
	}

	var err error
	if p.prev == nil {
		if p.prev, err = recv(); err != nil {
			return err
		}
	}
	if !edge && p.next == nil && p.pos.Equal(p.prev.Time) {
		return nil
	}
	if p.next == nil {
		if p.next, err = recv(); err != nil {
			return err
		}
	}
	for !p.pos.Before(p.next.Time) {
		chg, err := recv()
		if err != nil {
			return err
		}
		p.prev, p.next = p.next, chg
	}
	return nil
}
