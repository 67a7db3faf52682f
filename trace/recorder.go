package trace

import (
	"context"
	"sync"

	"github.com/sarchlab/cosim/pipe"
	"github.com/sarchlab/cosim/signal"
)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithTee forwards every recorded value on an "out" socket.
func WithTee() RecorderOption {
	return func(r *Recorder) { r.tee = true }
}

// WithStream sets the stream name. It defaults to the item name.
func WithStream(name string) RecorderOption {
	return func(r *Recorder) { r.stream = name }
}

// Recorder stores every value arriving on "in" in a Store.
type Recorder struct {
	*pipe.Item
	store  *Store
	stream string
	tee    bool

	mu    sync.Mutex
	count int64
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(scope *pipe.Scope, store *Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{Item: pipe.NewItem(scope, "Recorder"), store: store}
	for _, opt := range opts {
		opt(r)
	}
	if r.stream == "" {
		r.stream = r.Name()
	}

	r.AddReceiver("in", pipe.Any)
	if r.tee {
		r.AddSender("out", pipe.Any)
	}
	r.Go("run", r.run)
	return r
}

// Stream returns the stream name the values are stored under.
func (r *Recorder) Stream() string { return r.stream }

// Count returns the number of values stored so far.
func (r *Recorder) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Recorder) run(ctx context.Context) error {
	in := r.Socket("in")
	var out *pipe.Socket
	if r.tee {
		out = r.Socket("out")
	}

	for {
		v, err := in.Recv(ctx)
		if err != nil {
			return err
		}

		if m, ok := v.(pipe.Marker); !ok {
			if err := r.record(ctx, v); err != nil {
				r.Logger().Error(err, "cannot record", "value", v)
			}
		} else if m == pipe.StreamEnd && out == nil {
			return nil
		}

		if out != nil {
			if err := out.Send(ctx, v); err != nil {
				return err
			}
			if v == pipe.StreamEnd {
				return nil
			}
		}
	}
}

func (r *Recorder) record(ctx context.Context, v any) error {
	seq := r.Count()
	rec := Record{Stream: r.stream, Seq: seq, Value: v}
	if chg, ok := v.(signal.Change); ok {
		rec.HasTime, rec.Time, rec.Sync, rec.Value = true, chg.Time, chg.Sync, chg.Value
	}
	r.Logger().V(2).Info("record", "seq", seq, "value", v)

	// The sequence number is spent even if the row is lost.
	defer func() {
		r.mu.Lock()
		r.count++
		r.mu.Unlock()
	}()
	return r.store.Append(ctx, rec)
}
