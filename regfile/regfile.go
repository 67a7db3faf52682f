// Package regfile mirrors a device register file on the host side.
//
// A Regfile sends BusRequests on its "req" socket and keeps the values it
// read or wrote in a small set associative cache. While the register file is
// held, writes only mark registers dirty; Release pushes them in the order
// they were first touched.
package regfile

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/sarchlab/cosim/pipe"
)

var (
	// ErrNotFound is returned by Lookup for unknown names.
	ErrNotFound = errors.New("regfile: no such register or field")
	// ErrLocked is returned by Hold on a register file that is already held.
	ErrLocked = errors.New("regfile: already held")
	// ErrNotLocked is returned by Release on a register file that is not held.
	ErrNotLocked = errors.New("regfile: not held")
	// ErrUnknownValue is returned when a value may not be fetched and has no
	// reset value to fall back to.
	ErrUnknownValue = errors.New("regfile: value unknown")
	// ErrAccess is returned for reads of write-only and writes of read-only
	// fields.
	ErrAccess = errors.New("regfile: access not permitted")
)

// Handle is a readable and writable register or field.
type Handle interface {
	Name() string
	Read(ctx context.Context) (uint32, error)
	Write(ctx context.Context, v uint32) error
}

// Option configures a Regfile.
type Option func(*Regfile)

// WithCache sizes the value cache.
func WithCache(config CacheConfig) Option {
	return func(rf *Regfile) { rf.cacheConfig = config }
}

// Regfile is a port graph item holding the registers of one device.
type Regfile struct {
	*pipe.Item
	cacheConfig CacheConfig
	regs        []*Register

	// ops serializes register operations, including their bus traffic.
	ops chan struct{}

	cache      *valueCache
	volatile   map[uint32]uint32
	touched    []uint32
	dirty      map[uint32]bool
	locked     bool
	lockedRead bool
}

// New creates an empty register file.
func New(scope *pipe.Scope, name string, opts ...Option) *Regfile {
	if name == "" {
		name = "Regfile"
	}

	rf := &Regfile{
		Item:        pipe.NewItem(scope, name),
		cacheConfig: DefaultCacheConfig(),
		ops:         make(chan struct{}, 1),
		volatile:    make(map[uint32]uint32),
		dirty:       make(map[uint32]bool),
	}
	for _, opt := range opts {
		opt(rf)
	}
	rf.cache = newValueCache(rf.cacheConfig)
	rf.AddSender("req", BusRequestType)
	return rf
}

// Add registers a register at addr.
func (rf *Regfile) Add(name string, addr uint32, opts ...RegisterOption) *Register {
	r := &Register{rf: rf, names: []string{name}, addr: addr}
	for _, opt := range opts {
		opt(r)
	}
	rf.regs = append(rf.regs, r)
	return r
}

// Registers returns the registers in the order they were added.
func (rf *Regfile) Registers() []*Register {
	return append([]*Register(nil), rf.regs...)
}

// Lookup finds a register by any of its names, or else a field by name.
func (rf *Regfile) Lookup(name string) (Handle, error) {
	for _, r := range rf.regs {
		if r.hasName(name) {
			return r, nil
		}
	}
	for _, r := range rf.regs {
		if f, err := r.Field(name); err == nil {
			return f, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "%s: %q", rf.Name(), name)
}

// Stats returns the cache statistics.
func (rf *Regfile) Stats() CacheStats {
	if err := rf.acquire(context.Background()); err != nil {
		return CacheStats{}
	}
	defer rf.unlock()
	return rf.cache.stats
}

// Hold starts batching writes until Release.
func (rf *Regfile) Hold(ctx context.Context) error {
	if err := rf.acquire(ctx); err != nil {
		return err
	}
	defer rf.unlock()

	if rf.locked {
		return errors.Wrap(ErrLocked, rf.Name())
	}
	rf.locked = true
	rf.Logger().V(1).Info("held")
	return nil
}

// LockRead forbids bus reads until the next Release. Reads of registers
// without a known value fall back to their reset value.
func (rf *Regfile) LockRead(ctx context.Context) error {
	if err := rf.acquire(ctx); err != nil {
		return err
	}
	defer rf.unlock()

	rf.lockedRead = true
	return nil
}

// Release ends a Hold and pushes every dirty register.
func (rf *Regfile) Release(ctx context.Context) error {
	if err := rf.acquire(ctx); err != nil {
		return err
	}
	defer rf.unlock()

	if !rf.locked {
		return errors.Wrap(ErrNotLocked, rf.Name())
	}
	rf.locked = false
	rf.lockedRead = false

	touched, volatile, dirty := rf.touched, rf.volatile, rf.dirty
	rf.touched = nil
	rf.volatile = make(map[uint32]uint32)
	rf.dirty = make(map[uint32]bool)

	for _, addr := range touched {
		if !dirty[addr] {
			continue
		}
		if err := rf.push(ctx, addr, volatile[addr]); err != nil {
			return err
		}
	}
	rf.Logger().V(1).Info("released", "pushed", len(dirty))
	return nil
}

// Held runs fn between Hold and Release. Release runs even if fn fails,
// unless ctx is already done.
func (rf *Regfile) Held(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := rf.Hold(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	if ctx.Err() != nil {
		return err
	}
	if rerr := rf.Release(ctx); err == nil {
		err = rerr
	}
	return err
}

// Invalidate forgets the cached value of addr.
func (rf *Regfile) Invalidate(addr uint32) {
	if err := rf.acquire(context.Background()); err != nil {
		return
	}
	defer rf.unlock()
	rf.cache.invalidate(addr)
}

// Reset forgets every cached value.
func (rf *Regfile) Reset() {
	if err := rf.acquire(context.Background()); err != nil {
		return
	}
	defer rf.unlock()
	rf.cache.reset()
}

// call runs fn on the host with the register file operations serialized.
func (rf *Regfile) call(name string, timeout time.Duration, fn func(ctx context.Context) (uint32, error)) (uint32, error) {
	v, err := rf.Host().Call(name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, timeout)
	if err != nil {
		return 0, err
	}
	return v.(uint32), nil
}

func (rf *Regfile) acquire(ctx context.Context) error {
	select {
	case rf.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rf *Regfile) unlock() { <-rf.ops }

// read returns the value of addr from the volatile set, then the cache, then
// the bus. ok is false if the value is unknown and may not be fetched.
func (rf *Regfile) read(ctx context.Context, addr uint32, noCache, noFetch bool) (v uint32, ok bool, err error) {
	if v, ok := rf.volatile[addr]; ok {
		return v, true, nil
	}
	if !noCache {
		if v, ok := rf.cache.get(addr); ok {
			return v, true, nil
		}
	}
	if rf.lockedRead || noFetch {
		return 0, false, nil
	}

	rf.Logger().V(1).Info("fetching", "addr", addr)
	req := NewRead(addr)
	if err := rf.Socket("req").Send(ctx, req); err != nil {
		return 0, false, err
	}
	if _, err := req.Wait(ctx, 0); err != nil {
		return 0, false, errors.Wrapf(err, "%s: read %#x", rf.Name(), addr)
	}
	v = req.Value()
	rf.Logger().V(1).Info("fetched", "addr", addr, "value", v)

	if !noCache {
		rf.cache.put(addr, v)
	}
	if rf.locked {
		rf.setVolatile(addr, v)
	}
	return v, true, nil
}

// write stores v at addr. Writes of the value already known are dropped.
func (rf *Regfile) write(ctx context.Context, addr, v uint32, noCache bool) error {
	curr, known, err := rf.read(ctx, addr, false, true)
	if err != nil {
		return err
	}
	if known && curr == v {
		rf.Logger().V(2).Info("write suppressed", "addr", addr, "value", v)
		return nil
	}

	if rf.locked {
		rf.setVolatile(addr, v)
		rf.dirty[addr] = true
	}
	if !noCache {
		rf.cache.put(addr, v)
	}
	if rf.locked {
		return nil
	}
	return rf.push(ctx, addr, v)
}

func (rf *Regfile) setVolatile(addr, v uint32) {
	if _, ok := rf.volatile[addr]; !ok {
		rf.touched = append(rf.touched, addr)
	}
	rf.volatile[addr] = v
}

func (rf *Regfile) push(ctx context.Context, addr, v uint32) error {
	rf.Logger().V(1).Info("pushing", "addr", addr, "value", v)
	req := NewWrite(addr, v)
	if err := rf.Socket("req").Send(ctx, req); err != nil {
		return err
	}
	if _, err := req.Wait(ctx, 0); err != nil {
		return errors.Wrapf(err, "%s: write %#x", rf.Name(), addr)
	}
	return nil
}
