package regfile

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/pkg/errors"
)

// RegisterOption configures a Register.
type RegisterOption func(*Register)

// WithAlias adds further names of the register.
func WithAlias(names ...string) RegisterOption {
	return func(r *Register) { r.names = append(r.names, names...) }
}

// WithReset sets the value assumed when the register cannot be read.
func WithReset(v uint32) RegisterOption {
	return func(r *Register) { r.reset, r.hasReset = v, true }
}

// WithMask sets bits that are always cleared on write.
func WithMask(mask uint32) RegisterOption {
	return func(r *Register) { r.mask = mask }
}

// Volatile marks a register whose value may change on its own. It is never
// served from the cache.
func Volatile() RegisterOption {
	return func(r *Register) { r.volatile = true }
}

// Opaque marks a register that cannot be read back.
func Opaque() RegisterOption {
	return func(r *Register) { r.opaque = true }
}

// Register is one 32 bit register of a Regfile.
type Register struct {
	rf       *Regfile
	names    []string
	addr     uint32
	reset    uint32
	hasReset bool
	mask     uint32
	volatile bool
	opaque   bool
	fields   []*Field
}

// Name returns the primary name.
func (r *Register) Name() string { return r.names[0] }

// Names returns every name of the register.
func (r *Register) Names() []string { return append([]string(nil), r.names...) }

// Addr returns the bus address.
func (r *Register) Addr() uint32 { return r.addr }

func (r *Register) hasName(name string) bool { return slices.Contains(r.names, name) }

// AddField adds a field covering bits lo to hi, both inclusive.
func (r *Register) AddField(name string, lo, hi int, opts ...FieldOption) *Field {
	if lo < 0 || hi > 31 || lo > hi {
		panic(fmt.Sprintf("regfile: field %s.%s has bad interval %d:%d", r.Name(), name, lo, hi))
	}

	f := &Field{reg: r, name: name, lo: lo, hi: hi, canRead: true, canWrite: true}
	for _, opt := range opts {
		opt(f)
	}
	r.fields = append(r.fields, f)
	return f
}

// Field returns the field called name.
func (r *Register) Field(name string) (*Field, error) {
	for _, f := range r.fields {
		if f.name == name {
			return f, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "%s: field %q", r.Name(), name)
}

// Fields returns the fields in the order they were added.
func (r *Register) Fields() []*Field { return append([]*Field(nil), r.fields...) }

// Invalidate forgets the cached value.
func (r *Register) Invalidate() { r.rf.Invalidate(r.addr) }

// Read returns the register value.
func (r *Register) Read(ctx context.Context) (uint32, error) {
	return r.ReadFresh(ctx, false)
}

// ReadFresh returns the register value, bypassing the cache if fresh is set.
func (r *Register) ReadFresh(ctx context.Context, fresh bool) (uint32, error) {
	if err := r.rf.acquire(ctx); err != nil {
		return 0, err
	}
	defer r.rf.unlock()
	return r.read(ctx, fresh)
}

// Write sets the register value.
func (r *Register) Write(ctx context.Context, v uint32) error {
	if err := r.rf.acquire(ctx); err != nil {
		return err
	}
	defer r.rf.unlock()
	return r.write(ctx, v)
}

// Rd is Read for callers outside the host. A timeout <= 0 uses the host's
// call timeout.
func (r *Register) Rd(timeout time.Duration) (uint32, error) {
	return r.rf.call(r.Name()+"~rd", timeout, r.Read)
}

// Wr is Write for callers outside the host.
func (r *Register) Wr(v uint32, timeout time.Duration) error {
	_, err := r.rf.call(r.Name()+"~wr", timeout, func(ctx context.Context) (uint32, error) {
		return 0, r.Write(ctx, v)
	})
	return err
}

func (r *Register) read(ctx context.Context, fresh bool) (uint32, error) {
	noCache := r.volatile || r.opaque || fresh
	v, ok, err := r.rf.read(ctx, r.addr, noCache, r.opaque)
	if err != nil {
		return 0, err
	}
	if ok {
		return v, nil
	}
	if r.hasReset {
		return r.reset, nil
	}
	return 0, errors.Wrapf(ErrUnknownValue, "register %s", r.Name())
}

func (r *Register) write(ctx context.Context, v uint32) error {
	return r.rf.write(ctx, r.addr, v&^r.mask, r.volatile || r.opaque)
}

func (r *Register) String() string {
	return fmt.Sprintf("Register(%s@%#x)", r.Name(), r.addr)
}

// FieldOption configures a Field.
type FieldOption func(*Field)

// ReadOnly forbids writes of the field.
func ReadOnly() FieldOption {
	return func(f *Field) { f.canWrite = false }
}

// WriteOnly forbids reads of the field.
func WriteOnly() FieldOption {
	return func(f *Field) { f.canRead = false }
}

// Field is a bit interval of a Register.
type Field struct {
	reg      *Register
	name     string
	lo, hi   int
	canRead  bool
	canWrite bool
}

// Name returns the field name.
func (f *Field) Name() string { return f.name }

// Register returns the register the field belongs to.
func (f *Field) Register() *Register { return f.reg }

// Interval returns the lowest and highest bit of the field.
func (f *Field) Interval() (lo, hi int) { return f.lo, f.hi }

func (f *Field) mask() uint32 {
	width := uint(f.hi - f.lo + 1)
	return uint32((uint64(1)<<width)-1) << uint(f.lo)
}

// Read returns the field value, shifted down to bit 0.
func (f *Field) Read(ctx context.Context) (uint32, error) {
	if !f.canRead {
		return 0, errors.Wrapf(ErrAccess, "read of field %s", f.name)
	}
	if err := f.reg.rf.acquire(ctx); err != nil {
		return 0, err
	}
	defer f.reg.rf.unlock()

	v, err := f.reg.read(ctx, false)
	if err != nil {
		return 0, err
	}
	return (v & f.mask()) >> uint(f.lo), nil
}

// Write replaces the field bits of the register and keeps the others.
func (f *Field) Write(ctx context.Context, v uint32) error {
	if !f.canWrite {
		return errors.Wrapf(ErrAccess, "write of field %s", f.name)
	}
	if err := f.reg.rf.acquire(ctx); err != nil {
		return err
	}
	defer f.reg.rf.unlock()

	curr, err := f.reg.read(ctx, false)
	if err != nil {
		return err
	}
	mask := f.mask()
	return f.reg.write(ctx, curr&^mask|(v<<uint(f.lo))&mask)
}

// Rd is Read for callers outside the host.
func (f *Field) Rd(timeout time.Duration) (uint32, error) {
	return f.reg.rf.call(f.name+"~rd", timeout, f.Read)
}

// Wr is Write for callers outside the host.
func (f *Field) Wr(v uint32, timeout time.Duration) error {
	_, err := f.reg.rf.call(f.name+"~wr", timeout, func(ctx context.Context) (uint32, error) {
		return 0, f.Write(ctx, v)
	})
	return err
}

func (f *Field) String() string {
	return fmt.Sprintf("Field(%s.%s[%d:%d])", f.reg.Name(), f.name, f.hi, f.lo)
}
