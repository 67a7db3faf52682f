package regfile_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/sarchlab/cosim/items"
	"github.com/sarchlab/cosim/loop"
	"github.com/sarchlab/cosim/pipe"
	"github.com/sarchlab/cosim/regfile"
	"github.com/sarchlab/cosim/signal"
)

type access struct {
	Write bool
	Addr  uint32
	Data  uint32
}

func rd(addr uint32) access       { return access{Addr: addr} }
func wr(addr, data uint32) access { return access{Write: true, Addr: addr, Data: data} }

// memory answers bus requests from a word map and records every access.
type memory struct {
	*pipe.Item

	mu       sync.Mutex
	words    map[uint32]uint32
	accesses []access
}

func newMemory(scope *pipe.Scope, words map[uint32]uint32) *memory {
	if words == nil {
		words = make(map[uint32]uint32)
	}
	m := &memory{Item: pipe.NewItem(scope, "memory"), words: words}
	m.AddReceiver("req", regfile.BusRequestType)
	m.Go("run", m.run)
	return m
}

func (m *memory) run(ctx context.Context) error {
	in := m.Socket("req")
	for {
		v, err := in.Recv(ctx)
		if err != nil {
			return err
		}
		req := v.(*regfile.BusRequest)

		m.mu.Lock()
		m.accesses = append(m.accesses, access{Write: req.Write, Addr: req.Addr, Data: req.Data})
		if req.Write {
			m.words[req.Addr] = req.Data
		}
		val := m.words[req.Addr]
		m.mu.Unlock()

		req.Commit(val)
	}
}

func (m *memory) log() []access {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]access(nil), m.accesses...)
}

func (m *memory) set(addr, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words[addr] = v
}

var _ = Describe("Regfile", func() {
	var (
		host  *loop.Host
		scope *pipe.Scope
		ctx   context.Context
		rf    *regfile.Regfile
		mem   *memory
	)

	setup := func(words map[uint32]uint32, opts ...regfile.Option) {
		rf = regfile.New(scope, "", opts...)
		mem = newMemory(scope, words)
		Expect(pipe.Connect(rf, mem)).To(Succeed())
	}

	BeforeEach(func() {
		host = loop.New(loop.Options{Logger: GinkgoLogr})
		DeferCleanup(host.Stop)
		scope = pipe.NewScope(host)

		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		DeferCleanup(cancel)
	})

	Describe("reads", func() {
		It("should serve repeated reads from the cache", func() {
			setup(map[uint32]uint32{0x10: 0xCAFE})
			reg := rf.Add("status", 0x10)

			Expect(reg.Read(ctx)).To(Equal(uint32(0xCAFE)))
			mem.set(0x10, 0xBEEF)
			Expect(reg.Read(ctx)).To(Equal(uint32(0xCAFE)))

			Expect(mem.log()).To(Equal([]access{rd(0x10)}))
			Expect(rf.Stats().Hits).To(Equal(uint64(1)))
		})

		It("should refetch after invalidation and for fresh reads", func() {
			setup(map[uint32]uint32{0x10: 1})
			reg := rf.Add("status", 0x10)

			Expect(reg.Read(ctx)).To(Equal(uint32(1)))
			mem.set(0x10, 2)
			reg.Invalidate()
			Expect(reg.Read(ctx)).To(Equal(uint32(2)))
			mem.set(0x10, 3)
			Expect(reg.ReadFresh(ctx, true)).To(Equal(uint32(3)))

			Expect(mem.log()).To(HaveLen(3))
		})

		It("should always fetch volatile registers", func() {
			setup(map[uint32]uint32{0x20: 7})
			reg := rf.Add("counter", 0x20, regfile.Volatile())

			Expect(reg.Read(ctx)).To(Equal(uint32(7)))
			mem.set(0x20, 8)
			Expect(reg.Read(ctx)).To(Equal(uint32(8)))
			Expect(mem.log()).To(Equal([]access{rd(0x20), rd(0x20)}))
		})

		It("should never fetch opaque registers", func() {
			setup(map[uint32]uint32{0x30: 9})
			withReset := rf.Add("key", 0x30, regfile.Opaque(), regfile.WithReset(0x55))
			noReset := rf.Add("secret", 0x34, regfile.Opaque())

			Expect(withReset.Read(ctx)).To(Equal(uint32(0x55)))
			_, err := noReset.Read(ctx)
			Expect(errors.Is(err, regfile.ErrUnknownValue)).To(BeTrue())
			Expect(mem.log()).To(BeEmpty())
		})

		It("should evict the least recently used value", func() {
			setup(map[uint32]uint32{1: 1, 2: 2, 3: 3},
				regfile.WithCache(regfile.CacheConfig{Entries: 2, Associativity: 2}))
			a, b, c := rf.Add("a", 1), rf.Add("b", 2), rf.Add("c", 3)

			for _, r := range []*regfile.Register{a, b, a, c, a, b} {
				_, err := r.Read(ctx)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(mem.log()).To(Equal([]access{rd(1), rd(2), rd(3), rd(2)}))
			stats := rf.Stats()
			Expect(stats.Hits).To(Equal(uint64(2)))
			Expect(stats.Evictions).To(Equal(uint64(2)))
		})
	})

	Describe("writes", func() {
		It("should drop writes of the known value", func() {
			setup(nil)
			reg := rf.Add("ctrl", 0x40)

			Expect(reg.Write(ctx, 5)).To(Succeed())
			Expect(reg.Write(ctx, 5)).To(Succeed())
			Expect(reg.Write(ctx, 6)).To(Succeed())

			Expect(mem.log()).To(Equal([]access{wr(0x40, 5), wr(0x40, 6)}))
		})

		It("should clear masked bits", func() {
			setup(nil)
			reg := rf.Add("ctrl", 0x40, regfile.WithMask(0x80000000))

			Expect(reg.Write(ctx, 0x80000001)).To(Succeed())
			Expect(mem.log()).To(Equal([]access{wr(0x40, 1)}))
		})

		It("should always push writes of volatile registers", func() {
			setup(nil)
			reg := rf.Add("fifo", 0x44, regfile.Volatile())

			Expect(reg.Write(ctx, 1)).To(Succeed())
			Expect(reg.Write(ctx, 1)).To(Succeed())
			Expect(mem.log()).To(Equal([]access{wr(0x44, 1), wr(0x44, 1)}))
		})
	})

	Describe("fields", func() {
		It("should read and modify bit intervals", func() {
			setup(map[uint32]uint32{0x10: 0xF0})
			reg := rf.Add("ctrl", 0x10)
			low := reg.AddField("low", 0, 3)
			high := reg.AddField("high", 4, 7)

			Expect(high.Read(ctx)).To(Equal(uint32(0xF)))
			Expect(low.Write(ctx, 0x15)).To(Succeed())

			Expect(mem.log()).To(Equal([]access{rd(0x10), wr(0x10, 0xF5)}))
			Expect(low.Read(ctx)).To(Equal(uint32(0x5)))
		})

		It("should refuse forbidden accesses", func() {
			setup(nil)
			reg := rf.Add("ctrl", 0x10)
			ro := reg.AddField("ro", 0, 0, regfile.ReadOnly())
			wo := reg.AddField("wo", 1, 1, regfile.WriteOnly())

			Expect(errors.Is(ro.Write(ctx, 1), regfile.ErrAccess)).To(BeTrue())
			_, err := wo.Read(ctx)
			Expect(errors.Is(err, regfile.ErrAccess)).To(BeTrue())
		})

		It("should cover the full register width", func() {
			setup(map[uint32]uint32{0x10: 0xFFFFFFFF})
			all := rf.Add("ctrl", 0x10).AddField("all", 0, 31)

			Expect(all.Read(ctx)).To(Equal(uint32(0xFFFFFFFF)))
		})
	})

	Describe("lookup", func() {
		It("should find registers by alias and fields by name", func() {
			setup(nil)
			reg := rf.Add("ctrl", 0x10, regfile.WithAlias("control"))
			f := reg.AddField("enable", 0, 0)

			Expect(rf.Lookup("control")).To(BeIdenticalTo(reg))
			Expect(rf.Lookup("enable")).To(BeIdenticalTo(f))

			_, err := rf.Lookup("nope")
			Expect(errors.Is(err, regfile.ErrNotFound)).To(BeTrue())
			_, err = reg.Field("nope")
			Expect(errors.Is(err, regfile.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("hold and release", func() {
		It("should batch dirty writes until release", func() {
			setup(nil)
			a, b := rf.Add("a", 1), rf.Add("b", 2)

			Expect(rf.Hold(ctx)).To(Succeed())
			Expect(a.Write(ctx, 1)).To(Succeed())
			Expect(b.Write(ctx, 2)).To(Succeed())
			Expect(a.Write(ctx, 3)).To(Succeed())
			Expect(mem.log()).To(BeEmpty())

			Expect(rf.Release(ctx)).To(Succeed())
			Expect(mem.log()).To(Equal([]access{wr(1, 3), wr(2, 2)}))
		})

		It("should not push registers that were only read", func() {
			setup(map[uint32]uint32{1: 4})
			a := rf.Add("a", 1)

			Expect(rf.Held(ctx, func(ctx context.Context) error {
				_, err := a.Read(ctx)
				return err
			})).To(Succeed())
			Expect(mem.log()).To(Equal([]access{rd(1)}))
		})

		It("should fall back to reset values while reads are locked", func() {
			setup(map[uint32]uint32{1: 4})
			a := rf.Add("a", 1, regfile.WithReset(9))

			Expect(rf.Hold(ctx)).To(Succeed())
			Expect(rf.LockRead(ctx)).To(Succeed())
			Expect(a.Read(ctx)).To(Equal(uint32(9)))
			Expect(rf.Release(ctx)).To(Succeed())

			Expect(a.Read(ctx)).To(Equal(uint32(4)))
			Expect(mem.log()).To(Equal([]access{rd(1)}))
		})

		It("should reject nested holds and stray releases", func() {
			setup(nil)

			Expect(errors.Is(rf.Release(ctx), regfile.ErrNotLocked)).To(BeTrue())
			Expect(rf.Hold(ctx)).To(Succeed())
			Expect(errors.Is(rf.Hold(ctx), regfile.ErrLocked)).To(BeTrue())
		})
	})

	Describe("synchronous access", func() {
		It("should run reads and writes on the host", func() {
			setup(map[uint32]uint32{0x10: 0x0F})
			reg := rf.Add("ctrl", 0x10)
			f := reg.AddField("top", 4, 7)

			Expect(f.Wr(0xA, time.Second)).To(Succeed())
			Expect(reg.Rd(time.Second)).To(Equal(uint32(0xAF)))
			Expect(f.Rd(time.Second)).To(Equal(uint32(0xA)))
		})
	})

	Describe("address conversion", func() {
		It("should offset bus addresses and pass results back", func() {
			rf = regfile.New(scope, "dev")
			mem = newMemory(scope, map[uint32]uint32{0x104: 42})
			Expect(pipe.Chain(rf, regfile.NewOffset(scope, 0x100), mem)).To(Succeed())
			reg := rf.Add("r", 4)

			Expect(reg.Read(ctx)).To(Equal(uint32(42)))
			Expect(reg.Write(ctx, 43)).To(Succeed())
			Expect(mem.log()).To(Equal([]access{rd(0x104), wr(0x104, 43)}))
		})
	})

	Describe("BitsBridge", func() {
		var (
			bridge *regfile.BitsBridge
			seen   []signal.Bits
			mu     sync.Mutex
			reply  func(signal.Bits) signal.Bits
		)

		BeforeEach(func() {
			seen = nil
			rf = regfile.New(scope, "dev")
			bridge = regfile.NewBitsBridge(scope)
			echo := items.NewConverter(scope, "device", pipe.TypeOf[signal.Bits](), pipe.TypeOf[signal.Bits](),
				func(v any) (any, error) {
					b := v.(signal.Bits)
					mu.Lock()
					seen = append(seen, b)
					mu.Unlock()
					return reply(b), nil
				})
			Expect(pipe.Connect(rf, bridge)).To(Succeed())
			Expect(pipe.Cross(bridge, echo)).To(Succeed())
		})

		It("should pack requests and commit the low reply bits", func() {
			reply = func(b signal.Bits) signal.Bits {
				n, _ := b.Uint()
				addr := (n >> 32) & 0xff
				return signal.FromUint(0xAB00000000|addr*2, 41)
			}
			reg := rf.Add("r", 0x21)

			Expect(reg.Read(ctx)).To(Equal(uint32(0x42)))
			Expect(reg.Write(ctx, 0x1234)).To(Succeed())

			mu.Lock()
			defer mu.Unlock()
			Expect(seen).To(Equal([]signal.Bits{
				signal.FromUint(0x21<<32, 41),
				signal.FromUint(1<<40|0x21<<32|0x1234, 41),
			}))
		})

		It("should replace indeterminate replies by zero", func() {
			reply = func(signal.Bits) signal.Bits { return signal.Fill(signal.X, 41) }
			reg := rf.Add("r", 1)

			Expect(reg.Read(ctx)).To(Equal(uint32(0)))
		})
	})
})
