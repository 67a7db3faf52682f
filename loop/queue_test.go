package loop_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cosim/loop"
)

var _ = Describe("Queue", func() {
	It("should return elements in FIFO order", func() {
		q := loop.NewQueue[int]()
		q.Put(1)
		q.Put(2)
		q.Put(3)

		Expect(q.Len()).To(Equal(3))
		for _, want := range []int{1, 2, 3} {
			v, err := q.Get(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(want))
		}
		_, ok := q.TryGet()
		Expect(ok).To(BeFalse())
	})

	It("should block Get until Put", func() {
		q := loop.NewQueue[string]()
		got := make(chan string, 1)
		go func() {
			v, _ := q.Get(context.Background())
			got <- v
		}()

		Consistently(got, 20*time.Millisecond).ShouldNot(Receive())
		q.Put("hello")
		Eventually(got).Should(Receive(Equal("hello")))
	})

	It("should abandon Get when the context ends", func() {
		q := loop.NewQueue[int]()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := q.Get(ctx)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("should hand every element to exactly one of many getters", func() {
		q := loop.NewQueue[int]()
		var (
			mu   sync.Mutex
			seen = map[int]int{}
			wg   sync.WaitGroup
		)
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					v, err := q.Get(context.Background())
					if err != nil {
						return
					}
					mu.Lock()
					seen[v]++
					mu.Unlock()
				}
			}()
		}
		for i := 0; i < 100; i++ {
			q.Put(i)
		}
		wg.Wait()

		Expect(seen).To(HaveLen(100))
		for _, n := range seen {
			Expect(n).To(Equal(1))
		}
	})
})

var _ = Describe("Cond", func() {
	It("should wake waiters on Broadcast", func() {
		var mu sync.Mutex
		c := loop.NewCond(&mu)
		ready := false
		woke := make(chan error, 1)

		go func() {
			mu.Lock()
			defer mu.Unlock()
			woke <- c.WaitFor(context.Background(), func() bool { return ready })
		}()

		Consistently(woke, 20*time.Millisecond).ShouldNot(Receive())
		mu.Lock()
		ready = true
		c.Broadcast()
		mu.Unlock()

		Eventually(woke).Should(Receive(BeNil()))
	})
})
