package sico_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cosim/loop"
	"github.com/sarchlab/cosim/sico"
	"github.com/sarchlab/cosim/sico/simtest"
	"github.com/sarchlab/cosim/wire"
)

var _ = Describe("Connection", func() {
	It("should keep dialing until the simulator listens", func() {
		path := socketPath()

		host := loop.New(loop.Options{Logger: GinkgoLogr})
		DeferCleanup(host.Stop)
		conn := sico.NewConnection(host, path, sico.WithReconnectDelay(10*time.Millisecond))

		Consistently(conn.Connected, 50*time.Millisecond).Should(BeFalse())

		sim, err := simtest.Listen(path, simtest.WithLogger(GinkgoLogr))
		Expect(err).NotTo(HaveOccurred())
		serve(sim)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(conn.WaitConnected(ctx)).To(Succeed())
		Expect(conn.Generation()).To(Equal(uint64(1)))
	})

	It("should carry messages both ways", func() {
		path := socketPath()
		sim, err := simtest.Listen(path, simtest.WithLogger(GinkgoLogr))
		Expect(err).NotTo(HaveOccurred())
		serve(sim)

		host := loop.New(loop.Options{Logger: GinkgoLogr})
		DeferCleanup(host.Stop)
		conn := sico.NewConnection(host, path)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		m := wire.Message{Channel: "echo", Payload: []byte{1, 2, 3}}
		Expect(conn.Send(ctx, m)).To(Succeed())

		got, err := conn.Recv(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(m))
		Expect(sim.Messages("echo")).To(HaveLen(1))
	})

	It("should drop messages meant for a replaced link", func() {
		path := socketPath()
		sim, err := simtest.Listen(path, simtest.WithLogger(GinkgoLogr))
		Expect(err).NotTo(HaveOccurred())
		serve(sim)

		host := loop.New(loop.Options{Logger: GinkgoLogr})
		DeferCleanup(host.Stop)
		conn := sico.NewConnection(host, path, sico.WithReconnectDelay(10*time.Millisecond))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(conn.WaitConnected(ctx)).To(Succeed())

		conn.Reset()
		gen, err := conn.WaitGeneration(ctx, 1)
		Expect(err).NotTo(HaveOccurred())

		stale := wire.Message{Channel: "stale", Payload: []byte{1}}
		fresh := wire.Message{Channel: "fresh", Payload: []byte{2}}
		Expect(conn.SendGen(ctx, stale, 1)).To(Succeed())
		Expect(conn.SendGen(ctx, fresh, gen)).To(Succeed())

		got, recvGen, err := conn.RecvGen(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(fresh))
		Expect(recvGen).To(Equal(gen))
		Expect(sim.Messages("stale")).To(BeEmpty())
	})

	It("should start a new generation after the link dropped", func() {
		s := startSession()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(s.ctrl.WaitConnected(ctx)).To(Succeed())
		Eventually(s.sim.Ticks).Should(BeNumerically(">", 0))

		s.sim.Drop()

		gen, err := s.conn.WaitGeneration(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(gen).To(BeNumerically(">=", 2))

		ticks := s.sim.Ticks()
		Eventually(s.sim.Ticks).Should(BeNumerically(">", ticks+5))
	})

	It("should redial when reset from the host side", func() {
		s := startSession()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(s.conn.WaitConnected(ctx)).To(Succeed())

		s.conn.Reset()

		_, err := s.conn.WaitGeneration(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.conn.Connected()).To(BeTrue())
	})
})
