package sico_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cosim/loop"
	"github.com/sarchlab/cosim/sico"
	"github.com/sarchlab/cosim/sico/simtest"
	"github.com/sarchlab/cosim/vtime"
	"github.com/sarchlab/cosim/wire"
)

var _ = Describe("Control", func() {
	const timeout = 5 * time.Second

	It("should advance the simulated time with tick and tock", func() {
		s := startSession(simtest.WithStep(vtime.MustParse("10u")))

		Eventually(func() int64 { return s.ctrl.Now().Value() }).
			Should(BeNumerically(">=", vtime.MustParse("50u").Value()))
		Expect(s.ctrl.Now().IsPeriod()).To(BeTrue())
	})

	It("should finish exactly 100u after a relative finish was acknowledged", func() {
		s := startSession(
			simtest.WithStep(vtime.MustParse("10u")),
			simtest.WithStart(vtime.Zero(vtime.Period)),
			simtest.WithTickDelay(time.Millisecond))

		stop := s.ctrl.SetStop(vtime.MustParse("50u"), false)
		Expect(stop.UID()).To(Equal(uint32(2)))
		at, err := stop.GetStopped(timeout)
		Expect(err).NotTo(HaveOccurred())

		fin := s.ctrl.SetFinish(vtime.MustParse("100u"), true)
		promised, err := fin.GetPromised(timeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(promised).To(Equal(at.Add(vtime.MustParse("100u"))))
		stop.Release()

		stopped, err := fin.GetStopped(timeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(stopped).To(Equal(promised))
		Expect(stopped.Sub(at)).To(Equal(vtime.MustParse("100u")))
		Expect(fin.State()).To(Equal(sico.Hit))

		Eventually(s.sim.Finished).Should(BeTrue())
		Eventually(s.sim.Now).Should(Equal(stopped))
		Eventually(s.ctrl.Now).Should(Equal(stopped))
	})

	It("should keep exactly one tick going across lost links", func() {
		s := startSession(simtest.WithStep(vtime.MustParse("10u")), simtest.WithTickDelay(time.Millisecond))
		Eventually(s.sim.Ticks, timeout).Should(BeNumerically(">", 5))

		for range 5 {
			gen := s.conn.Generation()
			s.sim.DropAfterTock()
			Eventually(s.conn.Generation, timeout).Should(BeNumerically(">", gen))

			ticks := s.sim.Ticks()
			Eventually(s.sim.Ticks, timeout).Should(BeNumerically(">", ticks+10))
		}

		Consistently(s.sim.Overlaps, 100*time.Millisecond).Should(BeZero())
	})

	It("should let go of break waits that timed out", func() {
		s := startSession()

		b := s.ctrl.SetHold(vtime.MustParse("1s"), true)
		_, err := b.GetStopped(20 * time.Millisecond)
		Expect(err).To(MatchError(loop.ErrTimeout))
		Eventually(s.host.Running).ShouldNot(ContainElement(ContainSubstring("~stopped")))

		w := s.ctrl.SetWait(vtime.MustParse("1s"), true)
		_, err = w.Await(20 * time.Millisecond)
		Expect(err).To(MatchError(loop.ErrTimeout))
		Eventually(s.host.Running).ShouldNot(ContainElement("wait~await"))
	})

	It("should finish exactly at an absolute 100u", func() {
		s := startSession(simtest.WithStep(vtime.MustParse("10u")), simtest.WithTickDelay(time.Millisecond))

		fin := s.ctrl.SetFinish(vtime.MustParse("100u"), false)

		promised, err := fin.GetPromised(timeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(promised).To(Equal(vtime.MustParse("100u")))

		stopped, err := fin.GetStopped(timeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(stopped).To(Equal(vtime.MustParse("100u")))
	})

	It("should land on a break that is not a multiple of the step", func() {
		s := startSession(simtest.WithStep(vtime.MustParse("10u")))

		stop := s.ctrl.SetStop(vtime.MustParse("1m25u"), false)

		stopped, err := stop.GetStopped(timeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(stopped).To(Equal(vtime.MustParse("1m25u")))
	})

	It("should hold the simulator until the hold is released", func() {
		s := startSession()

		hold := s.ctrl.HoldNow()
		held, err := hold.GetStopped(timeout)
		Expect(err).NotTo(HaveOccurred())

		expected := held.Add(vtime.MustParse("10u"))
		fin := s.ctrl.SetFinish(expected, false)
		promised, err := fin.GetPromised(timeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(promised).To(Equal(expected))

		Consistently(s.sim.Now, 50*time.Millisecond).Should(Equal(held))
		Expect(fin.State()).To(Equal(sico.Acknowledged))

		hold.Release()
		Expect(hold.State()).To(Equal(sico.Released))

		stopped, err := fin.GetStopped(timeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(stopped).To(Equal(expected))
	})

	It("should walk a break through its lifecycle", func() {
		s := startSession(simtest.WithStep(vtime.MustParse("10u")), simtest.WithTickDelay(time.Millisecond))

		b := s.ctrl.SetStop(vtime.MustParse("30u"), true)
		Expect(b.State()).To(Equal(sico.Requested))
		Expect(b.Kind()).To(Equal(wire.Stop))
		Expect(b.String()).To(ContainSubstring("req:30u"))

		Eventually(b.Acknowledged()).Should(BeClosed())
		Expect(b.State()).To(BeElementOf(sico.Acknowledged, sico.Hit))

		Eventually(b.Reached()).Should(BeClosed())
		Expect(b.State()).To(Equal(sico.Hit))
		Expect(b.String()).To(HavePrefix("Break(hit:"))

		promised, err := b.GetPromised(timeout)
		Expect(err).NotTo(HaveOccurred())
		stopped, err := b.GetStopped(timeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(stopped.Before(promised)).To(BeFalse())

		b.Release()
		b.Release()
		Expect(b.State()).To(Equal(sico.Released))
		Expect(s.ctrl.Breaks()).To(BeZero())
		Eventually(s.sim.Breaks).Should(BeZero())

		Eventually(s.sim.Commands).Should(ContainElement(
			wire.Command{Op: wire.OpRemBreak, UID: b.UID()}))
		Expect(s.sim.Commands()).To(ContainElement(wire.Command{
			Op:       wire.OpAddBreak,
			UID:      b.UID(),
			Time:     vtime.MustParse("30u"),
			Kind:     wire.Stop,
			Relative: true,
		}))
	})

	It("should never report a stop before the promise", func() {
		s := startSession(simtest.WithStep(vtime.MustParse("7u")))

		var breaks []*sico.Break
		for _, at := range []string{"5u", "20u", "21u", "50u"} {
			breaks = append(breaks, s.ctrl.SetBreak(wire.Stop, vtime.MustParse(at), true))
		}

		for i, b := range breaks {
			Expect(b.UID()).To(Equal(uint32(2 + i)))

			promised, err := b.GetPromised(timeout)
			Expect(err).NotTo(HaveOccurred())
			stopped, err := b.GetStopped(timeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(stopped.Before(promised)).To(BeFalse(), b.String())
			b.Release()
		}
	})

	It("should resolve waits from the local time", func() {
		s := startSession(simtest.WithStep(vtime.MustParse("10u")))

		w := s.ctrl.SetWait(vtime.MustParse("50u"), true)
		Expect(w.Duration()).To(Equal(vtime.MustParse("50u")))

		at, err := w.Await(timeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(at.Before(w.Threshold())).To(BeFalse())

		abs := s.ctrl.SetWait(at, false)
		Expect(abs.Duration().IsZero()).To(BeTrue())
		Eventually(abs.Done()).Should(BeClosed())
	})

	It("should fail a wait in the wrong time domain", func() {
		s := startSession()
		Eventually(func() int64 { return s.ctrl.Now().Value() }).Should(BeNumerically(">", 0))

		w := s.ctrl.SetWait(vtime.Cycles(5), true)
		_, err := w.Await(timeout)
		Expect(err).To(MatchError(vtime.ErrDomainMismatch))
	})

	It("should pass session commands to the simulator", func() {
		s := startSession()

		Expect(s.ctrl.SetLogLevel("control", 3)).To(Succeed())
		Expect(s.ctrl.Exit()).To(Succeed())
		Expect(s.ctrl.Shutdown()).To(Succeed())

		Eventually(s.ctrl.ShutdownRequested()).Should(BeClosed())
		Expect(s.sim.Commands()).To(ContainElements(
			wire.Command{Op: wire.OpSet, Key: wire.LogLevelKey, Scope: "control", Level: 3},
			wire.Command{Op: wire.OpExit},
			wire.Command{Op: wire.OpShutdown},
		))
	})

	It("should ignore acknowledgements of released breaks", func() {
		s := startSession(simtest.WithStep(vtime.MustParse("10u")))

		b := s.ctrl.SetHold(vtime.MustParse("1m"), true)
		b.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := b.Stopped(ctx)
		Expect(err).To(MatchError(context.DeadlineExceeded))

		Eventually(func() int64 { return s.ctrl.Now().Value() }).
			Should(BeNumerically(">", vtime.MustParse("100u").Value()))
	})
})
