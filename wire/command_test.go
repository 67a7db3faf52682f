package wire_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/sarchlab/cosim/vtime"
	"github.com/sarchlab/cosim/wire"
)

var _ = Describe("Command", func() {
	It("should encode an addBreak payload", func() {
		c := wire.Command{
			Op: wire.OpAddBreak, UID: 2, Time: vtime.Cycles(5),
			Kind: wire.Finish, Relative: true,
		}
		b, err := c.MarshalBinary()

		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(Equal([]byte{
			0, 0, 0, 5,
			0, 0, 0, 2,
			0, 0, 0, 0, 0, 0, 0, 5, 1,
			2,
			1,
		}))
	})

	It("should encode a bare tick", func() {
		m, err := wire.Command{Op: wire.OpTick}.Message()

		Expect(err).NotTo(HaveOccurred())
		Expect(m.Channel).To(Equal(wire.ControlChannel))
		Expect(m.Payload).To(Equal([]byte{0, 0, 0, 0}))
	})

	DescribeTable("round trips",
		func(c wire.Command) {
			b, err := c.MarshalBinary()
			Expect(err).NotTo(HaveOccurred())
			Expect(wire.ParseCommand(b)).To(Equal(c))
		},
		Entry("tick", wire.Command{Op: wire.OpTick}),
		Entry("tock", wire.Command{Op: wire.OpTock, Time: vtime.MustParse("10u")}),
		Entry("exit", wire.Command{Op: wire.OpExit}),
		Entry("shutdown", wire.Command{Op: wire.OpShutdown}),
		Entry("remBreak", wire.Command{Op: wire.OpRemBreak, UID: 7}),
		Entry("ackBreak", wire.Command{Op: wire.OpAckBreak, UID: 3, Time: vtime.Cycles(9)}),
		Entry("hitBreak", wire.Command{Op: wire.OpHitBreak, UID: 3, Time: vtime.MustParse("1m")}),
		Entry("set loglevel", wire.Command{
			Op: wire.OpSet, Key: wire.LogLevelKey, Scope: "control", Level: 4,
		}),
		Entry("set other", wire.Command{Op: wire.OpSet, Key: "profile"}),
	)

	It("should terminate set strings and count the terminator", func() {
		b, _ := wire.Command{Op: wire.OpSet, Key: "ab"}.MarshalBinary()
		Expect(b).To(Equal([]byte{0, 0, 0, 4, 0, 0, 0, 3, 'a', 'b', 0}))
	})

	It("should reject unknown and truncated commands", func() {
		_, err := wire.ParseCommand([]byte{0, 0, 0, 42})
		Expect(errors.Is(err, wire.ErrUnknownCommand)).To(BeTrue())

		_, err = wire.ParseCommand([]byte{0, 0, 0, 7, 0, 0})
		Expect(errors.Is(err, wire.ErrShortFrame)).To(BeTrue())

		_, err = wire.Command{Op: wire.Op(99)}.MarshalBinary()
		Expect(errors.Is(err, wire.ErrUnknownCommand)).To(BeTrue())
	})
})
