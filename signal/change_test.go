package signal_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cosim/signal"
	"github.com/sarchlab/cosim/vtime"
)

var _ = Describe("Change", func() {
	It("should shift and move in time", func() {
		c := signal.NewChange(signal.FromUint(1, 1), vtime.Cycles(3))

		Expect(c.Shifted(vtime.Cycles(2)).Time).To(Equal(vtime.Cycles(5)))
		Expect(c.At(vtime.Cycles(9)).Time).To(Equal(vtime.Cycles(9)))
		Expect(func() { c.At(vtime.Picos(1)) }).To(Panic())
	})

	It("should encode time, sync flag and value", func() {
		c := signal.Change{Value: signal.FromUint(1, 1), Time: vtime.Cycles(1), Sync: false}
		raw, err := c.AppendBinary(nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(raw).To(Equal([]byte{
			0, 0, 0, 0, 0, 0, 0, 1, 1,
			0,
			0x00, 0x01, 0x01,
		}))
	})

	It("should round-trip through the wire encoding", func() {
		c := signal.NewChange(signal.FromUint(0x5678, 16), vtime.MustParse("3u"))
		raw, err := c.AppendBinary(nil)
		Expect(err).NotTo(HaveOccurred())

		got, err := signal.DecodeChange(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(c))
	})

	It("should refuse values that are not bits", func() {
		_, err := signal.NewChange(42, vtime.Cycles(0)).AppendBinary(nil)
		Expect(err).To(HaveOccurred())
	})
})
