package vtime_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cosim/vtime"
)

var _ = Describe("binary encoding", func() {
	It("should encode cycles as value and tag", func() {
		Expect(vtime.Cycles(123).Bytes()).To(Equal([]byte{
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x7B, 0x01,
		}))
	})

	It("should encode period time in picoseconds", func() {
		Expect(vtime.MustParse("123n").Bytes()).To(Equal([]byte{
			0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0xe0, 0x78, 0x00,
		}))
	})

	It("should round-trip exactly", func() {
		for _, t := range []vtime.Time{
			vtime.Cycles(123), vtime.Cycles(0), vtime.Picos(-1), vtime.Picos(vtime.Sec * 9),
		} {
			got, err := vtime.Decode(t.Bytes())
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(t))
		}
	})

	It("should reject short input and unknown tags", func() {
		_, err := vtime.Decode([]byte{0, 1, 2})
		Expect(err).To(HaveOccurred())

		_, err = vtime.Decode([]byte{0, 0, 0, 0, 0, 0, 0, 0, 9})
		Expect(err).To(HaveOccurred())
	})

	It("should append the same bytes it marshals", func() {
		t := vtime.MustParse("1m500u")
		prefix := []byte{0xAA}

		out := t.Append(prefix)
		Expect(out[0]).To(Equal(byte(0xAA)))
		Expect(out[1:]).To(Equal(t.Bytes()))

		viaBinary, err := t.AppendBinary([]byte{0xAA})
		Expect(err).NotTo(HaveOccurred())
		Expect(viaBinary).To(Equal(out))

		marshaled, err := t.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())
		Expect(marshaled).To(HaveLen(vtime.EncodedSize))
		Expect(marshaled).To(Equal(t.Bytes()))
	})

	It("should unmarshal into a Time", func() {
		var t vtime.Time
		Expect(t.UnmarshalBinary(vtime.Cycles(5).Bytes())).To(Succeed())
		Expect(t).To(Equal(vtime.Cycles(5)))
	})
})
