package vtime_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cosim/vtime"
)

var _ = Describe("Parse and String", func() {
	DescribeTable("parsing",
		func(in string, want vtime.Time) {
			got, err := vtime.Parse(in)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("nanoseconds", "10n", vtime.Picos(10*vtime.NSec)),
		Entry("mixed units", "1m500u", vtime.Picos(vtime.MSec+500*vtime.USec)),
		Entry("seconds", "2s", vtime.Picos(2*vtime.Sec)),
		Entry("picoseconds", "7p", vtime.Picos(7)),
		Entry("cycles", "17c", vtime.Cycles(17)),
		Entry("negative", "-3n", vtime.Picos(-3*vtime.NSec)),
	)

	DescribeTable("rejecting",
		func(in string) {
			_, err := vtime.Parse(in)
			Expect(err).To(HaveOccurred())
		},
		Entry("empty", ""),
		Entry("sign only", "-"),
		Entry("wrong order", "5u1m"),
		Entry("no unit", "12"),
		Entry("cycles with units", "1u2c"),
	)

	DescribeTable("formatting",
		func(t vtime.Time, want string) {
			Expect(t.String()).To(Equal(want))
		},
		Entry("single unit", vtime.MustParse("123n"), "123n"),
		Entry("padded tail", vtime.Picos(vtime.MSec+5*vtime.USec), "1m005u000n000p"),
		Entry("cycles", vtime.Cycles(17), "17c"),
		Entry("zero", vtime.Picos(0), "0p"),
		Entry("negative", vtime.Picos(-2*vtime.USec), "-2u000n000p"),
	)

	It("should parse its own output", func() {
		for _, t := range []vtime.Time{
			vtime.Picos(1), vtime.Picos(123456789012), vtime.Cycles(42), vtime.Picos(-9),
		} {
			Expect(vtime.Parse(t.String())).To(Equal(t))
		}
	})

	It("should unmarshal from text", func() {
		var t vtime.Time
		Expect(t.UnmarshalText([]byte("1u"))).To(Succeed())
		Expect(t).To(Equal(vtime.Picos(vtime.USec)))
	})
})
