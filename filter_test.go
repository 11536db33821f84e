package pidb_test

import (
	"fmt"

	"github.com/bsm/pidb"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var _ = Describe("Filter", func() {
	var builder *pidb.FilterBuilder

	BeforeEach(func() {
		builder = pidb.NewFilterBuilder(pidb.DefaultBitsPerKey)
	})

	It("should have no false negatives", func() {
		for i := 0; i < 10000; i++ {
			Expect(builder.Add(userKey(i))).To(Succeed())
		}
		Expect(builder.Len()).To(Equal(10000))

		filter, err := pidb.NewFilter(builder.Finish())
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 10000; i++ {
			Expect(filter.MayContain(userKey(i))).To(BeTrue(), "for %d", i)
		}
	})

	It("should respect the false-positive rate", func() {
		for i := 0; i < 10000; i++ {
			Expect(builder.Add(userKey(i))).To(Succeed())
		}
		filter, err := pidb.NewFilter(builder.Finish())
		Expect(err).NotTo(HaveOccurred())

		positives := 0
		trials := 100000
		for i := 0; i < trials; i++ {
			if filter.MayContain([]byte(fmt.Sprintf("other%08d", i))) {
				positives++
			}
		}

		rate := pidb.FalsePositiveRate(pidb.DefaultBitsPerKey)
		Expect(rate).To(BeNumerically("~", 0.0086, 0.0005))
		Expect(float64(positives) / float64(trials)).To(BeNumerically("~", rate, rate/2))
	})

	It("should become more selective with more bits", func() {
		Expect(pidb.FalsePositiveRate(20)).To(BeNumerically("<", pidb.FalsePositiveRate(pidb.DefaultBitsPerKey)))
		Expect(pidb.FalsePositiveRate(4)).To(BeNumerically(">", pidb.FalsePositiveRate(pidb.DefaultBitsPerKey)))
	})

	It("should match nothing when empty", func() {
		filter, err := pidb.NewFilter(builder.Finish())
		Expect(err).NotTo(HaveOccurred())
		Expect(filter.MayContain([]byte("key"))).To(BeFalse())
		Expect(filter.MayContain(nil)).To(BeFalse())
	})

	It("should reject adds once finished", func() {
		Expect(builder.Add([]byte("a"))).To(Succeed())
		builder.Finish()
		Expect(builder.Add([]byte("b"))).To(MatchError("pidb: filter is finished"))

		builder.Reset()
		Expect(builder.Len()).To(Equal(0))
		Expect(builder.Add([]byte("b"))).To(Succeed())
	})

	It("should reject bad data", func() {
		for _, data := range [][]byte{
			nil,
			make([]byte, 8),
			make([]byte, 10),
			append(make([]byte, 8), 0),
			append(make([]byte, 8), 99),
		} {
			_, err := pidb.NewFilter(data)
			Expect(errors.Is(err, pidb.ErrCorruption)).To(BeTrue(), "for %v", data)
		}
	})
})
