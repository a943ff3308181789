package memory

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("NormalizeEntity", func() {
	It("trims and folds case", func() {
		Expect(NormalizeEntity("  Priya  ")).To(Equal("priya"))
	})

	It("strips diacritics", func() {
		Expect(NormalizeEntity("José")).To(Equal("jose"))
		Expect(NormalizeEntity("Zoë")).To(Equal("zoe"))
	})

	It("returns empty for whitespace", func() {
		Expect(NormalizeEntity("   ")).To(Equal(""))
	})
})

var _ = Describe("NormalizeEntitySet", func() {
	It("deduplicates by normalized form preserving order", func() {
		out := NormalizeEntitySet([]string{"Atlas", "atlas", "ATLAS", "Priya"})
		Expect(out).To(Equal([]string{"atlas", "priya"}))
	})

	It("drops empties", func() {
		out := NormalizeEntitySet([]string{"", "  ", "Corp A"})
		Expect(out).To(Equal([]string{"corp a"}))
	})
})

var _ = Describe("Jaccard", func() {
	It("is 1 for identical sets", func() {
		Expect(Jaccard([]string{"a", "b"}, []string{"b", "a"})).To(Equal(1.0))
	})

	It("is 0 for disjoint sets", func() {
		Expect(Jaccard([]string{"a"}, []string{"b"})).To(Equal(0.0))
	})

	It("is 0 for two empty sets", func() {
		Expect(Jaccard(nil, nil)).To(Equal(0.0))
	})

	It("ignores duplicates", func() {
		Expect(Jaccard([]string{"a", "a", "b"}, []string{"a"})).To(BeNumerically("~", 0.5))
	})
})

var _ = Describe("Memory validity", func() {
	var m Memory

	BeforeEach(func() {
		m = Memory{
			ValidFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	})

	It("treats a zero valid_until as current truth", func() {
		Expect(m.Current()).To(BeTrue())
		Expect(m.ValidAt(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))).To(BeTrue())
	})

	It("is half-open on the right", func() {
		m.ValidUntil = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		Expect(m.ValidAt(m.ValidUntil)).To(BeFalse())
		Expect(m.ValidAt(m.ValidUntil.Add(-time.Nanosecond))).To(BeTrue())
	})

	It("is closed on the left", func() {
		Expect(m.ValidAt(m.ValidFrom)).To(BeTrue())
		Expect(m.ValidAt(m.ValidFrom.Add(-time.Nanosecond))).To(BeFalse())
	})
})

var _ = Describe("CheckRecord", func() {
	valid := func() *Memory {
		return &Memory{
			ID:        "m1",
			Content:   "test",
			Type:      TypeEpisodic,
			Status:    StatusActive,
			Salience:  0.5,
			ValidFrom: time.Now().UTC(),
		}
	}

	It("accepts a well-formed record", func() {
		Expect(CheckRecord(valid())).To(BeEmpty())
	})

	It("flags out-of-range salience", func() {
		m := valid()
		m.Salience = 1.5
		Expect(CheckRecord(m)).To(HaveLen(1))
	})

	It("flags superseded without a successor pointer", func() {
		m := valid()
		m.Status = StatusSuperseded
		m.ValidUntil = m.ValidFrom.Add(time.Hour)
		violations := CheckRecord(m)
		Expect(violations).To(HaveLen(1))
		Expect(violations[0].Detail).To(ContainSubstring("successor"))
	})

	It("flags a successor pointer on a non-superseded record", func() {
		m := valid()
		m.SupersededBy = "m2"
		Expect(CheckRecord(m)).NotTo(BeEmpty())
	})

	It("flags an inverted validity interval", func() {
		m := valid()
		m.ValidUntil = m.ValidFrom.Add(-time.Hour)
		Expect(CheckRecord(m)).NotTo(BeEmpty())
	})
})

var _ = Describe("Clamp01", func() {
	It("clamps both ends", func() {
		Expect(Clamp01(-0.2)).To(Equal(0.0))
		Expect(Clamp01(1.7)).To(Equal(1.0))
		Expect(Clamp01(0.42)).To(Equal(0.42))
	})
})
