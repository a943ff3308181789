package lifecycle_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/lifecycle"
	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/storage/sqlite"
)

var _ = Describe("Sweeper", func() {
	var (
		store   *sqlite.Store
		sweeper *lifecycle.Sweeper
		ctx     context.Context
	)

	insertAged := func(id string, salience float64, lastAccessed time.Time) {
		m := &memory.Memory{
			ID:             id,
			Content:        "memory " + id,
			Type:           memory.TypeEpisodic,
			Status:         memory.StatusActive,
			Salience:       salience,
			CreatedAt:      lastAccessed,
			ValidFrom:      lastAccessed,
			LastAccessedAt: lastAccessed,
		}
		Expect(store.Insert(ctx, m)).To(Succeed())
	}

	BeforeEach(func() {
		var err error
		store, err = sqlite.Open(sqlite.Config{DBPath: ":memory:"}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		sweeper = lifecycle.New(store, lifecycle.Config{}, zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	Describe("decay", func() {
		It("reduces salience of long-unaccessed memories", func() {
			insertAged("stale", 0.5, time.Now().UTC().Add(-60*24*time.Hour))

			res, err := sweeper.Sweep(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Decayed).To(Equal(1))

			m, err := store.Get(ctx, "stale")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Salience).To(BeNumerically("<", 0.5))
			Expect(m.Status).To(Equal(memory.StatusActive))
		})

		It("leaves recently accessed memories alone", func() {
			insertAged("fresh", 0.5, time.Now().UTC().Add(-time.Hour))

			res, err := sweeper.Sweep(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Decayed).To(Equal(0))

			m, err := store.Get(ctx, "fresh")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Salience).To(Equal(0.5))
		})

		It("archives memories that fade below the threshold", func() {
			insertAged("faded", 0.1, time.Now().UTC().Add(-500*24*time.Hour))

			res, err := sweeper.Sweep(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Archived).To(Equal(1))

			m, err := store.Get(ctx, "faded")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Status).To(Equal(memory.StatusArchived))
		})
	})

	Describe("edge garbage collection", func() {
		It("drops edges with an archived endpoint, sparing supersedes chains", func() {
			now := time.Now().UTC()
			insertAged("a", 0.5, now)
			insertAged("b", 0.5, now)
			insertAged("c", 0.5, now)
			Expect(store.Connect(ctx, memory.Edge{Src: "a", Dst: "b", Kind: memory.EdgeUser, Weight: 1})).To(Succeed())
			Expect(store.Supersede(ctx, "b", "c", now)).To(Succeed())
			Expect(store.Forget(ctx, "b", false)).To(Succeed())

			res, err := sweeper.Sweep(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.EdgesRemoved).To(Equal(1))

			remaining, err := store.EdgesTouching(ctx, "b")
			Expect(err).NotTo(HaveOccurred())
			Expect(remaining).To(HaveLen(1))
			Expect(remaining[0].Kind).To(Equal(memory.EdgeSupersedes))
		})
	})

	Describe("invariant validation", func() {
		It("reports a healthy vault as clean", func() {
			insertAged("ok", 0.5, time.Now().UTC())

			res, err := sweeper.Sweep(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Violations).To(Equal(0))
		})

		It("flags a consolidated memory without constituents", func() {
			m := &memory.Memory{
				ID:       "bare",
				Content:  "a summary with no sources",
				Type:     memory.TypeConsolidated,
				Status:   memory.StatusActive,
				Salience: 0.5,
			}
			Expect(store.Insert(ctx, m)).To(Succeed())

			res, err := sweeper.Sweep(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Violations).To(Equal(1))

			stats, err := store.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.InvariantViolations).To(Equal(1))
		})
	})
})
