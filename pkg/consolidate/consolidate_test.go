package consolidate_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/consolidate"
	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/storage/sqlite"
	testutils "github.com/tstockham96/engram/pkg/utils/test"
)

var _ = Describe("Consolidator", func() {
	var (
		store *sqlite.Store
		ctx   context.Context
	)

	insert := func(id, content string, entities []string, embedding []float32, validFrom time.Time) {
		m := &memory.Memory{
			ID:        id,
			Content:   content,
			Type:      memory.TypeEpisodic,
			Status:    memory.StatusActive,
			Salience:  0.5,
			Entities:  entities,
			Embedding: embedding,
			ValidFrom: validFrom,
			CreatedAt: validFrom,
		}
		Expect(store.Insert(ctx, m)).To(Succeed())
	}

	run := func(cfg consolidate.Config) *consolidate.Result {
		res, err := consolidate.New(store, cfg, nil, zap.NewNop()).Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		return res
	}

	BeforeEach(func() {
		var err error
		store, err = sqlite.Open(sqlite.Config{DBPath: ":memory:"}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	Describe("episode merging", func() {
		now := time.Now().UTC()

		BeforeEach(func() {
			insert("e1", "Standup: Atlas release slipped a week", []string{"Atlas"}, []float32{1, 0, 0}, now.Add(-2*time.Hour))
			insert("e2", "Atlas release now targeting next Friday", []string{"Atlas"}, []float32{0.95, 0.05, 0}, now.Add(-time.Hour))
			insert("unrelated", "Bought a new desk lamp", []string{"Lamp"}, []float32{0, 1, 0}, now)
		})

		It("merges similar episodes into a consolidated summary with elaborates edges", func() {
			llm := testutils.NewMockLLM("The Atlas release slipped a week to next Friday.")
			res := run(consolidate.Config{LLM: llm})

			Expect(res.Clusters).To(Equal(1))
			Expect(res.Consolidated).To(Equal(1))

			summaries, err := store.ByType(ctx, memory.TypeConsolidated, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(summaries).To(HaveLen(1))
			Expect(summaries[0].Content).To(Equal("The Atlas release slipped a week to next Friday."))
			Expect(summaries[0].NeedsReview).To(BeFalse())

			edges, err := store.EdgesFrom(ctx, summaries[0].ID, []memory.EdgeKind{memory.EdgeElaborates})
			Expect(err).NotTo(HaveOccurred())
			Expect(edges).To(HaveLen(2))

			// Constituents stay queryable.
			for _, id := range []string{"e1", "e2"} {
				m, err := store.Get(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(m.Status).To(Equal(memory.StatusActive))
			}
		})

		It("marks rule-based summaries needs-review when the LLM is absent", func() {
			res := run(consolidate.Config{})
			Expect(res.Consolidated).To(Equal(1))

			summaries, err := store.ByType(ctx, memory.TypeConsolidated, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(summaries[0].NeedsReview).To(BeTrue())
		})

		It("performs no additional mutation on a second run", func() {
			run(consolidate.Config{})
			second := run(consolidate.Config{})

			Expect(second.Consolidated).To(Equal(0))
			Expect(second.Superseded).To(Equal(0))

			summaries, err := store.ByType(ctx, memory.TypeConsolidated, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(summaries).To(HaveLen(1))
		})

		It("keeps dissimilar episodes apart", func() {
			run(consolidate.Config{})

			m, err := store.Get(ctx, "unrelated")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Status).To(Equal(memory.StatusActive))

			edges, err := store.EdgesTouching(ctx, "unrelated")
			Expect(err).NotTo(HaveOccurred())
			for _, e := range edges {
				Expect(e.Kind).NotTo(Equal(memory.EdgeElaborates))
			}
		})
	})

	Describe("contradiction resolution", func() {
		It("supersedes the older fact with the newer on an opposing pair", func() {
			t0 := time.Now().UTC().Add(-48 * time.Hour)
			t1 := time.Now().UTC().Add(-24 * time.Hour)
			insert("old", "Deadline is March 1 for the launch", []string{"Launch"}, nil, t0)
			insert("new", "Deadline is April 15 for the launch", []string{"Launch"}, nil, t1)

			res := run(consolidate.Config{})
			Expect(res.Contradictions).To(Equal(1))
			Expect(res.Superseded).To(Equal(1))

			old, err := store.Get(ctx, "old")
			Expect(err).NotTo(HaveOccurred())
			Expect(old.Status).To(Equal(memory.StatusSuperseded))
			Expect(old.SupersededBy).To(Equal("new"))
			Expect(old.ValidUntil.UnixNano()).To(Equal(t1.UnixNano()))

			// Resolution closes the pair within the same cycle.
			open, err := store.OpenContradictions(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(open).To(BeEmpty())
		})

		It("leaves unrelated numeric facts alone", func() {
			now := time.Now().UTC()
			insert("a", "Deadline is March 1 for the launch", []string{"Launch"}, nil, now.Add(-time.Hour))
			insert("b", "Sprint velocity is 42 points", []string{"Sprint"}, nil, now)

			res := run(consolidate.Config{})
			Expect(res.Superseded).To(Equal(0))
		})
	})

	Describe("entity refinement", func() {
		It("merges alias surface forms", func() {
			now := time.Now().UTC()
			insert("m1", "Payroll moved to BambooHR", []string{"BambooHR"}, nil, now.Add(-time.Hour))
			insert("m2", "Bamboo HR onboarding is set up", []string{"Bamboo HR"}, nil, now)

			res := run(consolidate.Config{})
			Expect(res.EntitiesMerged).To(Equal(1))

			entities, err := store.Entities(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(entities).To(HaveLen(1))
			Expect(entities[0].MemoryCount).To(Equal(2))
		})
	})

	Describe("budget", func() {
		It("reports a timeout and keeps partial progress", func() {
			now := time.Now().UTC()
			for i := 0; i < 4; i++ {
				insert(
					string(rune('a'+i)),
					"Atlas release note revision",
					[]string{"Atlas"},
					[]float32{1, 0, 0},
					now.Add(time.Duration(i)*time.Minute),
				)
			}

			res := run(consolidate.Config{Budget: time.Nanosecond})
			Expect(res.TimedOut).To(BeTrue())
		})
	})
})
