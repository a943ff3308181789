package sqlite_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/storage/sqlite"
	testutils "github.com/tstockham96/engram/pkg/utils/test"
)

var _ = Describe("Store", func() {
	var (
		store *sqlite.Store
		index *testutils.MockVectorDriver
		ctx   context.Context
	)

	newMemory := func(id, content string, entities ...string) *memory.Memory {
		return &memory.Memory{
			ID:       id,
			Content:  content,
			Type:     memory.TypeEpisodic,
			Status:   memory.StatusActive,
			Salience: 0.5,
			Entities: entities,
		}
	}

	BeforeEach(func() {
		var err error
		index = testutils.NewMockVectorDriver(3)
		store, err = sqlite.Open(sqlite.Config{DBPath: ":memory:", Index: index}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	Describe("Insert", func() {
		It("round-trips a memory", func() {
			m := newMemory("m1", "Priya leads ML", "Priya", "ML")
			Expect(store.Insert(ctx, m)).To(Succeed())

			got, err := store.Get(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Content).To(Equal("Priya leads ML"))
			Expect(got.Entities).To(Equal([]string{"Priya", "ML"}))
			Expect(got.CreatedAt).NotTo(BeZero())
			Expect(got.ValidFrom).NotTo(BeZero())
			Expect(got.Current()).To(BeTrue())
		})

		It("rejects duplicate ids with a conflict", func() {
			Expect(store.Insert(ctx, newMemory("m1", "one"))).To(Succeed())
			err := store.Insert(ctx, newMemory("m1", "two"))
			Expect(err).To(MatchError(memory.ErrConflict))
		})

		It("rejects mismatched embedding dimensionality", func() {
			m := newMemory("m1", "bad vector")
			m.Embedding = []float32{1, 0}
			err := store.Insert(ctx, m)
			Expect(err).To(MatchError(memory.ErrInvalidPayload))
		})

		It("rejects out-of-range salience", func() {
			m := newMemory("m1", "too salient")
			m.Salience = 1.2
			Expect(store.Insert(ctx, m)).To(MatchError(memory.ErrInvalidPayload))
		})

		It("creates entity-shared edges both ways for shared entities", func() {
			Expect(store.Insert(ctx, newMemory("m1", "about Atlas", "Atlas"))).To(Succeed())
			Expect(store.Insert(ctx, newMemory("m2", "more Atlas", "Atlas", "Priya"))).To(Succeed())

			edges, err := store.EdgesFrom(ctx, "m2", []memory.EdgeKind{memory.EdgeEntityShared})
			Expect(err).NotTo(HaveOccurred())
			Expect(edges).To(HaveLen(1))
			Expect(edges[0].Dst).To(Equal("m1"))
			Expect(edges[0].Weight).To(BeNumerically("~", 0.5))

			back, err := store.EdgesFrom(ctx, "m1", []memory.EdgeKind{memory.EdgeEntityShared})
			Expect(err).NotTo(HaveOccurred())
			Expect(back).To(HaveLen(1))
			Expect(back[0].Dst).To(Equal("m2"))
		})

		It("chains session memories with temporal-next edges", func() {
			a := newMemory("m1", "first")
			a.Source.Session = "s1"
			a.CreatedAt = time.Now().UTC().Add(-time.Minute)
			b := newMemory("m2", "second")
			b.Source.Session = "s1"

			Expect(store.Insert(ctx, a)).To(Succeed())
			Expect(store.Insert(ctx, b)).To(Succeed())

			edges, err := store.EdgesFrom(ctx, "m1", []memory.EdgeKind{memory.EdgeTemporalNext})
			Expect(err).NotTo(HaveOccurred())
			Expect(edges).To(HaveLen(1))
			Expect(edges[0].Dst).To(Equal("m2"))
		})

		It("tracks entities with counters", func() {
			Expect(store.Insert(ctx, newMemory("m1", "one", "Atlas"))).To(Succeed())
			Expect(store.Insert(ctx, newMemory("m2", "two", "Atlas"))).To(Succeed())

			entities, err := store.Entities(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(entities).To(HaveLen(1))
			Expect(entities[0].Name).To(Equal("atlas"))
			Expect(entities[0].DisplayName).To(Equal("Atlas"))
			Expect(entities[0].MemoryCount).To(Equal(2))
		})
	})

	Describe("UpdateEmbedding", func() {
		It("registers the vector with the index", func() {
			Expect(store.Insert(ctx, newMemory("m1", "to embed"))).To(Succeed())
			Expect(store.UpdateEmbedding(ctx, "m1", []float32{1, 0, 0})).To(Succeed())
			Expect(index.Len()).To(Equal(1))

			got, err := store.Get(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Embedding).To(Equal([]float32{1, 0, 0}))
		})

		It("rejects the wrong dimensionality", func() {
			Expect(store.Insert(ctx, newMemory("m1", "to embed"))).To(Succeed())
			Expect(store.UpdateEmbedding(ctx, "m1", []float32{1, 0})).To(MatchError(memory.ErrInvalidPayload))
		})

		It("returns not found for unknown ids", func() {
			Expect(store.UpdateEmbedding(ctx, "ghost", []float32{1, 0, 0})).To(MatchError(memory.ErrNotFound))
		})
	})

	Describe("Reinforce", func() {
		It("increments the count and raises salience", func() {
			Expect(store.Insert(ctx, newMemory("m1", "reinforce me"))).To(Succeed())

			got, err := store.Reinforce(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ReinforcementCount).To(Equal(1))
			Expect(got.Salience).To(BeNumerically(">", 0.5))
		})

		It("stays at 1.0 from salience 1.0 while still counting", func() {
			m := newMemory("m1", "max salience")
			m.Salience = 1.0
			Expect(store.Insert(ctx, m)).To(Succeed())

			got, err := store.Reinforce(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Salience).To(Equal(1.0))
			Expect(got.ReinforcementCount).To(Equal(1))
		})

		It("converges instead of saturating", func() {
			Expect(store.Insert(ctx, newMemory("m1", "often repeated"))).To(Succeed())
			var last *memory.Memory
			for i := 0; i < 50; i++ {
				var err error
				last, err = store.Reinforce(ctx, "m1")
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(last.ReinforcementCount).To(Equal(50))
			Expect(last.Salience).To(BeNumerically("<=", 1.0))
		})
	})

	Describe("Supersede", func() {
		var at time.Time

		BeforeEach(func() {
			Expect(store.Insert(ctx, newMemory("old", "Alex works at Corp A", "Alex"))).To(Succeed())
			Expect(store.Insert(ctx, newMemory("new", "Alex moved to Corp B", "Alex"))).To(Succeed())
			at = time.Now().UTC()
		})

		It("closes the old interval and links the successor", func() {
			Expect(store.Supersede(ctx, "old", "new", at)).To(Succeed())

			old, err := store.Get(ctx, "old")
			Expect(err).NotTo(HaveOccurred())
			Expect(old.Status).To(Equal(memory.StatusSuperseded))
			Expect(old.SupersededBy).To(Equal("new"))
			Expect(old.ValidUntil.UnixNano()).To(Equal(at.UnixNano()))

			edges, err := store.EdgesFrom(ctx, "new", []memory.EdgeKind{memory.EdgeSupersedes})
			Expect(err).NotTo(HaveOccurred())
			Expect(edges).To(HaveLen(1))
			Expect(edges[0].Dst).To(Equal("old"))
		})

		It("is idempotent", func() {
			Expect(store.Supersede(ctx, "old", "new", at)).To(Succeed())
			Expect(store.Supersede(ctx, "old", "new", at)).To(Succeed())

			edges, err := store.EdgesFrom(ctx, "new", []memory.EdgeKind{memory.EdgeSupersedes})
			Expect(err).NotTo(HaveOccurred())
			Expect(edges).To(HaveLen(1))
		})

		It("rejects self-supersession", func() {
			Expect(store.Supersede(ctx, "old", "old", at)).To(MatchError(memory.ErrInvalidPayload))
		})
	})

	Describe("Forget", func() {
		BeforeEach(func() {
			Expect(store.Insert(ctx, newMemory("m1", "to forget", "Atlas"))).To(Succeed())
			Expect(store.UpdateEmbedding(ctx, "m1", []float32{1, 0, 0})).To(Succeed())
		})

		It("soft forget archives without removing", func() {
			Expect(store.Forget(ctx, "m1", false)).To(Succeed())

			got, err := store.Get(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(memory.StatusArchived))
		})

		It("hard forget leaves no trace", func() {
			Expect(store.Insert(ctx, newMemory("m2", "also Atlas", "Atlas"))).To(Succeed())

			Expect(store.Forget(ctx, "m1", true)).To(Succeed())

			_, err := store.Get(ctx, "m1")
			Expect(err).To(MatchError(memory.ErrNotFound))
			Expect(index.Len()).To(Equal(0))

			edges, err := store.EdgesTouching(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(edges).To(BeEmpty())

			ids, err := store.TextSearch(ctx, "forget", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).NotTo(ContainElement("m1"))
		})
	})

	Describe("seeds and materialization", func() {
		BeforeEach(func() {
			pending := newMemory("p1", "promised a review", "Review")
			pending.Status = memory.StatusPending
			Expect(store.Insert(ctx, pending)).To(Succeed())
			Expect(store.Insert(ctx, newMemory("a1", "Atlas shipped", "Atlas"))).To(Succeed())
			Expect(store.Insert(ctx, newMemory("a2", "Atlas and Priya", "Atlas", "Priya"))).To(Succeed())
		})

		It("materializes by status", func() {
			ms, err := store.ByStatus(ctx, memory.StatusPending, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(ms).To(HaveLen(1))
			Expect(ms[0].ID).To(Equal("p1"))
		})

		It("ranks entity seeds by match count", func() {
			ids, err := store.EntitySeed(ctx, []string{"atlas", "priya"}, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids[0]).To(Equal("a2"))
			Expect(ids).To(ContainElements("a1", "a2"))
		})

		It("searches full text", func() {
			ids, err := store.TextSearch(ctx, "shipped", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]string{"a1"}))
		})

		It("excludes archived rows from vector search", func() {
			Expect(store.UpdateEmbedding(ctx, "a1", []float32{1, 0, 0})).To(Succeed())
			Expect(store.UpdateEmbedding(ctx, "a2", []float32{0.9, 0.1, 0})).To(Succeed())
			Expect(store.Forget(ctx, "a1", false)).To(Succeed())

			hits, err := store.VectorSearch(ctx, []float32{1, 0, 0}, 10)
			Expect(err).NotTo(HaveOccurred())
			for _, h := range hits {
				Expect(h.ID).NotTo(Equal("a1"))
			}
		})
	})

	Describe("Stamp", func() {
		It("updates last_accessed_at in batch", func() {
			Expect(store.Insert(ctx, newMemory("m1", "one"))).To(Succeed())
			Expect(store.Insert(ctx, newMemory("m2", "two"))).To(Succeed())

			when := time.Now().UTC()
			Expect(store.Stamp(ctx, []string{"m1", "m2"}, when)).To(Succeed())

			got, err := store.Get(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.LastAccessedAt.UnixNano()).To(Equal(when.UnixNano()))
		})
	})

	Describe("Neighbors", func() {
		It("walks the graph breadth-first with hop counts", func() {
			Expect(store.Insert(ctx, newMemory("m1", "one"))).To(Succeed())
			Expect(store.Insert(ctx, newMemory("m2", "two"))).To(Succeed())
			Expect(store.Insert(ctx, newMemory("m3", "three"))).To(Succeed())
			Expect(store.Connect(ctx, memory.Edge{Src: "m1", Dst: "m2", Kind: memory.EdgeUser, Weight: 1})).To(Succeed())
			Expect(store.Connect(ctx, memory.Edge{Src: "m2", Dst: "m3", Kind: memory.EdgeUser, Weight: 1})).To(Succeed())

			neighbors, err := store.Neighbors(ctx, "m1", 2, nil, 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(neighbors).To(HaveLen(2))
			Expect(neighbors[0].ID).To(Equal("m2"))
			Expect(neighbors[0].Hop).To(Equal(1))
			Expect(neighbors[1].ID).To(Equal("m3"))
			Expect(neighbors[1].Hop).To(Equal(2))
		})
	})

	Describe("MergeEntities", func() {
		It("folds an alias into the canonical name", func() {
			Expect(store.Insert(ctx, newMemory("m1", "one", "BambooHR"))).To(Succeed())
			Expect(store.Insert(ctx, newMemory("m2", "two", "Bamboo HR"))).To(Succeed())

			Expect(store.MergeEntities(ctx, "bamboo hr", "bamboohr")).To(Succeed())

			entities, err := store.Entities(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(entities).To(HaveLen(1))
			Expect(entities[0].Name).To(Equal("bamboohr"))
			Expect(entities[0].MemoryCount).To(Equal(2))

			ids, err := store.MemoriesForEntity(ctx, "bamboohr", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(ConsistOf("m1", "m2"))
		})
	})

	Describe("Connect", func() {
		It("is idempotent in the edge set", func() {
			Expect(store.Insert(ctx, newMemory("m1", "one"))).To(Succeed())
			Expect(store.Insert(ctx, newMemory("m2", "two"))).To(Succeed())

			edge := memory.Edge{Src: "m1", Dst: "m2", Kind: memory.EdgeUser, Weight: 0.9}
			Expect(store.Connect(ctx, edge)).To(Succeed())
			Expect(store.Connect(ctx, edge)).To(Succeed())

			edges, err := store.EdgesFrom(ctx, "m1", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(edges).To(HaveLen(1))
		})
	})

	Describe("Stats", func() {
		It("counts by type and status", func() {
			Expect(store.Insert(ctx, newMemory("m1", "one"))).To(Succeed())
			pending := newMemory("m2", "two")
			pending.Status = memory.StatusPending
			Expect(store.Insert(ctx, pending)).To(Succeed())

			stats, err := store.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.MemoriesByStatus[memory.StatusActive]).To(Equal(1))
			Expect(stats.MemoriesByStatus[memory.StatusPending]).To(Equal(1))
			Expect(stats.MemoriesByType[memory.TypeEpisodic]).To(Equal(2))
			Expect(stats.PendingEmbedding).To(Equal(2))
		})
	})
})
