package graph_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/graph"
	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/storage/sqlite"
)

var _ = Describe("Spreader", func() {
	var (
		store    *sqlite.Store
		spreader *graph.Spreader
		ctx      context.Context
	)

	insert := func(id string) {
		Expect(store.Insert(ctx, &memory.Memory{
			ID:       id,
			Content:  "memory " + id,
			Type:     memory.TypeEpisodic,
			Status:   memory.StatusActive,
			Salience: 0.5,
		})).To(Succeed())
	}

	connect := func(src, dst string, kind memory.EdgeKind, weight float64) {
		Expect(store.Connect(ctx, memory.Edge{
			Src: src, Dst: dst, Kind: kind, Weight: weight,
		})).To(Succeed())
	}

	BeforeEach(func() {
		var err error
		store, err = sqlite.Open(sqlite.Config{DBPath: ":memory:"}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		spreader = graph.NewSpreader(store, zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	It("propagates along supports edges with per-hop decay", func() {
		insert("a")
		insert("b")
		connect("a", "b", memory.EdgeSupports, 1.0)

		activation, err := spreader.Spread(ctx, map[string]float64{"a": 1.0}, graph.SpreadOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(activation).To(HaveKey("b"))
		Expect(activation["b"]).To(BeNumerically("~", 0.6, 1e-9))
	})

	It("reaches two hops with compounding decay", func() {
		insert("a")
		insert("b")
		insert("c")
		connect("a", "b", memory.EdgeSupports, 1.0)
		connect("b", "c", memory.EdgeSupports, 1.0)

		activation, err := spreader.Spread(ctx, map[string]float64{"a": 1.0}, graph.SpreadOptions{MaxHops: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(activation["c"]).To(BeNumerically("~", 0.36, 1e-9))
	})

	It("attenuates entity-shared edges by kind weight", func() {
		insert("a")
		insert("b")
		connect("a", "b", memory.EdgeEntityShared, 1.0)

		activation, err := spreader.Spread(ctx, map[string]float64{"a": 1.0}, graph.SpreadOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(activation["b"]).To(BeNumerically("~", 0.42, 1e-9))
	})

	It("never conducts along contradicts edges", func() {
		insert("a")
		insert("b")
		connect("a", "b", memory.EdgeContradicts, 1.0)

		activation, err := spreader.Spread(ctx, map[string]float64{"a": 1.0}, graph.SpreadOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(activation).NotTo(HaveKey("b"))
	})

	It("treats superseded targets as inadmissible", func() {
		insert("a")
		insert("b")
		insert("b2")
		connect("a", "b", memory.EdgeSupports, 1.0)
		Expect(store.Supersede(ctx, "b", "b2", memoryValidFrom(ctx, store, "b2"))).To(Succeed())

		activation, err := spreader.Spread(ctx, map[string]float64{"a": 1.0}, graph.SpreadOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(activation).NotTo(HaveKey("b"))
	})

	It("does not re-credit seeds", func() {
		insert("a")
		insert("b")
		connect("a", "b", memory.EdgeSupports, 1.0)
		connect("b", "a", memory.EdgeSupports, 1.0)

		activation, err := spreader.Spread(ctx, map[string]float64{"a": 1.0, "b": 1.0}, graph.SpreadOptions{MaxHops: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(activation).To(BeEmpty())
	})

	It("stops at the node-visit budget", func() {
		insert("hub")
		seeds := map[string]float64{"hub": 1.0}
		for _, id := range []string{"s1", "s2", "s3"} {
			insert(id)
			connect(id, "hub", memory.EdgeSupports, 1.0)
			seeds[id] = 1.0
		}

		activation, err := spreader.Spread(ctx, seeds, graph.SpreadOptions{NodeBudget: 1})
		Expect(err).NotTo(HaveOccurred())
		// One visit allowed; no more than one frontier node expanded.
		Expect(len(activation)).To(BeNumerically("<=", 1))
	})
})

// memoryValidFrom fetches a memory's valid_from for supersession stamps.
func memoryValidFrom(ctx context.Context, store *sqlite.Store, id string) time.Time {
	m, err := store.Get(ctx, id)
	Expect(err).NotTo(HaveOccurred())
	return m.ValidFrom
}
