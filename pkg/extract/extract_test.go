package extract

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/memory"
)

var _ = Describe("Extractor", func() {
	var (
		e   *Extractor
		ctx context.Context
	)

	BeforeEach(func() {
		e = New(Config{Dictionaries: []string{"kubectl"}}, zap.NewNop())
		ctx = context.Background()
	})

	Describe("entity extraction", func() {
		It("finds capitalization runs", func() {
			res := e.Extract(ctx, Request{Content: "Priya leads the Atlas project at Corp A."})
			Expect(res.Entities).To(ContainElements("Priya", "Atlas", "Corp A"))
		})

		It("skips sentence leaders that are only positionally capitalized", func() {
			res := e.Extract(ctx, Request{Content: "The deploy finished. It took an hour."})
			Expect(res.Entities).NotTo(ContainElement("The"))
			Expect(res.Entities).NotTo(ContainElement("It"))
		})

		It("finds quoted identifiers", func() {
			res := e.Extract(ctx, Request{Content: "the service reads from `payments-db` on boot"})
			Expect(res.Entities).To(ContainElement("payments-db"))
		})

		It("finds dictionary terms case-insensitively", func() {
			res := e.Extract(ctx, Request{Content: "remember to run kubectl apply after merging"})
			Expect(res.Entities).To(ContainElement("kubectl"))
		})

		It("unions caller-supplied entities without duplicating", func() {
			res := e.Extract(ctx, Request{
				Content:  "Priya joined the project",
				Entities: []string{"priya", "ML Team"},
			})
			norm := memory.NormalizeEntitySet(res.Entities)
			Expect(norm).To(ContainElements("priya", "ml team"))
			count := 0
			for _, n := range norm {
				if n == "priya" {
					count++
				}
			}
			Expect(count).To(Equal(1))
		})
	})

	Describe("type promotion", func() {
		It("defaults to episodic", func() {
			res := e.Extract(ctx, Request{Content: "had coffee with the infra folks"})
			Expect(res.Type).To(Equal(memory.TypeEpisodic))
		})

		It("promotes declarative content to semantic", func() {
			res := e.Extract(ctx, Request{Content: "Alex works at Corp A"})
			Expect(res.Type).To(Equal(memory.TypeSemantic))
		})

		It("promotes recipe-like content to procedural", func() {
			res := e.Extract(ctx, Request{Content: "Run make build, then, deploy with the release script"})
			Expect(res.Type).To(Equal(memory.TypeProcedural))
		})

		It("honors a caller override", func() {
			res := e.Extract(ctx, Request{Content: "Alex works at Corp A", Type: memory.TypeEpisodic})
			Expect(res.Type).To(Equal(memory.TypeEpisodic))
		})
	})

	Describe("status derivation", func() {
		It("marks commitments pending", func() {
			res := e.Extract(ctx, Request{Content: "I promised Priya a review by Friday"})
			Expect(res.Status).To(Equal(memory.StatusPending))
		})

		It("marks discharged commitments fulfilled", func() {
			res := e.Extract(ctx, Request{Content: "the review I promised Priya is done and shipped"})
			Expect(res.Status).To(Equal(memory.StatusFulfilled))
		})

		It("defaults to active", func() {
			res := e.Extract(ctx, Request{Content: "lunch was good today"})
			Expect(res.Status).To(Equal(memory.StatusActive))
		})
	})

	Describe("salience", func() {
		It("starts at the baseline", func() {
			res := e.Extract(ctx, Request{Content: "lunch was good today"})
			Expect(res.Salience).To(BeNumerically("~", 0.5))
		})

		It("boosts commitments", func() {
			res := e.Extract(ctx, Request{Content: "decided we will migrate the database"})
			Expect(res.Salience).To(BeNumerically(">", 0.5))
		})

		It("boosts declarative content about known persons", func() {
			res := e.Extract(ctx, Request{
				Content:      "Priya is the new ML lead",
				KnownPersons: map[string]bool{"priya": true},
			})
			Expect(res.Salience).To(BeNumerically(">", 0.5))
		})

		It("honors the caller override", func() {
			high := 0.95
			res := e.Extract(ctx, Request{Content: "promised a thing", Salience: &high})
			Expect(res.Salience).To(Equal(0.95))
		})
	})
})
