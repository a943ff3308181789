package embeddings_test

import (
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tstockham96/engram/pkg/embeddings"
)

var _ = Describe("Normalize", func() {
	It("scales to unit length", func() {
		v := embeddings.Normalize([]float32{3, 4})
		norm := math.Sqrt(float64(v[0]*v[0] + v[1]*v[1]))
		Expect(norm).To(BeNumerically("~", 1.0, 1e-6))
	})

	It("leaves zero vectors unchanged", func() {
		v := embeddings.Normalize([]float32{0, 0, 0})
		Expect(v).To(Equal([]float32{0, 0, 0}))
	})
})

var _ = Describe("Cosine", func() {
	It("is 1 for parallel vectors", func() {
		Expect(embeddings.Cosine([]float32{1, 0}, []float32{2, 0})).To(BeNumerically("~", 1.0, 1e-6))
	})

	It("is 0 for orthogonal vectors", func() {
		Expect(embeddings.Cosine([]float32{1, 0}, []float32{0, 1})).To(BeNumerically("~", 0.0, 1e-6))
	})

	It("is 0 for mismatched lengths", func() {
		Expect(embeddings.Cosine([]float32{1, 0}, []float32{1})).To(Equal(0.0))
	})
})
