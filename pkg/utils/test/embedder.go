package testutils

import (
	"context"
	"fmt"

	"github.com/tstockham96/engram/pkg/embeddings"
)

// MockEmbedder is a test embedder that returns predictable embeddings
type MockEmbedder struct {
	// Embeddings maps exact input text to a fixed vector.
	Embeddings map[string][]float32

	// Dims is the reported dimensionality. Defaults to 3.
	Dims int

	// FailOn causes Embed to return an error when the input text matches
	FailOn string

	// FailAll causes every call to fail, for retry-budget tests.
	FailAll bool

	// Calls counts provider invocations (Embed and EmbedBatch each
	// count once).
	Calls int
}

func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{
		Embeddings: make(map[string][]float32),
		Dims:       3,
	}
}

func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.Calls++
	if m.FailAll || (m.FailOn != "" && text == m.FailOn) {
		return nil, fmt.Errorf("mock embedding failure for: %s", text)
	}

	return m.vectorFor(text), nil
}

func (m *MockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.Calls++
	if m.FailAll {
		return nil, fmt.Errorf("mock batch embedding failure")
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if m.FailOn != "" && text == m.FailOn {
			return nil, fmt.Errorf("mock embedding failure for: %s", text)
		}
		out[i] = m.vectorFor(text)
	}
	return out, nil
}

func (m *MockEmbedder) Dimensions() int {
	if m.Dims <= 0 {
		return 3
	}
	return m.Dims
}

func (m *MockEmbedder) Close() error {
	return nil
}

// vectorFor returns the configured vector, or a deterministic unit vector
// derived from the text so distinct texts stay distinguishable.
func (m *MockEmbedder) vectorFor(text string) []float32 {
	if emb, ok := m.Embeddings[text]; ok {
		return emb
	}

	dims := m.Dimensions()
	v := make([]float32, dims)
	h := uint32(2166136261)
	for _, b := range []byte(text) {
		h = (h ^ uint32(b)) * 16777619
	}
	for i := range v {
		h = h*1664525 + 1013904223
		v[i] = float32(h%1000)/500 - 1
	}
	return embeddings.Normalize(v)
}
