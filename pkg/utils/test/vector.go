package testutils

import (
	"context"
	"sort"
	"sync"

	"github.com/tstockham96/engram/pkg/embeddings"
	"github.com/tstockham96/engram/pkg/vector"
)

// MockVectorDriver is an in-memory vector driver doing exact brute-force
// cosine search.
type MockVectorDriver struct {
	mu      sync.Mutex
	vectors map[string][]float32
	dims    int
}

func NewMockVectorDriver(dims int) *MockVectorDriver {
	if dims <= 0 {
		dims = 3
	}
	return &MockVectorDriver{
		vectors: make(map[string][]float32),
		dims:    dims,
	}
}

func (m *MockVectorDriver) Upsert(_ context.Context, id string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	m.vectors[id] = vec
	return nil
}

func (m *MockVectorDriver) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vectors, id)
	return nil
}

func (m *MockVectorDriver) TopK(_ context.Context, embedding []float32, k int) ([]vector.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]vector.Result, 0, len(m.vectors))
	for id, vec := range m.vectors {
		score := embeddings.Cosine(embedding, vec)
		if score <= 0 {
			continue
		}
		results = append(results, vector.Result{
			ID:    id,
			Score: float32(score),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (m *MockVectorDriver) Dimensions() int {
	return m.dims
}

func (m *MockVectorDriver) Close() error {
	return nil
}

// Len reports how many vectors are indexed.
func (m *MockVectorDriver) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vectors)
}
