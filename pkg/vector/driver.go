// Package vector provides the vector-index capability interface used by the
// store for dense similarity search over memory embeddings.
package vector

import "context"

// Result is one nearest-neighbor hit.
type Result struct {
	// ID is the memory id the embedding belongs to.
	ID string

	// Score is cosine similarity (higher = more similar).
	Score float32
}

// Driver is the injected vector-index capability. Implementations hold the
// index for exactly one vault; dimensionality is fixed at construction.
type Driver interface {
	// Upsert stores or replaces the embedding for an id.
	Upsert(ctx context.Context, id string, embedding []float32) error

	// Remove deletes the embedding for an id. Removing an absent id is
	// not an error.
	Remove(ctx context.Context, id string) error

	// TopK returns up to k ids ranked by cosine similarity to the query.
	TopK(ctx context.Context, embedding []float32, k int) ([]Result, error)

	// Dimensions reports the fixed embedding dimensionality.
	Dimensions() int

	// Close releases any resources held by the driver.
	Close() error
}
