package vector

import "errors"

var (
	// ErrDimensionMismatch is returned when an embedding's length differs
	// from the index's fixed dimensionality.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmbedding is returned when embedding generation fails.
	ErrEmbedding = errors.New("embedding failed")

	// ErrConnection is returned when the index backend cannot be reached
	// or opened.
	ErrConnection = errors.New("vector index connection failed")
)
