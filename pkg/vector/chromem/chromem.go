// Package chromem provides a pure-Go vector driver backed by chromem-go.
//
// It is the cgo-free alternative to the sqlite-vec driver: the index lives
// in its own file subtree next to the vault rather than inside the vault's
// SQLite file, so index mutations are only transactional per-call.
package chromem

import (
	"context"
	"fmt"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/vector"
)

const collectionName = "engram-memories"

// Driver implements vector.Driver over a chromem-go collection.
type Driver struct {
	db         *chromemgo.DB
	collection *chromemgo.Collection
	dimensions int

	mu     sync.Mutex
	logger *zap.Logger
}

// Config holds configuration for the chromem driver.
type Config struct {
	// Path is the directory for the persistent index. Empty means
	// in-memory only.
	Path string

	// Dimensions is the fixed embedding dimensionality. Required.
	Dimensions int
}

// New creates a chromem-backed driver.
func New(c Config, logger *zap.Logger) (*Driver, error) {
	if c.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be configured", vector.ErrConnection)
	}

	var db *chromemgo.DB
	var err error
	if c.Path == "" {
		db = chromemgo.NewDB()
	} else {
		db, err = chromemgo.NewPersistentDB(c.Path, false)
		if err != nil {
			return nil, fmt.Errorf("%w: opening chromem db: %v", vector.ErrConnection, err)
		}
	}

	// Embeddings are always supplied by the caller, so the collection
	// gets no embedding function.
	col, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating collection: %v", vector.ErrConnection, err)
	}

	logger.Debug("chromem index ready",
		zap.String("path", c.Path),
		zap.Int("dimensions", c.Dimensions),
	)

	return &Driver{
		db:         db,
		collection: col,
		dimensions: c.Dimensions,
		logger:     logger,
	}, nil
}

// Upsert stores or replaces the embedding for an id.
func (d *Driver) Upsert(ctx context.Context, id string, embedding []float32) error {
	if len(embedding) != d.dimensions {
		return fmt.Errorf("%w: got %d, index has %d", vector.ErrDimensionMismatch, len(embedding), d.dimensions)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// chromem AddDocument rejects duplicate ids; drop any old entry first.
	_ = d.collection.Delete(ctx, nil, nil, id)

	err := d.collection.AddDocument(ctx, chromemgo.Document{
		ID:        id,
		Embedding: embedding,
		// chromem requires non-empty content; the id is enough since
		// hydration always goes through the store.
		Content: id,
	})
	if err != nil {
		return fmt.Errorf("adding document %s: %w", id, err)
	}

	return nil
}

// Remove deletes the embedding for an id.
func (d *Driver) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	return nil
}

// TopK returns up to k ids ranked by cosine similarity to the query.
func (d *Driver) TopK(ctx context.Context, embedding []float32, k int) ([]vector.Result, error) {
	if len(embedding) != d.dimensions {
		return nil, fmt.Errorf("%w: got %d, index has %d", vector.ErrDimensionMismatch, len(embedding), d.dimensions)
	}
	if k <= 0 {
		k = 10
	}

	d.mu.Lock()
	count := d.collection.Count()
	d.mu.Unlock()

	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	hits, err := d.collection.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	results := make([]vector.Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, vector.Result{
			ID:    hit.ID,
			Score: hit.Similarity,
		})
	}

	return results, nil
}

// Dimensions reports the fixed embedding dimensionality.
func (d *Driver) Dimensions() int {
	return d.dimensions
}

// Close releases the driver. chromem persists on every mutation, so there
// is nothing to flush.
func (d *Driver) Close() error {
	return nil
}

var _ vector.Driver = (*Driver)(nil)
