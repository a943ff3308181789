// Package storage defines the persistence interface for the vault. The
// store is the only component that touches the on-disk format; everything
// above it speaks in domain terms.
package storage

import (
	"context"
	"time"

	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/vector"
)

// Neighbor is one hit from a bounded graph traversal.
type Neighbor struct {
	ID   string
	Hop  int
	Kind memory.EdgeKind
}

// Stats summarizes vault contents.
type Stats struct {
	MemoriesByType      map[memory.Type]int   `json:"memories_by_type"`
	MemoriesByStatus    map[memory.Status]int `json:"memories_by_status"`
	EntityCount         int                   `json:"entity_count"`
	EdgeCount           int                   `json:"edge_count"`
	PendingEmbedding    int                   `json:"pending_embedding"`
	EmbeddingFailed     int                   `json:"embedding_failed"`
	InvariantViolations int                   `json:"invariant_violations"`
}

// Store is the transactional persistence layer (C1). Every mutation is a
// single transaction; readers observe snapshot consistency.
type Store interface {
	// NewID mints a fresh memory id: URL-safe and sortable by creation.
	NewID() string

	// Insert atomically commits the memory row, per-entity upserts, the
	// initial entity-shared edges (capped per entity), and the
	// temporal-next edge for session chains. Embedding may be nil.
	// Returns memory.ErrConflict when the id exists and
	// memory.ErrInvalidPayload on dimension mismatch.
	Insert(ctx context.Context, m *memory.Memory) error

	// UpdateEmbedding sets the embedding and registers it with the
	// vector index in the same transaction. Idempotent on equal vectors.
	UpdateEmbedding(ctx context.Context, id string, embedding []float32) error

	// MarkEmbeddingFailed records that the retry budget for a row was
	// exhausted. The row stays recallable through non-vector seeds.
	MarkEmbeddingFailed(ctx context.Context, id string) error

	// Reinforce increments the reinforcement count and raises salience
	// by a log-decaying increment. Safe to call concurrently.
	Reinforce(ctx context.Context, id string) (*memory.Memory, error)

	// Supersede closes the old memory's validity interval at `at`,
	// marks it superseded by newID, and creates the supersedes edge
	// new->old. Atomic.
	Supersede(ctx context.Context, oldID, newID string, at time.Time) error

	// SetStatus transitions a memory's lifecycle status. The
	// pending->fulfilled promotion is the only change permitted on the
	// fulfillment axis.
	SetStatus(ctx context.Context, id string, status memory.Status) error

	// SetSalience overwrites salience (clamped); used by the decay pass.
	SetSalience(ctx context.Context, id string, salience float64) error

	// Forget removes a memory. Hard removes the row, its edges, and the
	// vector-index entry; soft sets status archived.
	Forget(ctx context.Context, id string, hard bool) error

	// Stamp updates last_accessed_at for a batch of ids.
	Stamp(ctx context.Context, ids []string, when time.Time) error

	// Get retrieves one memory.
	Get(ctx context.Context, id string) (*memory.Memory, error)

	// GetByIDs hydrates a batch, preserving caller order. Unknown ids
	// are skipped.
	GetByIDs(ctx context.Context, ids []string) ([]*memory.Memory, error)

	// VectorSearch returns top-k (id, cosine similarity) over
	// non-archived memories with a present embedding.
	VectorSearch(ctx context.Context, queryVec []float32, k int) ([]vector.Result, error)

	// EntitySeed returns ids ordered by descending count of matching
	// entities.
	EntitySeed(ctx context.Context, entities []string, k int) ([]string, error)

	// TopicSeed returns ids of non-archived memories tagged with any of
	// the topics, newest first.
	TopicSeed(ctx context.Context, topics []string, k int) ([]string, error)

	// TextSearch returns ids from the full-text index, best match first.
	TextSearch(ctx context.Context, query string, k int) ([]string, error)

	// ByStatus materializes memories with the given lifecycle status,
	// newest valid_from first.
	ByStatus(ctx context.Context, status memory.Status, k int) ([]*memory.Memory, error)

	// ByType materializes memories of the given type, newest first.
	ByType(ctx context.Context, t memory.Type, k int) ([]*memory.Memory, error)

	// Connect records an edge. Idempotent in the edge set; a repeated
	// (src, dst, kind) updates the weight.
	Connect(ctx context.Context, e memory.Edge) error

	// EdgesFrom returns outbound edges, optionally filtered by kind.
	EdgesFrom(ctx context.Context, id string, kinds []memory.EdgeKind) ([]memory.Edge, error)

	// EdgesTouching returns all edges with id as either endpoint.
	EdgesTouching(ctx context.Context, id string) ([]memory.Edge, error)

	// Neighbors runs a bounded BFS from id. Work is capped by the
	// edge-visit budget.
	Neighbors(ctx context.Context, id string, depth int, kinds []memory.EdgeKind, budget int) ([]Neighbor, error)

	// Entities lists entity nodes, most referenced first.
	Entities(ctx context.Context, k int) ([]memory.Entity, error)

	// MergeEntities folds alias `from` into `to`, rewriting references
	// and counters.
	MergeEntities(ctx context.Context, from, to string) error

	// MemoriesForEntity returns ids referencing the entity, newest
	// first.
	MemoriesForEntity(ctx context.Context, entity string, k int) ([]string, error)

	// ConsolidationCandidates returns active episodic memories with
	// embeddings that are not yet constituents of a consolidated
	// memory, oldest first.
	ConsolidationCandidates(ctx context.Context, k int) ([]*memory.Memory, error)

	// OpenContradictions returns contradicts edges whose endpoints are
	// both still active.
	OpenContradictions(ctx context.Context, k int) ([]memory.Edge, error)

	// DecayCandidates returns non-archived memories last accessed
	// before the cutoff.
	DecayCandidates(ctx context.Context, cutoff time.Time, k int) ([]*memory.Memory, error)

	// DanglingEdges returns edges with at least one archived or missing
	// endpoint.
	DanglingEdges(ctx context.Context, k int) ([]memory.Edge, error)

	// RemoveEdge deletes one edge.
	RemoveEdge(ctx context.Context, e memory.Edge) error

	// All streams every memory, for export and invariant sweeps.
	All(ctx context.Context) ([]*memory.Memory, error)

	// AllEdges returns every edge, for export.
	AllEdges(ctx context.Context) ([]memory.Edge, error)

	// Stats summarizes the vault.
	Stats(ctx context.Context) (*Stats, error)

	// RecordViolations bumps the invariant-violation counter surfaced
	// by Stats.
	RecordViolations(ctx context.Context, n int) error

	// Close releases the store and its lock. Idempotent.
	Close() error
}
