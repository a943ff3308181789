// Package vault assembles the memory engine behind one facade: the write
// path (remember), the read path (recall and the derived operations), the
// consolidation cycle, and lifecycle maintenance. A vault is bound to one
// owner and one storage location; providers are injected at construction
// so tests can run against in-memory fakes.
package vault

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/consolidate"
	"github.com/tstockham96/engram/pkg/embeddings"
	"github.com/tstockham96/engram/pkg/eventstream"
	"github.com/tstockham96/engram/pkg/eventstream/nop"
	"github.com/tstockham96/engram/pkg/extract"
	"github.com/tstockham96/engram/pkg/graph"
	"github.com/tstockham96/engram/pkg/lifecycle"
	"github.com/tstockham96/engram/pkg/llm"
	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/recall"
	"github.com/tstockham96/engram/pkg/storage"
)

const (
	// knownPersonScan bounds how many entities are consulted for the
	// known-person salience boost on writes.
	knownPersonScan = 200

	// fulfillmentScan bounds how many pending memories per entity are
	// considered for promotion when a fulfillment marker arrives.
	fulfillmentScan = 8
)

// Options wires a vault together. Store and Logger are required; every
// provider is optional and its absence degrades the matching capability.
type Options struct {
	Owner string

	Store storage.Store

	// Embedder powers vector recall. Without it the vault runs on
	// entity, topic, and full-text signals alone.
	Embedder embeddings.Embedder

	// LLM powers ask, summary synthesis, and contradiction verdicts.
	LLM llm.Provider

	// Publisher receives memory lifecycle events. Defaults to the no-op
	// publisher.
	Publisher eventstream.Publisher

	Extract     extract.Config
	Recall      recall.Config
	Consolidate consolidate.Config
	Lifecycle   lifecycle.Config

	// Queue tunes the embedding batcher. Embedder and OnResult are set
	// by the vault.
	Queue embeddings.QueueConfig

	Logger *zap.Logger
}

// RememberOptions are the caller-supplied hints for one write.
type RememberOptions struct {
	Type     memory.Type
	Entities []string
	Topics   []string
	Salience *float64
	Status   memory.Status
	Source   memory.Source
}

// Vault is the engine facade. Open once, close once; Close is idempotent.
type Vault struct {
	owner     string
	store     storage.Store
	embedder  embeddings.Embedder
	llm       llm.Provider
	publisher eventstream.Publisher
	extractor *extract.Extractor
	searcher  *recall.Searcher
	spreader  *graph.Spreader
	sweeper   *lifecycle.Sweeper
	queue     *embeddings.Queue
	conConfig consolidate.Config
	logger    *zap.Logger

	// halted is set when the lifecycle sweep run by Consolidate detects
	// invariant violations; Remember fails with ErrCorrupt until a clean
	// sweep clears it. Forget, Connect, and Reinforce are not gated.
	halted atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Open constructs the vault and starts the embedding queue.
func Open(opts Options) (*Vault, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: vault requires a store", memory.ErrInvalidPayload)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = nop.NewPublisher()
	}
	if opts.Extract.LLM == nil {
		opts.Extract.LLM = opts.LLM
	}
	if opts.Consolidate.LLM == nil {
		opts.Consolidate.LLM = opts.LLM
	}

	v := &Vault{
		owner:     opts.Owner,
		store:     opts.Store,
		embedder:  opts.Embedder,
		llm:       opts.LLM,
		publisher: opts.Publisher,
		extractor: extract.New(opts.Extract, opts.Logger),
		spreader:  graph.NewSpreader(opts.Store, opts.Logger),
		sweeper:   lifecycle.New(opts.Store, opts.Lifecycle, opts.Logger),
		conConfig: opts.Consolidate,
		logger:    opts.Logger,
	}

	v.searcher = recall.NewSearcher(opts.Store, opts.Embedder, v.extractor, v.spreader, opts.Recall, opts.Logger)

	if opts.Embedder != nil {
		qc := opts.Queue
		qc.Embedder = opts.Embedder
		qc.Logger = opts.Logger
		qc.OnResult = v.onEmbedResult
		v.queue = embeddings.NewQueue(qc)
	}

	return v, nil
}

// onEmbedResult lands one embedding outcome: index the vector, or mark the
// row failed once the retry budget is spent.
func (v *Vault) onEmbedResult(id string, embedding []float32, err error) {
	ctx := context.Background()
	if err != nil {
		v.logger.Warn("embedding failed permanently",
			zap.String("id", id),
			zap.Error(err),
		)
		if markErr := v.store.MarkEmbeddingFailed(ctx, id); markErr != nil {
			v.logger.Error("marking embedding failure", zap.String("id", id), zap.Error(markErr))
		}
		return
	}
	if err := v.store.UpdateEmbedding(ctx, id, embedding); err != nil {
		v.logger.Error("registering embedding", zap.String("id", id), zap.Error(err))
	}
}

// Remember accepts raw content, extracts a candidate record, and commits
// it. Returns as soon as the row is durable; embedding is queued.
func (v *Vault) Remember(ctx context.Context, content string, opts RememberOptions) (string, error) {
	if v.halted.Load() {
		return "", fmt.Errorf("%w: writes halted until a clean lifecycle sweep", memory.ErrCorrupt)
	}
	if content == "" {
		return "", fmt.Errorf("%w: empty content", memory.ErrInvalidPayload)
	}
	if opts.Salience != nil && (*opts.Salience < 0 || *opts.Salience > 1) {
		return "", fmt.Errorf("%w: salience %v outside [0,1]", memory.ErrInvalidPayload, *opts.Salience)
	}
	if opts.Type != "" && !memory.ValidTypes[opts.Type] {
		return "", fmt.Errorf("%w: unknown type %q", memory.ErrInvalidPayload, opts.Type)
	}
	if opts.Status != "" && !memory.ValidStatuses[opts.Status] {
		return "", fmt.Errorf("%w: unknown status %q", memory.ErrInvalidPayload, opts.Status)
	}

	res := v.extractor.Extract(ctx, extract.Request{
		Content:      content,
		Entities:     opts.Entities,
		Topics:       opts.Topics,
		Salience:     opts.Salience,
		Type:         opts.Type,
		Status:       opts.Status,
		KnownPersons: v.knownPersons(ctx),
	})

	source := opts.Source
	if source.Kind == "" {
		source.Kind = memory.SourceConversation
	}

	now := time.Now().UTC()
	m := &memory.Memory{
		ID:          v.store.NewID(),
		Content:     content,
		Type:        res.Type,
		Status:      res.Status,
		Salience:    res.Salience,
		Entities:    res.Entities,
		Topics:      res.Topics,
		Source:      source,
		CreatedAt:   now,
		ValidFrom:   now,
		NeedsReview: res.NeedsReview,
	}

	if err := v.store.Insert(ctx, m); err != nil {
		return "", err
	}

	// A fulfillment marker on the new write discharges open commitments
	// that share an entity with it.
	if res.Status == memory.StatusFulfilled {
		v.promoteFulfilled(ctx, m)
	}

	if v.queue != nil {
		v.queue.Enqueue(m.ID, m.Content)
	}

	v.publish(ctx, eventstream.NewMemoryEvent(eventstream.EventTypeMemoryStored, v.owner, m))

	v.logger.Debug("memory stored",
		zap.String("id", m.ID),
		zap.String("type", string(m.Type)),
		zap.String("status", string(m.Status)),
		zap.Int("entities", len(m.Entities)),
	)

	return m.ID, nil
}

// knownPersons collects normalized person entities already in the vault.
func (v *Vault) knownPersons(ctx context.Context) map[string]bool {
	entities, err := v.store.Entities(ctx, knownPersonScan)
	if err != nil {
		return nil
	}
	known := make(map[string]bool)
	for _, e := range entities {
		if e.Type == "person" {
			known[e.Name] = true
		}
	}
	if len(known) == 0 {
		return nil
	}
	return known
}

// promoteFulfilled marks pending memories sharing an entity with the
// fulfilling write as fulfilled. Promotion requires the explicit marker;
// there is no opportunistic promotion.
func (v *Vault) promoteFulfilled(ctx context.Context, m *memory.Memory) {
	for _, entity := range memory.NormalizeEntitySet(m.Entities) {
		ids, err := v.store.MemoriesForEntity(ctx, entity, fulfillmentScan)
		if err != nil {
			continue
		}
		for _, id := range ids {
			if id == m.ID {
				continue
			}
			candidate, err := v.store.Get(ctx, id)
			if err != nil || candidate.Status != memory.StatusPending {
				continue
			}
			if err := v.store.SetStatus(ctx, id, memory.StatusFulfilled); err != nil {
				v.logger.Warn("promoting fulfilled commitment", zap.String("id", id), zap.Error(err))
				continue
			}
			v.logger.Debug("commitment fulfilled",
				zap.String("pending_id", id),
				zap.String("fulfilled_by", m.ID),
			)
		}
	}
}

// Recall runs the multi-signal read pipeline.
func (v *Vault) Recall(ctx context.Context, in recall.Input) (*recall.Output, error) {
	return v.searcher.Search(ctx, in)
}

// Forget removes a memory. Hard destroys the row, its edges, and its index
// entry; soft archives it.
func (v *Vault) Forget(ctx context.Context, id string, hard bool) error {
	m, err := v.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := v.store.Forget(ctx, id, hard); err != nil {
		return err
	}

	event := eventstream.NewMemoryEvent(eventstream.EventTypeMemoryForgotten, v.owner, m)
	event.Hard = hard
	v.publish(ctx, event)

	return nil
}

// Connect records a user-asserted or caller-derived edge. Idempotent in
// the edge set.
func (v *Vault) Connect(ctx context.Context, src, dst string, kind memory.EdgeKind, weight float64) error {
	if !memory.ValidEdgeKinds[kind] {
		return fmt.Errorf("%w: unknown edge kind %q", memory.ErrInvalidPayload, kind)
	}
	if weight < 0 || weight > 1 {
		return fmt.Errorf("%w: edge weight %v outside [0,1]", memory.ErrInvalidPayload, weight)
	}
	if weight == 0 {
		weight = 1.0
	}
	if _, err := v.store.Get(ctx, src); err != nil {
		return err
	}
	if _, err := v.store.Get(ctx, dst); err != nil {
		return err
	}

	return v.store.Connect(ctx, memory.Edge{
		Src:       src,
		Dst:       dst,
		Kind:      kind,
		Weight:    weight,
		CreatedAt: time.Now().UTC(),
	})
}

// Neighbors runs a bounded BFS from id.
func (v *Vault) Neighbors(ctx context.Context, id string, depth int) ([]storage.Neighbor, error) {
	if depth <= 0 {
		depth = graph.DefaultMaxHops
	}
	return v.store.Neighbors(ctx, id, depth, nil, graph.DefaultNodeBudget)
}

// Reinforce bumps a memory's reinforcement count and salience.
func (v *Vault) Reinforce(ctx context.Context, id string) (*memory.Memory, error) {
	return v.store.Reinforce(ctx, id)
}

// Consolidate runs one consolidation cycle followed by the lifecycle
// sweep. A zero budget uses the configured default.
func (v *Vault) Consolidate(ctx context.Context, budget time.Duration) (*ConsolidateResult, error) {
	cfg := v.conConfig
	if budget > 0 {
		cfg.Budget = budget
	}

	var enqueue func(id, content string)
	if v.queue != nil {
		enqueue = func(id, content string) { v.queue.Enqueue(id, content) }
	}

	res, err := consolidate.New(v.store, cfg, enqueue, v.logger).Run(ctx)
	if err != nil {
		return nil, err
	}

	sweep, err := v.sweeper.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	v.halted.Store(sweep.Violations > 0)

	return &ConsolidateResult{Consolidation: res, Sweep: sweep}, nil
}

// ConsolidateResult combines a consolidation cycle with its trailing
// lifecycle sweep.
type ConsolidateResult struct {
	Consolidation *consolidate.Result `json:"consolidation"`
	Sweep         *lifecycle.Result   `json:"sweep"`
}

// Flush blocks until the embedding queue drains or ctx is cancelled.
func (v *Vault) Flush(ctx context.Context) error {
	if v.queue == nil {
		return nil
	}
	return v.queue.Flush(ctx)
}

// Close drains the queue and releases the store and providers. Idempotent.
func (v *Vault) Close() error {
	v.closeOnce.Do(func() {
		if v.queue != nil {
			v.queue.Close()
		}
		if err := v.publisher.Close(); err != nil {
			v.logger.Warn("closing event publisher", zap.Error(err))
		}
		v.closeErr = v.store.Close()
	})
	return v.closeErr
}

// publish sends one event; failures are logged, never propagated.
func (v *Vault) publish(ctx context.Context, event *eventstream.MemoryEvent) {
	if err := v.publisher.PublishMemory(ctx, event); err != nil {
		v.logger.Warn("publishing memory event",
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
	}
}
