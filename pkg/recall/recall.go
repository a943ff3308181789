// Package recall implements the multi-signal read pipeline: query
// understanding, seed retrieval, spreading activation, scoring, temporal
// dedup, and truncation. It is used by the vault facade and, through it,
// the REST surface.
package recall

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/embeddings"
	"github.com/tstockham96/engram/pkg/extract"
	"github.com/tstockham96/engram/pkg/graph"
	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/storage"
)

const (
	// DefaultLimit is used when the caller asks for nothing specific.
	DefaultLimit = 10

	// DefaultSeedExpansionFactor oversizes the candidate pool relative
	// to the requested limit.
	DefaultSeedExpansionFactor = 4
)

// AggregationRule routes matching queries to materialization instead of
// similarity search. Exactly one of Status or Type is set.
type AggregationRule struct {
	// Phrase matches as a lowercase substring of the query.
	Phrase string

	Status memory.Status
	Type   memory.Type
}

// DefaultAggregationRules cover the stock "all X" / "pending" phrasings.
func DefaultAggregationRules() []AggregationRule {
	return []AggregationRule{
		{Phrase: "pending", Status: memory.StatusPending},
		{Phrase: "commitment", Status: memory.StatusPending},
		{Phrase: "open promises", Status: memory.StatusPending},
		{Phrase: "what do i owe", Status: memory.StatusPending},
		{Phrase: "all decisions", Type: memory.TypeSemantic},
		{Phrase: "list of decisions", Type: memory.TypeSemantic},
		{Phrase: "every fact", Type: memory.TypeSemantic},
		{Phrase: "all facts", Type: memory.TypeSemantic},
		{Phrase: "all procedures", Type: memory.TypeProcedural},
		{Phrase: "every procedure", Type: memory.TypeProcedural},
		{Phrase: "all summaries", Type: memory.TypeConsolidated},
	}
}

// Config holds the pipeline tuning knobs.
type Config struct {
	Weights             Weights
	SeedExpansionFactor int
	RecencyHalfLifeDays float64
	AgeHalfLifeDays     float64
	AggregationRules    []AggregationRule

	// SyncStamp stamps access times before returning instead of in the
	// background. Tests rely on it.
	SyncStamp bool
}

func (c Config) withDefaults() Config {
	zero := Weights{}
	if c.Weights == zero {
		c.Weights = DefaultWeights()
	}
	if c.SeedExpansionFactor <= 0 {
		c.SeedExpansionFactor = DefaultSeedExpansionFactor
	}
	if c.RecencyHalfLifeDays <= 0 {
		c.RecencyHalfLifeDays = DefaultRecencyHalfLifeDays
	}
	if c.AgeHalfLifeDays <= 0 {
		c.AgeHalfLifeDays = DefaultAgeHalfLifeDays
	}
	if c.AggregationRules == nil {
		c.AggregationRules = DefaultAggregationRules()
	}
	return c
}

// Input is one recall request.
type Input struct {
	Context  string
	Entities []string
	Topics   []string
	Types    []memory.Type
	Limit    int

	Spread      bool
	SpreadHops  int
	SpreadDecay float64

	// At scopes the recall to a past instant: only memories whose
	// validity interval covers At are returned.
	At time.Time
}

// Output is the ordered result list with pipeline metadata.
type Output struct {
	Results []*Scored `json:"results"`
	Count   int       `json:"count"`

	// Routed is set when aggregation routing materialized the seeds.
	Routed bool `json:"routed,omitempty"`
}

// queryContext carries the understood query through the phases.
type queryContext struct {
	entities         []string
	topics           []string
	queryVec         []float32
	vectorScores     map[string]float64
	spreadActivation map[string]float64
	at               time.Time
}

// Searcher runs the recall pipeline.
type Searcher struct {
	store     storage.Store
	embedder  embeddings.Embedder
	extractor *extract.Extractor
	spreader  *graph.Spreader
	config    Config
	logger    *zap.Logger
}

// NewSearcher creates the pipeline. The embedder may be nil; recall then
// runs on entity, topic, and full-text signals alone.
func NewSearcher(
	store storage.Store,
	embedder embeddings.Embedder,
	extractor *extract.Extractor,
	spreader *graph.Spreader,
	config Config,
	logger *zap.Logger,
) *Searcher {
	return &Searcher{
		store:     store,
		embedder:  embedder,
		extractor: extractor,
		spreader:  spreader,
		config:    config.withDefaults(),
		logger:    logger,
	}
}

// Search runs all phases. An empty vault or zero candidates returns an
// empty output, not an error. Cancellation aborts between phases and
// discards partial results.
func (s *Searcher) Search(ctx context.Context, in Input) (*Output, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	poolSize := limit * s.config.SeedExpansionFactor

	q, queryVec := s.understand(ctx, in)

	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	candidates, routed, err := s.seed(ctx, in, q, queryVec, poolSize)
	if err != nil {
		return nil, err
	}
	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	if in.Spread && !routed && len(candidates) > 0 {
		if err := s.spread(ctx, in, q, candidates); err != nil {
			return nil, err
		}
		for id := range q.spreadActivation {
			candidates[id] = true
		}
		if err := cancelled(ctx); err != nil {
			return nil, err
		}
	}

	scored, err := s.scoreAndFilter(ctx, in, q, candidates)
	if err != nil {
		return nil, err
	}

	scored = dedup(scored, q.at)
	sortScored(scored)

	if len(scored) > limit {
		scored = scored[:limit]
	}

	s.stamp(ctx, scored)

	s.logger.Debug("recall complete",
		zap.String("context", in.Context),
		zap.Int("results", len(scored)),
		zap.Bool("routed", routed),
	)

	return &Output{Results: scored, Count: len(scored), Routed: routed}, nil
}

// understand embeds the query and unions extracted and caller-supplied
// entities and topics. Embedding failure degrades to non-vector recall.
func (s *Searcher) understand(ctx context.Context, in Input) (*queryContext, []float32) {
	q := &queryContext{
		vectorScores:     make(map[string]float64),
		spreadActivation: make(map[string]float64),
		at:               in.At,
	}

	var extracted extract.Result
	if s.extractor != nil && in.Context != "" {
		extracted = s.extractor.Extract(ctx, extract.Request{Content: in.Context})
	}
	q.entities = memory.NormalizeEntitySet(append(append([]string{}, extracted.Entities...), in.Entities...))
	q.topics = dedupStrings(append(append([]string{}, extracted.Topics...), in.Topics...))

	var queryVec []float32
	if s.embedder != nil && in.Context != "" {
		vec, err := s.embedder.Embed(ctx, in.Context)
		if err != nil {
			s.logger.Warn("query embedding failed, degrading to non-vector recall", zap.Error(err))
		} else {
			queryVec = embeddings.Normalize(vec)
		}
	}
	q.queryVec = queryVec

	return q, queryVec
}

// seed assembles the candidate pool: aggregation materialization when
// routed, otherwise the union of vector, entity, topic, and full-text
// seeds. Archived memories never enter the pool.
func (s *Searcher) seed(ctx context.Context, in Input, q *queryContext, queryVec []float32, poolSize int) (map[string]bool, bool, error) {
	candidates := make(map[string]bool)

	if rule, ok := s.route(in.Context); ok {
		var ms []*memory.Memory
		var err error
		if rule.Status != "" {
			ms, err = s.store.ByStatus(ctx, rule.Status, poolSize)
		} else {
			ms, err = s.store.ByType(ctx, rule.Type, poolSize)
		}
		if err != nil {
			return nil, false, err
		}
		for _, m := range ms {
			if m.Status == memory.StatusArchived {
				continue
			}
			candidates[m.ID] = true
		}
		return candidates, true, nil
	}

	if queryVec != nil {
		hits, err := s.store.VectorSearch(ctx, queryVec, poolSize)
		if err != nil {
			return nil, false, err
		}
		for _, h := range hits {
			candidates[h.ID] = true
			q.vectorScores[h.ID] = float64(h.Score)
		}
	}

	if len(q.entities) > 0 {
		ids, err := s.store.EntitySeed(ctx, q.entities, poolSize)
		if err != nil {
			return nil, false, err
		}
		for _, id := range ids {
			candidates[id] = true
		}
	}

	if len(q.topics) > 0 {
		ids, err := s.store.TopicSeed(ctx, q.topics, poolSize)
		if err != nil {
			return nil, false, err
		}
		for _, id := range ids {
			candidates[id] = true
		}
	}

	// Full-text backs recall while embeddings are pending or failed.
	if in.Context != "" {
		ids, err := s.store.TextSearch(ctx, in.Context, poolSize)
		if err != nil {
			return nil, false, err
		}
		for _, id := range ids {
			candidates[id] = true
		}
	}

	return candidates, false, nil
}

// route matches the query against the aggregation phrase set.
func (s *Searcher) route(query string) (AggregationRule, bool) {
	lower := strings.ToLower(query)
	if lower == "" {
		return AggregationRule{}, false
	}
	for _, rule := range s.config.AggregationRules {
		if strings.Contains(lower, rule.Phrase) {
			return rule, true
		}
	}
	return AggregationRule{}, false
}

// spread runs activation from the seeds, seeded with each candidate's
// vector score (or a nominal activation when it has none).
func (s *Searcher) spread(ctx context.Context, in Input, q *queryContext, candidates map[string]bool) error {
	seeds := make(map[string]float64, len(candidates))
	for id := range candidates {
		activation := q.vectorScores[id]
		if activation <= 0 {
			activation = 0.5
		}
		seeds[id] = activation
	}

	activation, err := s.spreader.Spread(ctx, seeds, graph.SpreadOptions{
		MaxHops: in.SpreadHops,
		Decay:   in.SpreadDecay,
	})
	if err != nil {
		return err
	}
	q.spreadActivation = activation
	return nil
}

// scoreAndFilter hydrates candidates, applies type and point-in-time
// filters, and scores the survivors.
func (s *Searcher) scoreAndFilter(ctx context.Context, in Input, q *queryContext, candidates map[string]bool) ([]*Scored, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}

	ms, err := s.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	typeFilter := make(map[memory.Type]bool, len(in.Types))
	for _, t := range in.Types {
		typeFilter[t] = true
	}

	now := time.Now().UTC()
	scored := make([]*Scored, 0, len(ms))
	for _, m := range ms {
		if m.Status == memory.StatusArchived {
			continue
		}
		if len(typeFilter) > 0 && !typeFilter[m.Type] {
			continue
		}
		if !q.at.IsZero() && !m.ValidAt(q.at) {
			continue
		}

		score, signals := s.score(m, q, now)
		scored = append(scored, &Scored{Memory: m, Score: score, Signals: signals})
	}

	return scored, nil
}

// stamp updates last_accessed_at for the returned ids, asynchronously
// unless configured otherwise.
func (s *Searcher) stamp(ctx context.Context, scored []*Scored) {
	if len(scored) == 0 {
		return
	}
	ids := make([]string, len(scored))
	for i, sc := range scored {
		ids[i] = sc.Memory.ID
	}
	now := time.Now().UTC()

	if s.config.SyncStamp {
		if err := s.store.Stamp(ctx, ids, now); err != nil {
			s.logger.Warn("stamping access times failed", zap.Error(err))
		}
		return
	}

	go func() {
		if err := s.store.Stamp(context.Background(), ids, now); err != nil {
			s.logger.Warn("stamping access times failed", zap.Error(err))
		}
	}()
}

func sortScored(scored []*Scored) {
	sort.SliceStable(scored, func(i, j int) bool {
		return less(scored[i], scored[j])
	})
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if err == context.DeadlineExceeded {
			return fmt.Errorf("%w: recall", memory.ErrTimedOut)
		}
		return fmt.Errorf("%w: recall", memory.ErrCancelled)
	}
	return nil
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
