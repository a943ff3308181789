// Package consolidate implements the periodic consolidation cycle: cluster
// similar episodes into semantic summaries, detect and resolve
// contradictions by supersession, and refine the entity graph. Every step
// is idempotent and bounded; partial progress persists when the wall-clock
// budget runs out.
package consolidate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/embeddings"
	"github.com/tstockham96/engram/pkg/llm"
	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/storage"
)

const (
	// DefaultMergeThreshold is the cosine floor for clustering episodes.
	DefaultMergeThreshold = 0.85

	// DefaultBudget bounds one consolidation run.
	DefaultBudget = 30 * time.Second

	// DefaultBatchSize bounds candidates considered per run.
	DefaultBatchSize = 200

	// maxClusterSize caps how many episodes one summary absorbs.
	maxClusterSize = 10

	llmSummaryTimeoutMs = 10_000
)

// Config holds consolidator tuning.
type Config struct {
	MergeThreshold float64
	Budget         time.Duration
	BatchSize      int

	// LLM synthesizes summaries and confirms contradictions. Optional;
	// without it the rule-based paths run and summaries are marked
	// needs-review.
	LLM llm.Provider
}

func (c Config) withDefaults() Config {
	if c.MergeThreshold <= 0 || c.MergeThreshold > 1 {
		c.MergeThreshold = DefaultMergeThreshold
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Result counts the operations one run performed.
type Result struct {
	Clusters       int  `json:"clusters"`
	Consolidated   int  `json:"consolidated"`
	Contradictions int  `json:"contradictions"`
	Superseded     int  `json:"superseded"`
	EntitiesMerged int  `json:"entities_merged"`
	TimedOut       bool `json:"timed_out,omitempty"`
}

// Consolidator runs the cycle against a store.
type Consolidator struct {
	store  storage.Store
	config Config

	// enqueueEmbed queues newly minted consolidated memories for
	// embedding. Optional.
	enqueueEmbed func(id, content string)

	logger *zap.Logger
}

// New creates a consolidator. enqueueEmbed may be nil.
func New(store storage.Store, config Config, enqueueEmbed func(id, content string), logger *zap.Logger) *Consolidator {
	return &Consolidator{
		store:        store,
		config:       config.withDefaults(),
		enqueueEmbed: enqueueEmbed,
		logger:       logger,
	}
}

// Run executes one consolidation cycle. Original memories are never
// destroyed; constituents remain queryable.
func (c *Consolidator) Run(ctx context.Context) (*Result, error) {
	deadline := time.Now().Add(c.config.Budget)
	res := &Result{}

	if err := c.mergeEpisodes(ctx, deadline, res); err != nil {
		return res, err
	}
	if res.TimedOut {
		return res, nil
	}

	if err := c.resolveContradictions(ctx, deadline, res); err != nil {
		return res, err
	}
	if res.TimedOut {
		return res, nil
	}

	if err := c.refineEntities(ctx, deadline, res); err != nil {
		return res, err
	}

	c.logger.Info("consolidation cycle complete",
		zap.Int("clusters", res.Clusters),
		zap.Int("consolidated", res.Consolidated),
		zap.Int("superseded", res.Superseded),
		zap.Int("entities_merged", res.EntitiesMerged),
		zap.Bool("timed_out", res.TimedOut),
	)

	return res, nil
}

// mergeEpisodes clusters active episodic memories by cosine similarity and
// entity overlap, then synthesizes one consolidated summary per cluster.
func (c *Consolidator) mergeEpisodes(ctx context.Context, deadline time.Time, res *Result) error {
	candidates, err := c.store.ConsolidationCandidates(ctx, c.config.BatchSize)
	if err != nil {
		return err
	}

	clusters := c.cluster(candidates)
	res.Clusters = len(clusters)

	for _, cluster := range clusters {
		if overBudget(deadline) {
			res.TimedOut = true
			return nil
		}
		if err := c.synthesize(ctx, cluster); err != nil {
			return err
		}
		res.Consolidated++
	}

	return nil
}

// cluster greedily groups candidates: a pair joins when their embeddings
// clear the merge threshold and their entity sets overlap.
func (c *Consolidator) cluster(candidates []*memory.Memory) [][]*memory.Memory {
	var clusters [][]*memory.Memory
	assigned := make(map[string]bool, len(candidates))

	for i, seed := range candidates {
		if assigned[seed.ID] || len(seed.Embedding) == 0 {
			continue
		}

		cluster := []*memory.Memory{seed}
		assigned[seed.ID] = true
		seedEntities := memory.NormalizeEntitySet(seed.Entities)

		for _, other := range candidates[i+1:] {
			if assigned[other.ID] || len(other.Embedding) == 0 {
				continue
			}
			if len(cluster) >= maxClusterSize {
				break
			}
			sim := embeddings.Cosine(seed.Embedding, other.Embedding)
			if sim < c.config.MergeThreshold {
				continue
			}
			if overlap(seedEntities, memory.NormalizeEntitySet(other.Entities)) == 0 {
				continue
			}
			cluster = append(cluster, other)
			assigned[other.ID] = true
		}

		if len(cluster) >= 2 {
			clusters = append(clusters, cluster)
		}
	}

	return clusters
}

// synthesize produces the consolidated summary for a cluster and links it
// to its constituents with elaborates edges.
func (c *Consolidator) synthesize(ctx context.Context, cluster []*memory.Memory) error {
	summary, reviewed := c.summarize(ctx, cluster)

	entities, topics := unionSets(cluster)
	salience := 0.0
	for _, m := range cluster {
		if m.Salience > salience {
			salience = m.Salience
		}
	}

	consolidated := &memory.Memory{
		ID:          c.store.NewID(),
		Content:     summary,
		Type:        memory.TypeConsolidated,
		Status:      memory.StatusActive,
		Salience:    salience,
		Entities:    entities,
		Topics:      topics,
		Source:      memory.Source{Kind: memory.SourceSystem, Ref: "consolidation"},
		NeedsReview: reviewed,
	}

	if err := c.store.Insert(ctx, consolidated); err != nil {
		return fmt.Errorf("inserting consolidated memory: %w", err)
	}

	now := time.Now().UTC()
	for _, m := range cluster {
		if err := c.store.Connect(ctx, memory.Edge{
			Src:       consolidated.ID,
			Dst:       m.ID,
			Kind:      memory.EdgeElaborates,
			Weight:    1.0,
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}

	if c.enqueueEmbed != nil {
		c.enqueueEmbed(consolidated.ID, consolidated.Content)
	}

	c.logger.Debug("cluster consolidated",
		zap.String("id", consolidated.ID),
		zap.Int("constituents", len(cluster)),
	)

	return nil
}

// summarize asks the LLM for a semantic summary, degrading to a rule-based
// join marked needs-review.
func (c *Consolidator) summarize(ctx context.Context, cluster []*memory.Memory) (string, bool) {
	if c.config.LLM != nil {
		var sb strings.Builder
		sb.WriteString("Merge these related observations into one concise factual summary. Respond with the summary sentence only.\n\n")
		for _, m := range cluster {
			sb.WriteString("- ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}

		out, err := c.config.LLM.Complete(ctx, sb.String(), llm.CompleteOptions{
			MaxTokens: 256,
			TimeoutMs: llmSummaryTimeoutMs,
		})
		if err == nil && strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out), false
		}
		c.logger.Warn("summary synthesis failed, using rule-based fallback", zap.Error(err))
	}

	parts := make([]string, len(cluster))
	for i, m := range cluster {
		parts[i] = firstSentence(m.Content)
	}
	return strings.Join(parts, "; "), true
}

func firstSentence(s string) string {
	for _, sep := range []string{". ", "! ", "? "} {
		if idx := strings.Index(s, sep); idx > 0 {
			return s[:idx+1]
		}
	}
	return strings.TrimSpace(s)
}

func unionSets(cluster []*memory.Memory) (entities, topics []string) {
	seenE := make(map[string]bool)
	seenT := make(map[string]bool)
	for _, m := range cluster {
		for _, e := range m.Entities {
			key := memory.NormalizeEntity(e)
			if key == "" || seenE[key] {
				continue
			}
			seenE[key] = true
			entities = append(entities, e)
		}
		for _, t := range m.Topics {
			if t == "" || seenT[t] {
				continue
			}
			seenT[t] = true
			topics = append(topics, t)
		}
	}
	sort.Strings(topics)
	return entities, topics
}

func overlap(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	n := 0
	for _, s := range b {
		if set[s] {
			n++
		}
	}
	return n
}

func overBudget(deadline time.Time) bool {
	return time.Now().After(deadline)
}
