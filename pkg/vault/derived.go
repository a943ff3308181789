package vault

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/llm"
	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/recall"
	"github.com/tstockham96/engram/pkg/storage"
)

const (
	defaultDerivedLimit = 10

	// staleCommitmentAge is how old a pending commitment must be before
	// it alerts.
	staleCommitmentAge = 72 * time.Hour

	// noveltyWindow is how recently a memory may have been accessed
	// before surface stops preferring it.
	noveltyWindow = 24 * time.Hour

	askTimeoutMs = 15_000
)

// Briefing is the structured context package returned by the briefing
// operation. No LLM is involved; every field is a materialized query.
type Briefing struct {
	Summary           string           `json:"summary"`
	KeyFacts          []*recall.Scored `json:"key_facts"`
	ActiveCommitments []*memory.Memory `json:"active_commitments"`
	RecentActivity    []*memory.Memory `json:"recent_activity"`
	TopEntities       []memory.Entity  `json:"top_entities"`
	Stats             *storage.Stats   `json:"stats"`
}

// Briefing composes pending commitments, contextual recall, recent
// activity, and entity standings into one package.
func (v *Vault) Briefing(ctx context.Context, focus string, limit int) (*Briefing, error) {
	if limit <= 0 {
		limit = defaultDerivedLimit
	}

	pending, err := v.store.ByStatus(ctx, memory.StatusPending, limit)
	if err != nil {
		return nil, err
	}

	var keyFacts []*recall.Scored
	if focus != "" {
		out, err := v.searcher.Search(ctx, recall.Input{Context: focus, Limit: limit})
		if err != nil {
			return nil, err
		}
		keyFacts = out.Results
	} else {
		out, err := v.searcher.Search(ctx, recall.Input{
			Types: []memory.Type{memory.TypeSemantic, memory.TypeConsolidated},
			Limit: limit,
		})
		if err != nil {
			return nil, err
		}
		keyFacts = out.Results
	}

	recent, err := v.store.ByStatus(ctx, memory.StatusActive, limit)
	if err != nil {
		return nil, err
	}

	entities, err := v.topEntities(ctx, limit)
	if err != nil {
		return nil, err
	}

	stats, err := v.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	b := &Briefing{
		KeyFacts:          keyFacts,
		ActiveCommitments: pending,
		RecentActivity:    recent,
		TopEntities:       entities,
		Stats:             stats,
	}
	b.Summary = summarizeBriefing(b)

	return b, nil
}

// topEntities ranks entities by memoryCount weighted by recency of last
// mention.
func (v *Vault) topEntities(ctx context.Context, limit int) ([]memory.Entity, error) {
	entities, err := v.store.Entities(ctx, limit*4)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sort.SliceStable(entities, func(i, j int) bool {
		return entityRank(entities[i], now) > entityRank(entities[j], now)
	})
	if len(entities) > limit {
		entities = entities[:limit]
	}
	return entities, nil
}

// entityRank scores memoryCount against a 30-day recency half-life.
func entityRank(e memory.Entity, now time.Time) float64 {
	if e.LastSeen.IsZero() {
		return float64(e.MemoryCount)
	}
	days := now.Sub(e.LastSeen).Hours() / 24
	return float64(e.MemoryCount) * math.Exp2(-days/30)
}

// summarizeBriefing renders a short plain-text headline from the counts.
func summarizeBriefing(b *Briefing) string {
	total := 0
	for _, n := range b.Stats.MemoriesByStatus {
		total += n
	}
	parts := []string{fmt.Sprintf("%d memories", total)}
	if n := len(b.ActiveCommitments); n > 0 {
		parts = append(parts, fmt.Sprintf("%d open commitments", n))
	}
	if len(b.TopEntities) > 0 {
		names := make([]string, 0, 3)
		for i, e := range b.TopEntities {
			if i == 3 {
				break
			}
			name := e.DisplayName
			if name == "" {
				name = e.Name
			}
			names = append(names, name)
		}
		parts = append(parts, "active around "+strings.Join(names, ", "))
	}
	return strings.Join(parts, "; ")
}

// SurfaceInput describes one surface call.
type SurfaceInput struct {
	Context        string
	ActiveEntities []string
	ActiveTopics   []string
	Limit          int
}

// Surfaced is one proactively surfaced memory with the reason it came up.
type Surfaced struct {
	*recall.Scored
	Reason string `json:"reason"`
}

// Surface is recall with a novelty bias: items not accessed recently are
// preferred, so the caller sees what it has likely forgotten.
func (v *Vault) Surface(ctx context.Context, in SurfaceInput) ([]*Surfaced, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = defaultDerivedLimit
	}

	out, err := v.searcher.Search(ctx, recall.Input{
		Context:  in.Context,
		Entities: in.ActiveEntities,
		Topics:   in.ActiveTopics,
		Limit:    limit * 2,
		Spread:   true,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	surfaced := make([]*Surfaced, 0, len(out.Results))
	for _, sc := range out.Results {
		novelty := 1.0
		if !sc.Memory.LastAccessedAt.IsZero() && now.Sub(sc.Memory.LastAccessedAt) < noveltyWindow {
			novelty = 0.25
		}
		surfaced = append(surfaced, &Surfaced{
			Scored: &recall.Scored{
				Memory:  sc.Memory,
				Score:   sc.Score * novelty,
				Signals: sc.Signals,
				Deduped: sc.Deduped,
			},
			Reason: surfaceReason(sc, in, novelty < 1),
		})
	}

	sort.SliceStable(surfaced, func(i, j int) bool {
		return surfaced[i].Score > surfaced[j].Score
	})
	if len(surfaced) > limit {
		surfaced = surfaced[:limit]
	}

	return surfaced, nil
}

// surfaceReason names the dominant signal that brought a memory up.
func surfaceReason(sc *recall.Scored, in SurfaceInput, recentlySeen bool) string {
	switch {
	case sc.Memory.Status == memory.StatusPending:
		return "open commitment"
	case sc.Signals.Entity > 0 && len(in.ActiveEntities) > 0:
		return "mentions an entity you are working with"
	case sc.Signals.Spread > 0:
		return "connected to what you are working on"
	case sc.Signals.Vector > 0.5:
		return "closely related to the current context"
	case !recentlySeen:
		return "relevant and not surfaced recently"
	default:
		return "related to the current context"
	}
}

// AskResult is a synthesized answer with source attribution. Every cited
// memory appears in Citations.
type AskResult struct {
	Answer     string           `json:"answer"`
	Confidence float64          `json:"confidence"`
	Citations  []*recall.Scored `json:"citations"`
}

var citationRef = regexp.MustCompile(`\[(\d+)\]`)

// Ask recalls context for the question and has the LLM synthesize an
// answer with numbered citations into the recalled set.
func (v *Vault) Ask(ctx context.Context, question string, limit int) (*AskResult, error) {
	if v.llm == nil {
		return nil, llm.ErrNotConfigured
	}
	if limit <= 0 {
		limit = defaultDerivedLimit
	}

	out, err := v.searcher.Search(ctx, recall.Input{Context: question, Limit: limit, Spread: true})
	if err != nil {
		return nil, err
	}
	if len(out.Results) == 0 {
		return &AskResult{Answer: "I have no memories relevant to that question.", Confidence: 0}, nil
	}

	var sb strings.Builder
	sb.WriteString("Answer the question using only the numbered memories below. ")
	sb.WriteString("Cite sources inline as [n]. If the memories do not answer the question, say so.\n\n")
	for i, sc := range out.Results {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, sc.Memory.Content)
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)

	answer, err := v.llm.Complete(ctx, sb.String(), llm.CompleteOptions{
		MaxTokens: 1024,
		TimeoutMs: askTimeoutMs,
	})
	if err != nil {
		return nil, err
	}
	answer = strings.TrimSpace(answer)

	cited := make(map[int]bool)
	for _, match := range citationRef.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(match[1])
		if err == nil && n >= 1 && n <= len(out.Results) {
			cited[n-1] = true
		}
	}

	citations := make([]*recall.Scored, 0, len(cited))
	var confidence float64
	for i, sc := range out.Results {
		if cited[i] {
			citations = append(citations, sc)
			confidence += sc.Score
		}
	}
	if len(citations) == 0 {
		// No explicit citations; attribute the whole recalled set.
		citations = out.Results
		for _, sc := range citations {
			confidence += sc.Score
		}
	}
	confidence = memory.Clamp01(confidence / float64(len(citations)))

	return &AskResult{Answer: answer, Confidence: confidence, Citations: citations}, nil
}

// Alert is one item needing attention.
type Alert struct {
	Kind   string         `json:"kind"`
	Detail string         `json:"detail"`
	Memory *memory.Memory `json:"memory,omitempty"`
	Pair   *Contradiction `json:"pair,omitempty"`
}

// Alerts surfaces stale pending commitments and unresolved contradictions.
func (v *Vault) Alerts(ctx context.Context, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = defaultDerivedLimit
	}

	var alerts []*Alert

	pending, err := v.store.ByStatus(ctx, memory.StatusPending, limit)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, m := range pending {
		age := now.Sub(m.CreatedAt)
		if age < staleCommitmentAge {
			continue
		}
		alerts = append(alerts, &Alert{
			Kind:   "stale-commitment",
			Detail: fmt.Sprintf("pending for %d days", int(age.Hours()/24)),
			Memory: m,
		})
	}

	contradictions, err := v.Contradictions(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, pair := range contradictions {
		alerts = append(alerts, &Alert{
			Kind:   "open-contradiction",
			Detail: "both sides still active",
			Pair:   pair,
		})
	}

	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

// Contradiction is an open contradicting pair: both endpoints still
// active, awaiting consolidation.
type Contradiction struct {
	A *memory.Memory `json:"a"`
	B *memory.Memory `json:"b"`
}

// Contradictions materializes currently open contradiction pairs.
func (v *Vault) Contradictions(ctx context.Context, limit int) ([]*Contradiction, error) {
	if limit <= 0 {
		limit = defaultDerivedLimit
	}

	edges, err := v.store.OpenContradictions(ctx, limit)
	if err != nil {
		return nil, err
	}

	pairs := make([]*Contradiction, 0, len(edges))
	for _, e := range edges {
		a, err := v.store.Get(ctx, e.Src)
		if err != nil {
			continue
		}
		b, err := v.store.Get(ctx, e.Dst)
		if err != nil {
			continue
		}
		pairs = append(pairs, &Contradiction{A: a, B: b})
	}
	return pairs, nil
}

// Entities lists entity nodes, most referenced first.
func (v *Vault) Entities(ctx context.Context, limit int) ([]memory.Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	return v.store.Entities(ctx, limit)
}

// Stats summarizes the vault.
func (v *Vault) Stats(ctx context.Context) (*storage.Stats, error) {
	return v.store.Stats(ctx)
}

// Export is a full dump of the vault's domain state.
type Export struct {
	Owner    string           `json:"owner,omitempty"`
	Memories []*memory.Memory `json:"memories"`
	Edges    []memory.Edge    `json:"edges"`
}

// Export materializes every memory and edge for backup or migration.
func (v *Vault) Export(ctx context.Context) (*Export, error) {
	memories, err := v.store.All(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := v.store.AllEdges(ctx)
	if err != nil {
		return nil, err
	}

	v.logger.Info("vault exported",
		zap.Int("memories", len(memories)),
		zap.Int("edges", len(edges)),
	)

	return &Export{Owner: v.owner, Memories: memories, Edges: edges}, nil
}
