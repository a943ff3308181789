package recall

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tstockham96/engram/pkg/embeddings"
	"github.com/tstockham96/engram/pkg/memory"
)

// Weights are the multi-signal scoring coefficients.
type Weights struct {
	Vector   float64 `toml:"vector"`
	Entity   float64 `toml:"entity"`
	Topic    float64 `toml:"topic"`
	Type     float64 `toml:"type"`
	Spread   float64 `toml:"spread"`
	Recency  float64 `toml:"recency"`
	Salience float64 `toml:"salience"`
}

// DefaultWeights are the design-level defaults; tunable per vault.
func DefaultWeights() Weights {
	return Weights{
		Vector:   1.0,
		Entity:   0.35,
		Topic:    0.15,
		Type:     0.25,
		Spread:   0.20,
		Recency:  0.10,
		Salience: 0.15,
	}
}

const (
	// consolidatedBonus rewards synthesized summaries on the type axis.
	consolidatedBonus = 0.25

	// supersededPenalty pushes replaced facts below their successors in
	// current-truth recalls.
	supersededPenalty = 0.5

	// agePenaltyCeiling is the maximum stale-content penalty; it scales
	// with (1 - salience) so important old facts keep their standing.
	agePenaltyCeiling = 0.1

	// DefaultRecencyHalfLifeDays drives the access-recency kernel.
	DefaultRecencyHalfLifeDays = 30

	// DefaultAgeHalfLifeDays drives the slower staleness penalty.
	DefaultAgeHalfLifeDays = 180
)

// Signals records each scoring contribution for result metadata.
type Signals struct {
	Vector   float64 `json:"vector"`
	Entity   float64 `json:"entity"`
	Topic    float64 `json:"topic"`
	Type     float64 `json:"type"`
	Spread   float64 `json:"spread"`
	Recency  float64 `json:"recency"`
	Salience float64 `json:"salience"`
	Penalty  float64 `json:"penalty"`
}

// Scored is one recall result with score metadata.
type Scored struct {
	Memory  *memory.Memory `json:"memory"`
	Score   float64        `json:"score"`
	Signals Signals        `json:"signals"`

	// Deduped lists ids collapsed into this result by temporal dedup.
	Deduped []string `json:"deduped,omitempty"`
}

// halfLifeKernel decays from 1 toward 0 with the given half-life.
func halfLifeKernel(since time.Time, now time.Time, halfLifeDays float64) float64 {
	if since.IsZero() || halfLifeDays <= 0 {
		return 0
	}
	age := now.Sub(since)
	if age <= 0 {
		return 1
	}
	days := age.Hours() / 24
	return math.Exp2(-days / halfLifeDays)
}

// score computes the final multi-signal score for one candidate.
func (s *Searcher) score(m *memory.Memory, q *queryContext, now time.Time) (float64, Signals) {
	w := s.config.Weights

	var sig Signals
	if len(q.queryVec) > 0 && len(m.Embedding) > 0 {
		sig.Vector = embeddings.Cosine(q.queryVec, m.Embedding)
	} else {
		// Fall back to the index probe's score; 0 when the embedding
		// is still pending or failed.
		sig.Vector = q.vectorScores[m.ID]
	}
	sig.Entity = memory.Jaccard(q.entities, normalized(m.Entities))
	sig.Topic = memory.Jaccard(q.topics, m.Topics)
	if m.Type == memory.TypeConsolidated {
		sig.Type = consolidatedBonus
	}
	sig.Spread = math.Log1p(q.spreadActivation[m.ID])

	accessed := m.LastAccessedAt
	if accessed.IsZero() {
		accessed = m.CreatedAt
	}
	sig.Recency = halfLifeKernel(accessed, now, s.config.RecencyHalfLifeDays)
	sig.Salience = m.Salience

	if m.Status == memory.StatusSuperseded && q.at.IsZero() {
		sig.Penalty += supersededPenalty
	}
	staleness := 1 - halfLifeKernel(m.ValidFrom, now, s.config.AgeHalfLifeDays)
	sig.Penalty += agePenaltyCeiling * staleness * (1 - m.Salience)

	score := w.Vector*sig.Vector +
		w.Entity*sig.Entity +
		w.Topic*sig.Topic +
		w.Type*sig.Type +
		w.Spread*sig.Spread +
		w.Recency*sig.Recency +
		w.Salience*sig.Salience -
		sig.Penalty

	return score, sig
}

// less orders results: higher score, then higher salience, then more
// recent valid_from, then lexicographic id. Deterministic across runs.
func less(a, b *Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Memory.Salience != b.Memory.Salience {
		return a.Memory.Salience > b.Memory.Salience
	}
	if !a.Memory.ValidFrom.Equal(b.Memory.ValidFrom) {
		return a.Memory.ValidFrom.After(b.Memory.ValidFrom)
	}
	return a.Memory.ID < b.Memory.ID
}

// dedup groups candidates by (primary-entity, topic-signature) and keeps
// the newest active fact per group; the rest collapse into the survivor's
// Deduped set. For point-in-time queries the fact valid at `at` survives
// instead.
func dedup(scored []*Scored, at time.Time) []*Scored {
	groups := make(map[string][]*Scored)
	var order []string

	for _, sc := range scored {
		key := dedupKey(sc.Memory)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], sc)
	}

	out := make([]*Scored, 0, len(groups))
	for _, key := range order {
		group := groups[key]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}

		survivor := pickSurvivor(group, at)
		for _, sc := range group {
			if sc != survivor {
				survivor.Deduped = append(survivor.Deduped, sc.Memory.ID)
			}
		}
		sort.Strings(survivor.Deduped)
		out = append(out, survivor)
	}

	return out
}

// dedupKey builds the (primary-entity, topic-signature) group key. The
// primary entity is the first name of the candidate's normalized entity
// list; entity mention times are not consulted. Candidates with no
// entities never group, and consolidated summaries never swallow their
// constituents.
func dedupKey(m *memory.Memory) string {
	norm := normalized(m.Entities)
	if len(norm) == 0 || m.Type == memory.TypeConsolidated {
		return "id:" + m.ID
	}
	topics := append([]string(nil), m.Topics...)
	sort.Strings(topics)
	return norm[0] + "|" + strings.Join(topics, ",")
}

// pickSurvivor keeps the newest active candidate, or for point-in-time
// queries the one whose interval covers `at`. Falls back to the best
// scored when no candidate qualifies.
func pickSurvivor(group []*Scored, at time.Time) *Scored {
	var best *Scored
	for _, sc := range group {
		qualifies := false
		if at.IsZero() {
			qualifies = sc.Memory.Status == memory.StatusActive
		} else {
			qualifies = sc.Memory.ValidAt(at)
		}
		if !qualifies {
			continue
		}
		if best == nil || sc.Memory.ValidFrom.After(best.Memory.ValidFrom) {
			best = sc
		}
	}
	if best != nil {
		return best
	}

	best = group[0]
	for _, sc := range group[1:] {
		if less(sc, best) {
			best = sc
		}
	}
	return best
}

func normalized(entities []string) []string {
	return memory.NormalizeEntitySet(entities)
}
