// Package graph traverses the typed edge graph. Its main job is spreading
// activation: bounded propagation of seed scores along outbound edges so
// related memories surface even when they match the query in no direct
// signal.
package graph

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/storage"
)

const (
	// DefaultMaxHops bounds propagation depth.
	DefaultMaxHops = 2

	// DefaultDecay is the per-hop attenuation.
	DefaultDecay = 0.6

	// DefaultNodeBudget bounds total node visits per spread.
	DefaultNodeBudget = 4000

	// minActivation stops propagating contributions too small to move a
	// score.
	minActivation = 1e-4
)

// DefaultKindWeights attenuate propagation per edge kind. Contradicts and
// supersedes never conduct.
var DefaultKindWeights = map[memory.EdgeKind]float64{
	memory.EdgeSupports:     1.0,
	memory.EdgeElaborates:   1.0,
	memory.EdgeEntityShared: 0.7,
	memory.EdgeTemporalNext: 0.4,
	memory.EdgeUser:         1.0,
	memory.EdgeContradicts:  0,
	memory.EdgeSupersedes:   0,
}

// SpreadOptions tune one activation run. Zero values take defaults.
type SpreadOptions struct {
	MaxHops     int
	Decay       float64
	NodeBudget  int
	KindWeights map[memory.EdgeKind]float64
}

func (o SpreadOptions) withDefaults() SpreadOptions {
	if o.MaxHops <= 0 {
		o.MaxHops = DefaultMaxHops
	}
	if o.Decay <= 0 || o.Decay >= 1 {
		o.Decay = DefaultDecay
	}
	if o.NodeBudget <= 0 {
		o.NodeBudget = DefaultNodeBudget
	}
	if o.KindWeights == nil {
		o.KindWeights = DefaultKindWeights
	}
	return o
}

// Spreader runs spreading activation over the stored edge graph.
type Spreader struct {
	store  storage.Store
	logger *zap.Logger
}

// NewSpreader creates a spreader over the given store.
func NewSpreader(store storage.Store, logger *zap.Logger) *Spreader {
	return &Spreader{store: store, logger: logger}
}

// Spread propagates seed activations along outbound edges with per-hop
// decay and per-kind weight. Superseded and archived targets are
// inadmissible and absorb nothing. The result maps memory id to the
// activation contributed by spread; seeds themselves are not included.
func (s *Spreader) Spread(ctx context.Context, seeds map[string]float64, opts SpreadOptions) (map[string]float64, error) {
	opts = opts.withDefaults()

	activation := make(map[string]float64)
	frontier := make(map[string]float64, len(seeds))
	for id, a := range seeds {
		if a > 0 {
			frontier[id] = a
		}
	}

	visits := 0
	for hop := 1; hop <= opts.MaxHops && len(frontier) > 0; hop++ {
		// Deterministic expansion order keeps budget cutoffs stable.
		ids := make([]string, 0, len(frontier))
		for id := range frontier {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		next := make(map[string]float64)
		for _, id := range ids {
			if visits >= opts.NodeBudget {
				s.logger.Debug("spread budget exhausted",
					zap.Int("hop", hop),
					zap.Int("visits", visits),
				)
				return activation, nil
			}
			visits++

			edges, err := s.store.EdgesFrom(ctx, id, nil)
			if err != nil {
				return nil, err
			}

			incoming := frontier[id]
			for _, e := range edges {
				kw := opts.KindWeights[e.Kind]
				if kw <= 0 {
					continue
				}
				contribution := incoming * opts.Decay * kw * e.Weight
				if contribution < minActivation {
					continue
				}
				if _, isSeed := seeds[e.Dst]; isSeed {
					continue
				}
				if ok, err := s.admissible(ctx, e.Dst); err != nil {
					return nil, err
				} else if !ok {
					continue
				}
				activation[e.Dst] += contribution
				next[e.Dst] += contribution
			}
		}
		frontier = next
	}

	return activation, nil
}

// admissible rejects superseded, archived, and dangling spread targets.
func (s *Spreader) admissible(ctx context.Context, id string) (bool, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	switch m.Status {
	case memory.StatusSuperseded, memory.StatusArchived:
		return false, nil
	}
	return true, nil
}
