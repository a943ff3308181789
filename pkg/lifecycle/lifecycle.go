// Package lifecycle maintains memory health over time: salience decay,
// archival of faded records, garbage collection of dangling edges, and
// invariant validation. The sweep piggybacks on consolidation or runs on
// its own schedule.
package lifecycle

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/storage"
)

const (
	// DefaultArchiveThreshold is the salience floor below which an
	// untouched memory is archived.
	DefaultArchiveThreshold = 0.08

	// DefaultDecayWindow is how long a memory may go unaccessed before
	// decay applies.
	DefaultDecayWindow = 7 * 24 * time.Hour

	// DefaultDecayHalfLifeDays controls how fast unaccessed salience
	// halves.
	DefaultDecayHalfLifeDays = 90

	// DefaultBatchSize bounds candidates per sweep.
	DefaultBatchSize = 500
)

// Config holds sweep tuning.
type Config struct {
	ArchiveThreshold  float64
	DecayWindow       time.Duration
	DecayHalfLifeDays float64
	BatchSize         int
}

func (c Config) withDefaults() Config {
	if c.ArchiveThreshold <= 0 {
		c.ArchiveThreshold = DefaultArchiveThreshold
	}
	if c.DecayWindow <= 0 {
		c.DecayWindow = DefaultDecayWindow
	}
	if c.DecayHalfLifeDays <= 0 {
		c.DecayHalfLifeDays = DefaultDecayHalfLifeDays
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Result counts one sweep's operations.
type Result struct {
	Decayed      int `json:"decayed"`
	Archived     int `json:"archived"`
	EdgesRemoved int `json:"edges_removed"`
	Violations   int `json:"violations"`
}

// Sweeper runs lifecycle maintenance against a store.
type Sweeper struct {
	store  storage.Store
	config Config
	logger *zap.Logger
}

// New creates a sweeper.
func New(store storage.Store, config Config, logger *zap.Logger) *Sweeper {
	return &Sweeper{store: store, config: config.withDefaults(), logger: logger}
}

// Sweep runs one full pass: decay, archival, edge GC, invariant checks.
func (s *Sweeper) Sweep(ctx context.Context) (*Result, error) {
	res := &Result{}

	if err := s.decay(ctx, res); err != nil {
		return res, err
	}
	if err := s.collectEdges(ctx, res); err != nil {
		return res, err
	}
	if err := s.validate(ctx, res); err != nil {
		return res, err
	}

	s.logger.Info("lifecycle sweep complete",
		zap.Int("decayed", res.Decayed),
		zap.Int("archived", res.Archived),
		zap.Int("edges_removed", res.EdgesRemoved),
		zap.Int("violations", res.Violations),
	)

	return res, nil
}

// decay halves unaccessed salience over the configured half-life and
// archives memories that have faded below the threshold. Superseded
// memories keep their salience; they are already down-ranked.
func (s *Sweeper) decay(ctx context.Context, res *Result) error {
	cutoff := time.Now().Add(-s.config.DecayWindow)
	candidates, err := s.store.DecayCandidates(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, m := range candidates {
		if m.Status == memory.StatusSuperseded {
			continue
		}

		last := m.LastAccessedAt
		if last.IsZero() {
			last = m.CreatedAt
		}
		idleDays := now.Sub(last).Hours() / 24
		decayed := m.Salience * math.Exp2(-idleDays/s.config.DecayHalfLifeDays)
		decayed = memory.Clamp01(decayed)

		if decayed < m.Salience {
			if err := s.store.SetSalience(ctx, m.ID, decayed); err != nil {
				return err
			}
			res.Decayed++
		}

		if decayed < s.config.ArchiveThreshold {
			if err := s.store.Forget(ctx, m.ID, false); err != nil {
				return err
			}
			res.Archived++
		}
	}

	return nil
}

// collectEdges drops edges with an archived or missing endpoint. The
// supersedes chain is exempt: archival is a storage concern, and
// point-in-time queries still resolve through it.
func (s *Sweeper) collectEdges(ctx context.Context, res *Result) error {
	dangling, err := s.store.DanglingEdges(ctx, s.config.BatchSize)
	if err != nil {
		return err
	}

	for _, e := range dangling {
		if e.Kind == memory.EdgeSupersedes {
			continue
		}
		if err := s.store.RemoveEdge(ctx, e); err != nil {
			return err
		}
		res.EdgesRemoved++
	}

	return nil
}

// validate sweeps record and cross-record invariants. Violations are
// logged and counted in stats; they never silently corrupt state.
func (s *Sweeper) validate(ctx context.Context, res *Result) error {
	all, err := s.store.All(ctx)
	if err != nil {
		return err
	}

	var violations []memory.Violation
	for _, m := range all {
		violations = append(violations, memory.CheckRecord(m)...)
		violations = append(violations, s.checkCross(ctx, m)...)
	}

	for _, v := range violations {
		s.logger.Warn("invariant violation",
			zap.String("memory_id", v.MemoryID),
			zap.String("detail", v.Detail),
		)
	}

	res.Violations = len(violations)
	if len(violations) > 0 {
		if err := s.store.RecordViolations(ctx, len(violations)); err != nil {
			return err
		}
	}

	return nil
}

// checkCross validates invariants that span records: supersession pointer
// and edge agreement, and consolidated constituency.
func (s *Sweeper) checkCross(ctx context.Context, m *memory.Memory) []memory.Violation {
	var out []memory.Violation

	if m.Status == memory.StatusSuperseded && m.SupersededBy != "" {
		successor, err := s.store.Get(ctx, m.SupersededBy)
		switch {
		case errors.Is(err, memory.ErrNotFound):
			out = append(out, memory.Violation{MemoryID: m.ID, Detail: "successor " + m.SupersededBy + " missing"})
		case err == nil:
			if !m.ValidUntil.IsZero() && m.ValidUntil.After(successor.ValidFrom) {
				out = append(out, memory.Violation{MemoryID: m.ID, Detail: "valid_until exceeds successor valid_from"})
			}
		}

		edges, err := s.store.EdgesFrom(ctx, m.SupersededBy, []memory.EdgeKind{memory.EdgeSupersedes})
		if err == nil {
			found := false
			for _, e := range edges {
				if e.Dst == m.ID {
					found = true
					break
				}
			}
			if !found {
				out = append(out, memory.Violation{MemoryID: m.ID, Detail: "supersedes edge missing from successor"})
			}
		}
	}

	if m.Type == memory.TypeConsolidated {
		edges, err := s.store.EdgesFrom(ctx, m.ID, []memory.EdgeKind{memory.EdgeSupports, memory.EdgeElaborates})
		if err == nil && len(edges) == 0 {
			out = append(out, memory.Violation{MemoryID: m.ID, Detail: "consolidated memory with no constituents"})
		}
	}

	return out
}
