package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/storage"
	"github.com/tstockham96/engram/pkg/vector"
)

// VectorSearch returns top-k cosine hits over non-archived memories with a
// present embedding. The index may still hold archived rows, so it is
// overfetched and filtered against the relational side.
func (s *Store) VectorSearch(ctx context.Context, queryVec []float32, k int) ([]vector.Result, error) {
	if s.config.Index == nil || k <= 0 {
		return nil, nil
	}

	hits, err := s.config.Index.TopK(ctx, queryVec, k*2)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	admissible, err := s.admissibleSet(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]vector.Result, 0, k)
	for _, h := range hits {
		if !admissible[h.ID] {
			continue
		}
		out = append(out, h)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// admissibleSet filters ids down to non-archived memories.
func (s *Store) admissibleSet(ctx context.Context, ids []string) (map[string]bool, error) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM memories WHERE status != 'archived' AND id IN (`+joinComma(placeholders)+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("filtering candidates: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// EntitySeed returns ids ordered by descending count of matching entities,
// ties broken by recency.
func (s *Store) EntitySeed(ctx context.Context, entities []string, k int) ([]string, error) {
	norm := memory.NormalizeEntitySet(entities)
	if len(norm) == 0 || k <= 0 {
		return nil, nil
	}

	placeholders := make([]string, len(norm))
	args := make([]any, 0, len(norm)+1)
	for i, e := range norm {
		placeholders[i] = "?"
		args = append(args, e)
	}
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, `
		SELECT me.memory_id
		FROM memory_entities me
		JOIN memories m ON m.id = me.memory_id
		WHERE me.entity_name IN (`+joinComma(placeholders)+`) AND m.status != 'archived'
		GROUP BY me.memory_id
		ORDER BY COUNT(*) DESC, m.valid_from DESC
		LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("entity seed: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// TopicSeed returns ids tagged with any topic, newest first.
func (s *Store) TopicSeed(ctx context.Context, topics []string, k int) ([]string, error) {
	if len(topics) == 0 || k <= 0 {
		return nil, nil
	}

	placeholders := make([]string, len(topics))
	args := make([]any, 0, len(topics)+1)
	for i, t := range topics {
		placeholders[i] = "?"
		args = append(args, t)
	}
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id
		FROM memories m
		WHERE m.status != 'archived' AND EXISTS (
			SELECT 1 FROM memory_topics mt
			WHERE mt.memory_id = m.id AND mt.topic IN (`+joinComma(placeholders)+`)
		)
		ORDER BY m.created_at DESC
		LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("topic seed: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// TextSearch queries the FTS index, best match first. Recall adds its hits
// to the seed pool, which keeps rows without an embedding findable.
func (s *Store) TextSearch(ctx context.Context, query string, k int) ([]string, error) {
	query = ftsQuery(query)
	if query == "" || k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id
		FROM memories_fts f
		JOIN memories m ON m.id = f.id
		WHERE memories_fts MATCH ? AND m.status != 'archived'
		ORDER BY rank
		LIMIT ?`,
		query, k,
	)
	if err != nil {
		// Malformed MATCH expressions degrade to no text hits.
		s.logger.Debug("text search failed", zap.Error(err))
		return nil, nil
	}
	defer rows.Close()

	return scanIDs(rows)
}

// ftsQuery rewrites free text into an OR query of quoted terms so user
// punctuation cannot break FTS5 syntax.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'?!.,:;`)
		if f == "" {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, ``)+`"`)
	}
	return strings.Join(terms, " OR ")
}

// ByStatus materializes memories with the given status, newest valid_from
// first.
func (s *Store) ByStatus(ctx context.Context, status memory.Status, k int) ([]*memory.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE status = ? ORDER BY valid_from DESC LIMIT ?`,
		string(status), k,
	)
	if err != nil {
		return nil, fmt.Errorf("by status: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// ByType materializes non-archived memories of the given type, newest
// first.
func (s *Store) ByType(ctx context.Context, t memory.Type, k int) ([]*memory.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE type = ? AND status != 'archived'
		ORDER BY valid_from DESC LIMIT ?`,
		string(t), k,
	)
	if err != nil {
		return nil, fmt.Errorf("by type: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// ConsolidationCandidates returns active episodic memories with embeddings
// that no consolidated memory elaborates yet, oldest first so clusters
// form stably across runs.
func (s *Store) ConsolidationCandidates(ctx context.Context, k int) ([]*memory.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories m
		WHERE m.type = 'episodic' AND m.status = 'active' AND m.embedded = 1
			AND NOT EXISTS (
				SELECT 1 FROM edges e
				JOIN memories c ON c.id = e.src
				WHERE e.dst = m.id AND e.kind = 'elaborates' AND c.type = 'consolidated'
			)
		ORDER BY m.created_at ASC
		LIMIT ?`,
		k,
	)
	if err != nil {
		return nil, fmt.Errorf("consolidation candidates: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// DecayCandidates returns non-archived memories last accessed (or, never
// accessed, created) before the cutoff.
func (s *Store) DecayCandidates(ctx context.Context, cutoff time.Time, k int) ([]*memory.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE status != 'archived'
			AND COALESCE(last_accessed_at, created_at) < ?
		ORDER BY COALESCE(last_accessed_at, created_at) ASC
		LIMIT ?`,
		toNanos(cutoff), k,
	)
	if err != nil {
		return nil, fmt.Errorf("decay candidates: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// All streams every memory for export and invariant sweeps.
func (s *Store) All(ctx context.Context) ([]*memory.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing memories: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// Stats summarizes the vault.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{
		MemoriesByType:   make(map[memory.Type]int),
		MemoriesByStatus: make(map[memory.Status]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, status, COUNT(*) FROM memories GROUP BY type, status`)
	if err != nil {
		return nil, fmt.Errorf("counting memories: %w", err)
	}
	for rows.Next() {
		var t, st string
		var n int
		if err := rows.Scan(&t, &st, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning counts: %w", err)
		}
		stats.MemoriesByType[memory.Type(t)] += n
		stats.MemoriesByStatus[memory.Status(st)] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&stats.EntityCount); err != nil {
		return nil, fmt.Errorf("counting entities: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&stats.EdgeCount); err != nil {
		return nil, fmt.Errorf("counting edges: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE embedded = 0 AND embedding_failed = 0 AND status != 'archived'`,
	).Scan(&stats.PendingEmbedding); err != nil {
		return nil, fmt.Errorf("counting pending embeddings: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE embedding_failed = 1`,
	).Scan(&stats.EmbeddingFailed); err != nil {
		return nil, fmt.Errorf("counting failed embeddings: %w", err)
	}

	var violations string
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM vault_meta WHERE key = 'invariant_violations'`,
	).Scan(&violations)
	if err == nil {
		fmt.Sscanf(violations, "%d", &stats.InvariantViolations)
	}

	return stats, nil
}

// RecordViolations bumps the invariant-violation counter.
func (s *Store) RecordViolations(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	tx, release, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vault_meta(key, value) VALUES ('invariant_violations', ?)
		ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(value AS INTEGER) + ? AS TEXT)`,
		fmt.Sprintf("%d", n), n,
	); err != nil {
		return fmt.Errorf("recording violations: %w", err)
	}
	return tx.Commit()
}
