package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/memory"
)

// temporalNextWeight is the weak forward edge between chronologically
// adjacent memories of one session.
const temporalNextWeight = 0.4

// Insert atomically commits the row, entity upserts, entity-shared edges,
// the FTS row, and the session temporal-next edge.
func (s *Store) Insert(ctx context.Context, m *memory.Memory) error {
	if m.ID == "" || m.Content == "" {
		return fmt.Errorf("%w: id and content are required", memory.ErrInvalidPayload)
	}
	if !memory.ValidTypes[m.Type] {
		return fmt.Errorf("%w: unknown type %q", memory.ErrInvalidPayload, m.Type)
	}
	if !memory.ValidStatuses[m.Status] {
		return fmt.Errorf("%w: unknown status %q", memory.ErrInvalidPayload, m.Status)
	}
	if m.Salience < 0 || m.Salience > 1 {
		return fmt.Errorf("%w: salience %v outside [0,1]", memory.ErrInvalidPayload, m.Salience)
	}
	if len(m.Embedding) > 0 && s.config.Index != nil && len(m.Embedding) != s.config.Index.Dimensions() {
		return fmt.Errorf("%w: embedding has %d dimensions, vault is fixed at %d",
			memory.ErrInvalidPayload, len(m.Embedding), s.config.Index.Dimensions())
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.ValidFrom.IsZero() {
		m.ValidFrom = m.CreatedAt
	}

	normEntities := memory.NormalizeEntitySet(m.Entities)

	tx, release, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM memories WHERE id = ?`, m.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("checking id: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: memory %s already exists", memory.ErrConflict, m.ID)
	}

	embedded := 0
	if len(m.Embedding) > 0 {
		embedded = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Content, string(m.Type), string(m.Status), m.Salience,
		marshalList(m.Entities), marshalList(m.Topics),
		string(m.Source.Kind), nullStr(m.Source.Session), nullStr(m.Source.Agent), nullStr(m.Source.Ref),
		toNanos(m.CreatedAt), toNanos(m.ValidFrom), toNullNanos(m.ValidUntil), toNullNanos(m.LastAccessedAt),
		m.ReinforcementCount, encodeVec(m.Embedding), embedded, boolInt(m.EmbeddingFailed), boolInt(m.NeedsReview), nullStr(m.SupersededBy),
	)
	if err != nil {
		return fmt.Errorf("inserting memory: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_fts(id, content) VALUES (?, ?)`, m.ID, m.Content,
	); err != nil {
		return fmt.Errorf("indexing content: %w", err)
	}

	for _, topic := range m.Topics {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO memory_topics(memory_id, topic) VALUES (?, ?)`, m.ID, topic,
		); err != nil {
			return fmt.Errorf("tagging topic: %w", err)
		}
	}

	if err := s.upsertEntities(ctx, tx, m, normEntities, now); err != nil {
		return err
	}

	if err := s.linkSharedEntities(ctx, tx, m, normEntities, now); err != nil {
		return err
	}

	if err := s.linkTemporalNext(ctx, tx, m, now); err != nil {
		return err
	}

	if len(m.Embedding) > 0 {
		if err := s.indexEmbedding(ctx, tx, m.ID, m.Embedding); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing insert: %w", err)
	}

	s.logger.Debug("memory inserted",
		zap.String("id", m.ID),
		zap.String("type", string(m.Type)),
		zap.Int("entities", len(normEntities)),
	)

	return nil
}

// upsertEntities creates or refreshes entity rows and the join table.
func (s *Store) upsertEntities(ctx context.Context, tx *sql.Tx, m *memory.Memory, normEntities []string, now time.Time) error {
	for i, norm := range normEntities {
		display := norm
		if i < len(m.Entities) {
			display = m.Entities[i]
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (name, display_name, created_at, memory_count, last_seen)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(name) DO UPDATE SET
				memory_count = memory_count + 1,
				last_seen = excluded.last_seen`,
			norm, display, toNanos(now), toNanos(now),
		); err != nil {
			return fmt.Errorf("upserting entity %s: %w", norm, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO memory_entities(memory_id, entity_name) VALUES (?, ?)`,
			m.ID, norm,
		); err != nil {
			return fmt.Errorf("linking entity %s: %w", norm, err)
		}
	}
	return nil
}

// linkSharedEntities creates entity-shared edges to the most recent other
// memories referencing each entity, capped per entity, weighted by the
// Jaccard of the two entity sets. Edges go both ways so spread reaches
// older memories from newer seeds and vice versa.
func (s *Store) linkSharedEntities(ctx context.Context, tx *sql.Tx, m *memory.Memory, normEntities []string, now time.Time) error {
	candidates := make(map[string]bool)
	for _, norm := range normEntities {
		rows, err := tx.QueryContext(ctx, `
			SELECT me.memory_id
			FROM memory_entities me
			JOIN memories mm ON mm.id = me.memory_id
			WHERE me.entity_name = ? AND me.memory_id != ? AND mm.status != 'archived'
			ORDER BY mm.created_at DESC
			LIMIT ?`,
			norm, m.ID, s.config.NeighborCap,
		)
		if err != nil {
			return fmt.Errorf("finding neighbors for %s: %w", norm, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scanning neighbor: %w", err)
			}
			candidates[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating neighbors: %w", err)
		}
	}

	for other := range candidates {
		otherEntities, err := entityNamesTx(ctx, tx, other)
		if err != nil {
			return err
		}
		weight := memory.Jaccard(normEntities, otherEntities)
		if weight <= 0 {
			continue
		}
		for _, pair := range [][2]string{{m.ID, other}, {other, m.ID}} {
			if err := connectTx(ctx, tx, memory.Edge{
				Src:       pair[0],
				Dst:       pair[1],
				Kind:      memory.EdgeEntityShared,
				Weight:    weight,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// linkTemporalNext links the previous memory of the same session chain to
// this one with a weak forward edge.
func (s *Store) linkTemporalNext(ctx context.Context, tx *sql.Tx, m *memory.Memory, now time.Time) error {
	if m.Source.Session == "" {
		return nil
	}

	var prev string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM memories
		WHERE source_session = ? AND id != ? AND created_at <= ?
		ORDER BY created_at DESC LIMIT 1`,
		m.Source.Session, m.ID, toNanos(m.CreatedAt),
	).Scan(&prev)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finding session predecessor: %w", err)
	}

	return connectTx(ctx, tx, memory.Edge{
		Src:       prev,
		Dst:       m.ID,
		Kind:      memory.EdgeTemporalNext,
		Weight:    temporalNextWeight,
		CreatedAt: now,
	})
}

// indexEmbedding registers the vector with the index, inside the row's
// transaction when the index shares the handle.
func (s *Store) indexEmbedding(ctx context.Context, tx *sql.Tx, id string, embedding []float32) error {
	if s.config.Index == nil {
		return nil
	}
	if ti, ok := s.config.Index.(txIndex); ok {
		return ti.UpsertTx(ctx, tx, id, embedding)
	}
	// Out-of-file index: updated through its own API before the row
	// commits; an index error aborts the write.
	return s.config.Index.Upsert(ctx, id, embedding)
}

// UpdateEmbedding sets the embedding and registers it with the vector
// index in the same transaction.
func (s *Store) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	if s.config.Index != nil && len(embedding) != s.config.Index.Dimensions() {
		return fmt.Errorf("%w: embedding has %d dimensions, vault is fixed at %d",
			memory.ErrInvalidPayload, len(embedding), s.config.Index.Dimensions())
	}

	tx, release, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	res, err := tx.ExecContext(ctx,
		`UPDATE memories SET embedding = ?, embedded = 1, embedding_failed = 0 WHERE id = ?`,
		encodeVec(embedding), id,
	)
	if err != nil {
		return fmt.Errorf("updating embedding flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: memory %s", memory.ErrNotFound, id)
	}

	if err := s.indexEmbedding(ctx, tx, id, embedding); err != nil {
		return err
	}

	return tx.Commit()
}

// MarkEmbeddingFailed records retry-budget exhaustion for a row.
func (s *Store) MarkEmbeddingFailed(ctx context.Context, id string) error {
	tx, release, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := tx.ExecContext(ctx,
		`UPDATE memories SET embedding_failed = 1 WHERE id = ?`, id,
	); err != nil {
		return fmt.Errorf("marking embedding failed: %w", err)
	}
	return tx.Commit()
}

// Reinforce bumps the count and raises salience by a log-decaying
// increment, so repeated reinforcement converges instead of saturating.
func (s *Store) Reinforce(ctx context.Context, id string) (*memory.Memory, error) {
	tx, release, err := s.beginWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m, err := getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	m.ReinforcementCount++
	increment := 0.1 / (1 + math.Log1p(float64(m.ReinforcementCount)))
	m.Salience = memory.Clamp01(m.Salience + increment)

	if _, err := tx.ExecContext(ctx,
		`UPDATE memories SET reinforcement_count = ?, salience = ? WHERE id = ?`,
		m.ReinforcementCount, m.Salience, id,
	); err != nil {
		return nil, fmt.Errorf("reinforcing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return m, nil
}

// Supersede closes the old memory's validity interval and points it at the
// successor, creating the supersedes edge new->old atomically.
func (s *Store) Supersede(ctx context.Context, oldID, newID string, at time.Time) error {
	if oldID == newID {
		return fmt.Errorf("%w: memory cannot supersede itself", memory.ErrInvalidPayload)
	}

	tx, release, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	oldM, err := getTx(ctx, tx, oldID)
	if err != nil {
		return err
	}
	if _, err := getTx(ctx, tx, newID); err != nil {
		return err
	}

	if oldM.Status == memory.StatusSuperseded && oldM.SupersededBy == newID {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE memories
		SET status = 'superseded', valid_until = ?, superseded_by = ?
		WHERE id = ?`,
		toNanos(at), newID, oldID,
	); err != nil {
		return fmt.Errorf("superseding: %w", err)
	}

	if err := connectTx(ctx, tx, memory.Edge{
		Src:       newID,
		Dst:       oldID,
		Kind:      memory.EdgeSupersedes,
		Weight:    1.0,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Debug("memory superseded",
		zap.String("old", oldID),
		zap.String("new", newID),
	)

	return nil
}

// SetStatus transitions lifecycle status. Fulfillment is monotone: only
// pending rows may be promoted to fulfilled.
func (s *Store) SetStatus(ctx context.Context, id string, status memory.Status) error {
	if !memory.ValidStatuses[status] {
		return fmt.Errorf("%w: unknown status %q", memory.ErrInvalidPayload, status)
	}

	tx, release, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	m, err := getTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if status == memory.StatusFulfilled && m.Status != memory.StatusPending && m.Status != memory.StatusFulfilled {
		return fmt.Errorf("%w: cannot fulfill a %s memory", memory.ErrInvalidPayload, m.Status)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE memories SET status = ? WHERE id = ?`, string(status), id,
	); err != nil {
		return fmt.Errorf("setting status: %w", err)
	}
	return tx.Commit()
}

// SetSalience overwrites salience, clamped to [0,1].
func (s *Store) SetSalience(ctx context.Context, id string, salience float64) error {
	tx, release, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	res, err := tx.ExecContext(ctx,
		`UPDATE memories SET salience = ? WHERE id = ?`, memory.Clamp01(salience), id,
	)
	if err != nil {
		return fmt.Errorf("setting salience: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: memory %s", memory.ErrNotFound, id)
	}
	return tx.Commit()
}

// Forget removes a memory. Hard deletes the row, its edges, entity links,
// FTS row, and index entry; soft archives it and prunes now-unreferenced
// entities either way.
func (s *Store) Forget(ctx context.Context, id string, hard bool) error {
	tx, release, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := getTx(ctx, tx, id); err != nil {
		return err
	}

	entities, err := entityNamesTx(ctx, tx, id)
	if err != nil {
		return err
	}

	if hard {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM edges WHERE src = ? OR dst = ?`, id, id,
		); err != nil {
			return fmt.Errorf("forgetting edges: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memories_fts WHERE id = ?`, id,
		); err != nil {
			return fmt.Errorf("forgetting fts row: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
			return fmt.Errorf("forgetting: %w", err)
		}
		if s.config.Index != nil {
			if ti, ok := s.config.Index.(txIndex); ok {
				if err := ti.RemoveTx(ctx, tx, id); err != nil {
					return err
				}
			} else if err := s.config.Index.Remove(ctx, id); err != nil {
				return err
			}
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET status = 'archived' WHERE id = ?`, id,
		); err != nil {
			return fmt.Errorf("archiving: %w", err)
		}
	}

	// Entities exist only while a non-archived memory references them.
	for _, name := range entities {
		if err := pruneEntityTx(ctx, tx, name); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Stamp batches last_accessed_at updates for recall hits.
func (s *Store) Stamp(ctx context.Context, ids []string, when time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	tx, release, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET last_accessed_at = ? WHERE id = ?`, toNanos(when), id,
		); err != nil {
			return fmt.Errorf("stamping %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Get retrieves one memory.
func (s *Store) Get(ctx context.Context, id string) (*memory.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: memory %s", memory.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading memory: %w", err)
	}
	return m, nil
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (*memory.Memory, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: memory %s", memory.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading memory: %w", err)
	}
	return m, nil
}

// GetByIDs hydrates a batch preserving caller order; unknown ids are
// skipped.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]*memory.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id IN (`+joinComma(placeholders)+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("loading batch: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*memory.Memory, len(ids))
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning batch: %w", err)
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating batch: %w", err)
	}

	out := make([]*memory.Memory, 0, len(byID))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
