package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/storage"
)

// Connect records an edge, idempotent in the edge set. Repeating a
// (src, dst, kind) triple refreshes the weight.
func (s *Store) Connect(ctx context.Context, e memory.Edge) error {
	if !memory.ValidEdgeKinds[e.Kind] {
		return fmt.Errorf("%w: unknown edge kind %q", memory.ErrInvalidPayload, e.Kind)
	}
	if e.Weight < 0 || e.Weight > 1 {
		return fmt.Errorf("%w: edge weight %v outside [0,1]", memory.ErrInvalidPayload, e.Weight)
	}

	tx, release, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	for _, id := range []string{e.Src, e.Dst} {
		if _, err := getTx(ctx, tx, id); err != nil {
			return err
		}
	}

	if err := connectTx(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func connectTx(ctx context.Context, tx *sql.Tx, e memory.Edge) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO edges (src, dst, kind, weight, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(src, dst, kind) DO UPDATE SET weight = excluded.weight`,
		e.Src, e.Dst, string(e.Kind), e.Weight, toNanos(e.CreatedAt),
	); err != nil {
		return fmt.Errorf("connecting %s->%s (%s): %w", e.Src, e.Dst, e.Kind, err)
	}
	return nil
}

// EdgesFrom returns outbound edges, optionally filtered by kind.
func (s *Store) EdgesFrom(ctx context.Context, id string, kinds []memory.EdgeKind) ([]memory.Edge, error) {
	query := `SELECT src, dst, kind, weight, created_at FROM edges WHERE src = ?`
	args := []any{id}
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		query += ` AND kind IN (` + joinComma(placeholders) + `)`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading edges: %w", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

// EdgesTouching returns all edges with id as either endpoint.
func (s *Store) EdgesTouching(ctx context.Context, id string) ([]memory.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT src, dst, kind, weight, created_at FROM edges WHERE src = ? OR dst = ?`,
		id, id,
	)
	if err != nil {
		return nil, fmt.Errorf("loading edges: %w", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

// Neighbors runs a bounded BFS from id over outbound edges. Work is capped
// by the edge-visit budget; each reachable memory is reported once at its
// first (shallowest) hop.
func (s *Store) Neighbors(ctx context.Context, id string, depth int, kinds []memory.EdgeKind, budget int) ([]storage.Neighbor, error) {
	if depth <= 0 {
		depth = 1
	}
	if budget <= 0 {
		budget = 4000
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []storage.Neighbor
	visits := 0

	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			edges, err := s.EdgesFrom(ctx, cur, kinds)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				visits++
				if visits > budget {
					return out, nil
				}
				if visited[e.Dst] {
					continue
				}
				visited[e.Dst] = true
				out = append(out, storage.Neighbor{ID: e.Dst, Hop: hop, Kind: e.Kind})
				next = append(next, e.Dst)
			}
		}
		frontier = next
	}

	return out, nil
}

// RemoveEdge deletes one edge.
func (s *Store) RemoveEdge(ctx context.Context, e memory.Edge) error {
	tx, release, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM edges WHERE src = ? AND dst = ? AND kind = ?`,
		e.Src, e.Dst, string(e.Kind),
	); err != nil {
		return fmt.Errorf("removing edge: %w", err)
	}
	return tx.Commit()
}

// OpenContradictions returns contradicts edges whose endpoints are both
// still active, oldest first so resolution is stable.
func (s *Store) OpenContradictions(ctx context.Context, k int) ([]memory.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.src, e.dst, e.kind, e.weight, e.created_at
		FROM edges e
		JOIN memories a ON a.id = e.src
		JOIN memories b ON b.id = e.dst
		WHERE e.kind = 'contradicts' AND a.status = 'active' AND b.status = 'active'
		ORDER BY e.created_at ASC
		LIMIT ?`,
		k,
	)
	if err != nil {
		return nil, fmt.Errorf("loading contradictions: %w", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

// DanglingEdges returns edges with an archived or missing endpoint.
func (s *Store) DanglingEdges(ctx context.Context, k int) ([]memory.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.src, e.dst, e.kind, e.weight, e.created_at
		FROM edges e
		LEFT JOIN memories a ON a.id = e.src
		LEFT JOIN memories b ON b.id = e.dst
		WHERE a.id IS NULL OR b.id IS NULL
			OR a.status = 'archived' OR b.status = 'archived'
		LIMIT ?`,
		k,
	)
	if err != nil {
		return nil, fmt.Errorf("loading dangling edges: %w", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

// AllEdges returns every edge, for export.
func (s *Store) AllEdges(ctx context.Context) ([]memory.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT src, dst, kind, weight, created_at FROM edges ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing edges: %w", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

// Entities lists entity nodes, most referenced first.
func (s *Store) Entities(ctx context.Context, k int) ([]memory.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, display_name, type, created_at, memory_count, last_seen
		FROM entities
		ORDER BY memory_count DESC, last_seen DESC
		LIMIT ?`,
		k,
	)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	defer rows.Close()

	var out []memory.Entity
	for rows.Next() {
		var e memory.Entity
		var typ sql.NullString
		var createdAt, lastSeen int64
		if err := rows.Scan(&e.Name, &e.DisplayName, &typ, &createdAt, &e.MemoryCount, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		e.Type = typ.String
		e.CreatedAt = fromNanos(createdAt)
		e.LastSeen = fromNanos(lastSeen)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MergeEntities folds alias `from` into `to`, rewriting memory links and
// counters. Used by consolidation's entity graph refinement.
func (s *Store) MergeEntities(ctx context.Context, from, to string) error {
	from = memory.NormalizeEntity(from)
	to = memory.NormalizeEntity(to)
	if from == "" || to == "" || from == to {
		return fmt.Errorf("%w: cannot merge %q into %q", memory.ErrInvalidPayload, from, to)
	}

	tx, release, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM entities WHERE name = ?`, from,
	).Scan(&exists); err != nil {
		return fmt.Errorf("checking alias: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: entity %s", memory.ErrNotFound, from)
	}

	// Rewrite links; a memory already linked to the target keeps a
	// single link.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO memory_entities(memory_id, entity_name)
		 SELECT memory_id, ? FROM memory_entities WHERE entity_name = ?`,
		to, from,
	); err != nil {
		return fmt.Errorf("rewriting links: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_entities WHERE entity_name = ?`, from,
	); err != nil {
		return fmt.Errorf("dropping alias links: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (name, display_name, created_at, memory_count, last_seen)
		SELECT ?, display_name, created_at, 0, last_seen FROM entities WHERE name = ?
		ON CONFLICT(name) DO NOTHING`,
		to, from,
	); err != nil {
		return fmt.Errorf("ensuring target entity: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE entities SET
			memory_count = (SELECT COUNT(*) FROM memory_entities WHERE entity_name = ?),
			last_seen = MAX(last_seen, (SELECT last_seen FROM entities WHERE name = ?))
		WHERE name = ?`,
		to, from, to,
	); err != nil {
		return fmt.Errorf("refreshing target counters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE name = ?`, from); err != nil {
		return fmt.Errorf("dropping alias: %w", err)
	}

	return tx.Commit()
}

// MemoriesForEntity returns ids referencing the entity, newest first.
func (s *Store) MemoriesForEntity(ctx context.Context, entity string, k int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT me.memory_id
		FROM memory_entities me
		JOIN memories m ON m.id = me.memory_id
		WHERE me.entity_name = ? AND m.status != 'archived'
		ORDER BY m.created_at DESC
		LIMIT ?`,
		memory.NormalizeEntity(entity), k,
	)
	if err != nil {
		return nil, fmt.Errorf("memories for entity: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// entityNamesTx returns the normalized entity names linked to a memory.
func entityNamesTx(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT entity_name FROM memory_entities WHERE memory_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("loading entity links: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning entity link: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// pruneEntityTx removes an entity once no non-archived memory references
// it, otherwise refreshes its count.
func pruneEntityTx(ctx context.Context, tx *sql.Tx, name string) error {
	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM memory_entities me
		JOIN memories m ON m.id = me.memory_id
		WHERE me.entity_name = ? AND m.status != 'archived'`,
		name,
	).Scan(&count); err != nil {
		return fmt.Errorf("counting entity refs: %w", err)
	}

	if count == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE name = ?`, name); err != nil {
			return fmt.Errorf("pruning entity: %w", err)
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET memory_count = ? WHERE name = ?`, count, name,
	); err != nil {
		return fmt.Errorf("refreshing entity count: %w", err)
	}
	return nil
}

func scanEdges(rows *sql.Rows) ([]memory.Edge, error) {
	var out []memory.Edge
	for rows.Next() {
		var e memory.Edge
		var kind string
		var createdAt int64
		if err := rows.Scan(&e.Src, &e.Dst, &kind, &e.Weight, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		e.Kind = memory.EdgeKind(kind)
		e.CreatedAt = fromNanos(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanMemories(rows *sql.Rows) ([]*memory.Memory, error) {
	var out []*memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func joinComma(parts []string) string {
	return strings.Join(parts, ",")
}
