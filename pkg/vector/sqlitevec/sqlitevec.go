// Package sqlitevec provides a SQLite-backed vector driver using sqlite-vec.
//
// The driver can share an already-open database handle with the relational
// store so that index mutations commit in the same transaction scope as row
// mutations, and so that the single-writer rule of the vault's backing file
// is never broken by a second connection.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/vector"
)

// Driver implements vector.Driver over a vec0 virtual table.
type Driver struct {
	db         *sql.DB
	dimensions int
	ownsDB     bool
	logger     *zap.Logger
}

// Config holds configuration for the sqlite-vec driver.
type Config struct {
	// DBPath is the path to the SQLite database file. Use ":memory:" for
	// an in-memory index. Ignored when DB is set.
	DBPath string

	// DB is an existing handle to attach the index to. When set, Close
	// leaves the handle open for its owner.
	DB *sql.DB

	// Dimensions is the fixed embedding dimensionality. Required.
	Dimensions int
}

// New creates a sqlite-vec driver and its schema.
func New(c Config, logger *zap.Logger) (*Driver, error) {
	sqlite_vec.Auto()

	if c.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be configured", vector.ErrConnection)
	}

	db := c.DB
	ownsDB := false
	if db == nil {
		if c.DBPath == "" {
			return nil, fmt.Errorf("%w: database path is required", vector.ErrConnection)
		}
		var err error
		db, err = sql.Open("sqlite3", c.DBPath)
		if err != nil {
			return nil, fmt.Errorf("%w: opening database: %v", vector.ErrConnection, err)
		}
		ownsDB = true
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		if ownsDB {
			db.Close()
		}
		return nil, fmt.Errorf("%w: sqlite-vec not available: %v", vector.ErrConnection, err)
	}

	// vec0 rowids are integers; map memory ids through a side table.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vec_index_ids (
			rowid  INTEGER PRIMARY KEY AUTOINCREMENT,
			mem_id TEXT NOT NULL UNIQUE
		)
	`); err != nil {
		if ownsDB {
			db.Close()
		}
		return nil, fmt.Errorf("%w: creating id map: %v", vector.ErrConnection, err)
	}

	createVec := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS vec_index USING vec0(embedding float[%d] distance_metric=cosine)`,
		c.Dimensions,
	)
	if _, err := db.Exec(createVec); err != nil {
		if ownsDB {
			db.Close()
		}
		return nil, fmt.Errorf("%w: creating vec0 table: %v", vector.ErrConnection, err)
	}

	logger.Debug("sqlite-vec index ready",
		zap.Int("dimensions", c.Dimensions),
		zap.String("vec_version", vecVersion),
	)

	return &Driver{
		db:         db,
		dimensions: c.Dimensions,
		ownsDB:     ownsDB,
		logger:     logger,
	}, nil
}

// serialize converts a float32 slice to the little-endian BLOB sqlite-vec
// expects.
func serialize(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Upsert stores or replaces the embedding for an id. vec0 has no UPDATE, so
// replacement is delete + insert under one transaction.
func (d *Driver) Upsert(ctx context.Context, id string, embedding []float32) error {
	if len(embedding) != d.dimensions {
		return fmt.Errorf("%w: got %d, index has %d", vector.ErrDimensionMismatch, len(embedding), d.dimensions)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTx(ctx, tx, id, embedding); err != nil {
		return err
	}

	return tx.Commit()
}

// UpsertTx performs the upsert inside a caller-owned transaction. The store
// uses this so the embedding registration commits atomically with the row
// update.
func (d *Driver) UpsertTx(ctx context.Context, tx *sql.Tx, id string, embedding []float32) error {
	if len(embedding) != d.dimensions {
		return fmt.Errorf("%w: got %d, index has %d", vector.ErrDimensionMismatch, len(embedding), d.dimensions)
	}
	return upsertTx(ctx, tx, id, embedding)
}

func upsertTx(ctx context.Context, tx *sql.Tx, id string, embedding []float32) error {
	blob := serialize(embedding)

	var rowID int64
	err := tx.QueryRowContext(ctx,
		`SELECT rowid FROM vec_index_ids WHERE mem_id = ?`, id,
	).Scan(&rowID)

	switch err {
	case nil:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM vec_index WHERE rowid = ?`, rowID,
		); err != nil {
			return fmt.Errorf("replacing embedding for %s: %w", id, err)
		}
	case sql.ErrNoRows:
		result, err := tx.ExecContext(ctx,
			`INSERT INTO vec_index_ids(mem_id) VALUES (?)`, id,
		)
		if err != nil {
			return fmt.Errorf("mapping id %s: %w", id, err)
		}
		rowID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading rowid for %s: %w", id, err)
		}
	default:
		return fmt.Errorf("looking up id %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vec_index(rowid, embedding) VALUES (?, ?)`, rowID, blob,
	); err != nil {
		return fmt.Errorf("inserting embedding for %s: %w", id, err)
	}

	return nil
}

// Remove deletes the embedding for an id.
func (d *Driver) Remove(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := d.RemoveTx(ctx, tx, id); err != nil {
		return err
	}

	return tx.Commit()
}

// RemoveTx removes an embedding inside a caller-owned transaction.
func (d *Driver) RemoveTx(ctx context.Context, tx *sql.Tx, id string) error {
	var rowID int64
	err := tx.QueryRowContext(ctx,
		`SELECT rowid FROM vec_index_ids WHERE mem_id = ?`, id,
	).Scan(&rowID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up id %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM vec_index WHERE rowid = ?`, rowID); err != nil {
		return fmt.Errorf("deleting embedding for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vec_index_ids WHERE rowid = ?`, rowID); err != nil {
		return fmt.Errorf("unmapping id %s: %w", id, err)
	}

	return nil
}

// TopK returns up to k ids ranked by cosine similarity to the query.
func (d *Driver) TopK(ctx context.Context, embedding []float32, k int) ([]vector.Result, error) {
	if len(embedding) != d.dimensions {
		return nil, fmt.Errorf("%w: got %d, index has %d", vector.ErrDimensionMismatch, len(embedding), d.dimensions)
	}
	if k <= 0 {
		k = 10
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT ids.mem_id, vi.distance
		FROM vec_index vi
		INNER JOIN vec_index_ids ids ON ids.rowid = vi.rowid
		WHERE vi.embedding MATCH ?
			AND vi.k = ?
		ORDER BY vi.distance
	`, serialize(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var results []vector.Result
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		// cosine distance in [0,2] -> similarity in [-1,1]
		results = append(results, vector.Result{
			ID:    id,
			Score: float32(1.0 - distance),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating results: %w", err)
	}

	return results, nil
}

// Dimensions reports the fixed embedding dimensionality.
func (d *Driver) Dimensions() int {
	return d.dimensions
}

// Close releases the driver. A shared handle stays open for its owner.
func (d *Driver) Close() error {
	if !d.ownsDB {
		return nil
	}
	return d.db.Close()
}

var _ vector.Driver = (*Driver)(nil)
