// Package sqlite implements the storage.Store interface over a single
// SQLite file in WAL mode. The vector index shares the same database
// handle, so embedding registration commits atomically with row updates
// and the single-writer rule of the backing file holds.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/storage"
	"github.com/tstockham96/engram/pkg/vector"
)

const (
	// schemaVersion gates forward-only migrations via PRAGMA user_version.
	schemaVersion = 1

	// defaultNeighborCap bounds entity-shared edges created per entity
	// at insert, so hub entities stay subquadratic.
	defaultNeighborCap = 16

	lockSuffix = ".lock"
)

// txIndex is the optional transactional face of a vector driver. The
// sqlite-vec driver implements it because it shares this store's handle;
// out-of-file drivers are updated through their own API before the
// transaction commits.
type txIndex interface {
	UpsertTx(ctx context.Context, tx *sql.Tx, id string, embedding []float32) error
	RemoveTx(ctx context.Context, tx *sql.Tx, id string) error
}

// Config holds configuration for the sqlite store.
type Config struct {
	// DBPath is the database file, or ":memory:".
	DBPath string

	// Index is the vector index for embeddings. Optional; without it
	// vector search returns nothing.
	Index vector.Driver

	// NeighborCap bounds entity-shared edges per entity at insert.
	// Defaults to defaultNeighborCap.
	NeighborCap int
}

// Store implements storage.Store.
type Store struct {
	db     *sql.DB
	config Config
	logger *zap.Logger

	// writeMu serializes write transactions; SQLite allows one writer
	// at a time and busy-looping through the driver is wasted work.
	writeMu sync.Mutex

	entropy  *rand.Rand
	entMu    sync.Mutex
	lockPath string

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the store, acquires the single-writer lock, and
// runs migrations.
func Open(c Config, logger *zap.Logger) (*Store, error) {
	if c.NeighborCap <= 0 {
		c.NeighborCap = defaultNeighborCap
	}

	inMemory := c.DBPath == ":memory:" || strings.HasPrefix(c.DBPath, "file::memory:")

	lockPath := ""
	if !inMemory {
		dir := filepath.Dir(c.DBPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating vault dir: %v", memory.ErrUnavailable, err)
		}

		lockPath = c.DBPath + lockSuffix
		lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("%w: vault locked by another process (%s)", memory.ErrUnavailable, lockPath)
			}
			return nil, fmt.Errorf("%w: acquiring lock: %v", memory.ErrUnavailable, err)
		}
		fmt.Fprintf(lock, "%d\n", os.Getpid())
		lock.Close()
	}

	dsn := c.DBPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		removeLock(lockPath)
		return nil, fmt.Errorf("%w: opening database: %v", memory.ErrUnavailable, err)
	}

	// A single connection keeps :memory: databases coherent and makes
	// the single-writer discipline explicit for file vaults too.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:       db,
		config:   c,
		logger:   logger,
		entropy:  rand.New(rand.NewSource(time.Now().UnixNano())),
		lockPath: lockPath,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		removeLock(lockPath)
		return nil, err
	}

	logger.Debug("vault store opened",
		zap.String("db_path", c.DBPath),
		zap.Int("neighbor_cap", c.NeighborCap),
	)

	return s, nil
}

// DB exposes the underlying handle so the sqlite-vec index can attach to
// the same file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// AttachIndex wires a vector driver created after Open, e.g. a sqlite-vec
// index sharing this store's handle. Must be called before the first
// write that carries an embedding.
func (s *Store) AttachIndex(index vector.Driver) {
	s.writeMu.Lock()
	s.config.Index = index
	s.writeMu.Unlock()
}

func removeLock(path string) {
	if path != "" {
		os.Remove(path)
	}
}

// migrate runs forward-only migrations under the write lock, gated by
// PRAGMA user_version.
func (s *Store) migrate() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("%w: reading schema version: %v", memory.ErrUnavailable, err)
	}
	if version > schemaVersion {
		return fmt.Errorf("%w: vault schema v%d is newer than supported v%d", memory.ErrConflict, version, schemaVersion)
	}
	if version == schemaVersion {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id                  TEXT PRIMARY KEY,
		content             TEXT NOT NULL,
		type                TEXT NOT NULL,
		status              TEXT NOT NULL,
		salience            REAL NOT NULL DEFAULT 0.5,
		entities            TEXT,
		topics              TEXT,
		source_kind         TEXT NOT NULL DEFAULT 'system',
		source_session      TEXT,
		source_agent        TEXT,
		source_ref          TEXT,
		created_at          INTEGER NOT NULL,
		valid_from          INTEGER NOT NULL,
		valid_until         INTEGER,
		last_accessed_at    INTEGER,
		reinforcement_count INTEGER NOT NULL DEFAULT 0,
		embedding           BLOB,
		embedded            INTEGER NOT NULL DEFAULT 0,
		embedding_failed    INTEGER NOT NULL DEFAULT 0,
		needs_review        INTEGER NOT NULL DEFAULT 0,
		superseded_by       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(status, valid_from DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(source_session, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_accessed ON memories(last_accessed_at);

	CREATE TABLE IF NOT EXISTS entities (
		name         TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		type         TEXT,
		created_at   INTEGER NOT NULL,
		memory_count INTEGER NOT NULL DEFAULT 0,
		last_seen    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memory_entities (
		memory_id   TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		entity_name TEXT NOT NULL,
		PRIMARY KEY (memory_id, entity_name)
	);
	CREATE INDEX IF NOT EXISTS idx_mement_entity ON memory_entities(entity_name);

	CREATE TABLE IF NOT EXISTS memory_topics (
		memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		topic     TEXT NOT NULL,
		PRIMARY KEY (memory_id, topic)
	);
	CREATE INDEX IF NOT EXISTS idx_memtop_topic ON memory_topics(topic);

	CREATE TABLE IF NOT EXISTS edges (
		src        TEXT NOT NULL,
		dst        TEXT NOT NULL,
		kind       TEXT NOT NULL,
		weight     REAL NOT NULL DEFAULT 1.0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (src, dst, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst);

	CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(id UNINDEXED, content);

	CREATE TABLE IF NOT EXISTS vault_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: creating schema: %v", memory.ErrUnavailable, err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("%w: stamping schema version: %v", memory.ErrUnavailable, err)
	}

	return nil
}

// NewID mints a ULID: URL-safe and lexicographically sortable by creation.
func (s *Store) NewID() string {
	s.entMu.Lock()
	defer s.entMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Close releases the store and its lock. Idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
		removeLock(s.lockPath)
	})
	return s.closeErr
}

// beginWrite opens a serialized write transaction.
func (s *Store) beginWrite(ctx context.Context) (*sql.Tx, func(), error) {
	s.writeMu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeMu.Unlock()
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	release := func() {
		tx.Rollback()
		s.writeMu.Unlock()
	}
	return tx, release, nil
}

// timestamp codecs: instants are stored as integer unix nanoseconds;
// NULL valid_until means the open interval.

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func toNullNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromNanos(n.Int64)
}

func marshalList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func unmarshalList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

const memoryColumns = `id, content, type, status, salience, entities, topics,
	source_kind, source_session, source_agent, source_ref,
	created_at, valid_from, valid_until, last_accessed_at,
	reinforcement_count, embedding, embedded, embedding_failed, needs_review, superseded_by`

// embedding blobs are little-endian float32, matching the vec index.

func encodeVec(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVec(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*memory.Memory, error) {
	var m memory.Memory
	var entities, topics sql.NullString
	var session, agent, ref, supersededBy sql.NullString
	var createdAt, validFrom int64
	var validUntil, lastAccessed sql.NullInt64
	var embeddingBlob []byte
	var embedded, embeddingFailed, needsReview int

	err := row.Scan(
		&m.ID, &m.Content, &m.Type, &m.Status, &m.Salience, &entities, &topics,
		&m.Source.Kind, &session, &agent, &ref,
		&createdAt, &validFrom, &validUntil, &lastAccessed,
		&m.ReinforcementCount, &embeddingBlob, &embedded, &embeddingFailed, &needsReview, &supersededBy,
	)
	if err != nil {
		return nil, err
	}
	m.Embedding = decodeVec(embeddingBlob)

	m.Entities = unmarshalList(entities)
	m.Topics = unmarshalList(topics)
	m.Source.Session = session.String
	m.Source.Agent = agent.String
	m.Source.Ref = ref.String
	m.CreatedAt = fromNanos(createdAt)
	m.ValidFrom = fromNanos(validFrom)
	m.ValidUntil = fromNullNanos(validUntil)
	m.LastAccessedAt = fromNullNanos(lastAccessed)
	m.EmbeddingFailed = embeddingFailed != 0
	m.NeedsReview = needsReview != 0
	m.SupersededBy = supersededBy.String
	_ = embedded

	return &m, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ storage.Store = (*Store)(nil)
