// Package memory defines the core record types of the vault: memories,
// entities, and the typed edges connecting them.
//
// A Memory is a single authored observation with a bi-temporal validity
// interval. Content is never mutated after creation; corrections arrive as
// new memories that supersede older ones along the time axis, with both
// preserved. The package also carries the error taxonomy shared by every
// layer above the store.
package memory

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Type classifies memory content.
type Type string

const (
	// TypeEpisodic is event-like content tied to a moment in time.
	TypeEpisodic Type = "episodic"

	// TypeSemantic is declarative content (facts, definitions, roles).
	TypeSemantic Type = "semantic"

	// TypeProcedural is imperative or recipe-like content.
	TypeProcedural Type = "procedural"

	// TypeConsolidated is a synthesized summary over constituent memories.
	TypeConsolidated Type = "consolidated"
)

// ValidTypes is the closed set of memory types.
var ValidTypes = map[Type]bool{
	TypeEpisodic:     true,
	TypeSemantic:     true,
	TypeProcedural:   true,
	TypeConsolidated: true,
}

// Status describes the lifecycle of the fact, not of storage.
type Status string

const (
	StatusActive     Status = "active"
	StatusPending    Status = "pending"
	StatusFulfilled  Status = "fulfilled"
	StatusSuperseded Status = "superseded"
	StatusArchived   Status = "archived"
)

// ValidStatuses is the closed set of lifecycle statuses.
var ValidStatuses = map[Status]bool{
	StatusActive:     true,
	StatusPending:    true,
	StatusFulfilled:  true,
	StatusSuperseded: true,
	StatusArchived:   true,
}

// SourceKind tags where a memory came from.
type SourceKind string

const (
	SourceConversation SourceKind = "conversation"
	SourceDocument     SourceKind = "document"
	SourceExternal     SourceKind = "external"
	SourceSystem       SourceKind = "system"
)

// Source identifies the origin of a memory.
type Source struct {
	Kind SourceKind `json:"kind"`

	// Session groups memories from one conversation; chronologically
	// adjacent memories in a session receive temporal-next edges.
	Session string `json:"session,omitempty"`

	// Agent is the writing agent's identifier, if any.
	Agent string `json:"agent,omitempty"`

	// Ref is a free-form external reference.
	Ref string `json:"ref,omitempty"`
}

// Memory is the primary record. Embedding may be absent while the row is
// queued for embedding; the row is still discoverable by entity and
// full-text search.
type Memory struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Type     Type     `json:"type"`
	Status   Status   `json:"status"`
	Salience float64  `json:"salience"`
	Entities []string `json:"entities,omitempty"`
	Topics   []string `json:"topics,omitempty"`
	Source   Source   `json:"source"`

	CreatedAt time.Time `json:"created_at"`

	// ValidFrom/ValidUntil bound the half-open wall-time interval during
	// which the fact holds. A zero ValidUntil means "current truth".
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until,omitempty"`

	LastAccessedAt     time.Time `json:"last_accessed_at,omitempty"`
	ReinforcementCount int       `json:"reinforcement_count"`

	Embedding []float32 `json:"-"`

	// SupersededBy points at the successor when Status is StatusSuperseded.
	SupersededBy string `json:"superseded_by,omitempty"`

	// NeedsReview marks best-effort records: extraction failed, or a
	// consolidated summary was produced without an LLM.
	NeedsReview bool `json:"needs_review,omitempty"`

	// EmbeddingFailed marks rows whose embedding retry budget was
	// exhausted. They stay recallable by entity and full-text search.
	EmbeddingFailed bool `json:"embedding_failed,omitempty"`
}

// ValidAt reports whether the memory's validity interval covers t.
// The interval is half-open: valid_from <= t < valid_until.
func (m *Memory) ValidAt(t time.Time) bool {
	if t.Before(m.ValidFrom) {
		return false
	}
	if m.ValidUntil.IsZero() {
		return true
	}
	return t.Before(m.ValidUntil)
}

// Current reports whether the memory is current truth (open interval).
func (m *Memory) Current() bool {
	return m.ValidUntil.IsZero()
}

// Entity is a node in the knowledge graph. Identity is the normalized name;
// entities exist only while at least one non-archived memory references them.
type Entity struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name,omitempty"`
	Type        string    `json:"type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	MemoryCount int       `json:"memory_count"`
	LastSeen    time.Time `json:"last_seen"`
}

// EdgeKind types a directed edge between two memories.
type EdgeKind string

const (
	EdgeSupports     EdgeKind = "supports"
	EdgeContradicts  EdgeKind = "contradicts"
	EdgeElaborates   EdgeKind = "elaborates"
	EdgeSupersedes   EdgeKind = "supersedes"
	EdgeEntityShared EdgeKind = "entity-shared"
	EdgeTemporalNext EdgeKind = "temporal-next"
	EdgeUser         EdgeKind = "user"
)

// ValidEdgeKinds is the closed set of edge kinds.
var ValidEdgeKinds = map[EdgeKind]bool{
	EdgeSupports:     true,
	EdgeContradicts:  true,
	EdgeElaborates:   true,
	EdgeSupersedes:   true,
	EdgeEntityShared: true,
	EdgeTemporalNext: true,
	EdgeUser:         true,
}

// Edge is a directed, weighted, typed connection between two memories.
// Antiparallel pairs are allowed with different kinds.
type Edge struct {
	Src       string    `json:"src"`
	Dst       string    `json:"dst"`
	Kind      EdgeKind  `json:"kind"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}

// Clamp01 clamps v into [0, 1]. Salience always passes through this.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// diacriticStripper removes combining marks after NFD decomposition.
var diacriticStripper = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// NormalizeEntity folds an entity surface form to its identity: trimmed,
// case-folded, diacritics removed. Display case is preserved separately on
// the Entity record.
func NormalizeEntity(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if stripped, _, err := transform.String(diacriticStripper, name); err == nil {
		name = stripped
	}
	return strings.ToLower(name)
}

// NormalizeEntitySet normalizes, deduplicates, and drops empties. Insertion
// order of the input is preserved for the survivors.
func NormalizeEntitySet(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		norm := NormalizeEntity(n)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}
	return out
}

// Jaccard computes set overlap of two string slices. Inputs are treated as
// sets; duplicates do not change the result.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, s := range a {
		setA[s] = true
	}
	setB := make(map[string]bool, len(b))
	for _, s := range b {
		setB[s] = true
	}
	inter := 0
	for s := range setA {
		if setB[s] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
