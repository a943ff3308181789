package eventstream

import (
	"time"

	"github.com/google/uuid"

	"github.com/tstockham96/engram/pkg/memory"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeMemoryStored is emitted after a memory row is durable.
	EventTypeMemoryStored = "engram.memory.stored"

	// EventTypeMemorySuperseded is emitted when an older fact is closed
	// by a successor.
	EventTypeMemorySuperseded = "engram.memory.superseded"

	// EventTypeMemoryForgotten is emitted on hard or soft forget.
	EventTypeMemoryForgotten = "engram.memory.forgotten"

	// EventTypeConsolidated is emitted for each consolidated summary
	// minted by a consolidation cycle.
	EventTypeConsolidated = "engram.memory.consolidated"
)

// MemoryEvent is a transport-neutral event payload for a memory lifecycle
// transition.
type MemoryEvent struct {
	SchemaVersion int       `json:"schema_version"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	EmittedAt     time.Time `json:"emitted_at"`

	Owner    string        `json:"owner,omitempty"`
	MemoryID string        `json:"memory_id"`
	Type     memory.Type   `json:"type,omitempty"`
	Status   memory.Status `json:"status,omitempty"`

	// SupersededBy is set on superseded events.
	SupersededBy string `json:"superseded_by,omitempty"`

	// Hard is set on forgotten events when the row was destroyed.
	Hard bool `json:"hard,omitempty"`
}

// NewMemoryEvent builds an event envelope for the given transition.
func NewMemoryEvent(eventType, owner string, m *memory.Memory) *MemoryEvent {
	e := &MemoryEvent{
		SchemaVersion: SchemaVersionV1,
		EventType:     eventType,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		Owner:         owner,
	}
	if m != nil {
		e.MemoryID = m.ID
		e.Type = m.Type
		e.Status = m.Status
		e.SupersededBy = m.SupersededBy
	}
	return e
}
