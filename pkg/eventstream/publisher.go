// Package eventstream publishes memory lifecycle events to an external
// stream. Publishing is best-effort: a failed publish is logged by the
// caller and never fails the write that produced it.
package eventstream

import "context"

// Publisher publishes memory events to an event stream backend.
type Publisher interface {
	PublishMemory(ctx context.Context, event *MemoryEvent) error
	Close() error
}
