package memory

import "errors"

// Error taxonomy shared by the store, the pipelines, and the API layer.
// Callers match with errors.Is; wrapped messages carry the detail.
var (
	// ErrInvalidPayload is returned for malformed input, wrong embedding
	// dimensionality, or out-of-range salience.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrConflict is returned on duplicate ids or competing migrations.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when an id is absent.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited is returned when the embedder or LLM stays
	// unavailable after the retry budget is spent.
	ErrRateLimited = errors.New("rate limited")

	// ErrTimedOut is returned when a soft timeout is exceeded.
	ErrTimedOut = errors.New("timed out")

	// ErrCancelled is returned on caller-initiated aborts.
	ErrCancelled = errors.New("cancelled")

	// ErrCorrupt is returned by the vault's Remember once a lifecycle
	// sweep has detected invariant violations, until a clean sweep runs.
	ErrCorrupt = errors.New("corrupt")

	// ErrUnavailable is returned when storage cannot be opened: disk
	// full, lockfile held by another process, or open failure.
	ErrUnavailable = errors.New("unavailable")
)
