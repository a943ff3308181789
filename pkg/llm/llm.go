// Package llm defines the injected completion capability used by ask and
// consolidation. The engine states what it asks the provider for; it makes
// no semantic guarantees about what comes back, and every failure must be
// recoverable by the caller.
package llm

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by vault operations that need an LLM when
// none was injected.
var ErrNotConfigured = errors.New("llm not configured")

// CompleteOptions tune a single completion call.
type CompleteOptions struct {
	// MaxTokens bounds the response length. Zero uses the provider
	// default.
	MaxTokens int

	// JSONMode asks the provider for a machine-parseable JSON response.
	JSONMode bool

	// TimeoutMs is a soft per-call timeout. Zero uses the provider
	// default.
	TimeoutMs int
}

// Provider is the completion capability.
type Provider interface {
	// Complete returns the model's completion of prompt.
	Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}
