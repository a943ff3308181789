// Package anthropic implements pkg/llm's Provider with the official
// Anthropic SDK.
package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tstockham96/engram/pkg/llm"
)

const (
	// DefaultModel is the default completion model.
	DefaultModel = "claude-3-5-haiku-latest"

	// DefaultMaxTokens bounds responses when the caller does not.
	DefaultMaxTokens = 1024

	defaultTimeout = 60 * time.Second
)

// Provider wraps the Anthropic Messages API.
type Provider struct {
	client anthropicsdk.Client
	model  string
}

// Config holds configuration for the Anthropic provider.
type Config struct {
	// APIKey authenticates against the API. Empty falls back to the
	// SDK's environment lookup.
	APIKey string

	// Model is the completion model. Defaults to DefaultModel.
	Model string
}

// New creates a new Anthropic completion provider.
func New(cfg Config) (*Provider, error) {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Provider{
		client: anthropicsdk.NewClient(opts...),
		model:  model,
	}, nil
}

// Complete returns the model's completion of prompt.
func (p *Provider) Complete(ctx context.Context, prompt string, opts llm.CompleteOptions) (string, error) {
	timeout := defaultTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	if opts.JSONMode {
		prompt += "\n\nRespond with valid JSON only, no prose."
	}

	resp, err := p.client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return sb.String(), nil
}

// Close releases resources held by the provider.
func (p *Provider) Close() error {
	return nil
}

var _ llm.Provider = (*Provider)(nil)
