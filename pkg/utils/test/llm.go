package testutils

import (
	"context"
	"fmt"

	"github.com/tstockham96/engram/pkg/llm"
)

// MockLLM is a test completion provider with canned responses.
type MockLLM struct {
	// Response is returned for every call unless Responder is set.
	Response string

	// Responder, when set, computes the response from the prompt.
	Responder func(prompt string) string

	// Fail causes every call to return an error.
	Fail bool

	// Prompts accumulates every prompt seen.
	Prompts []string
}

func NewMockLLM(response string) *MockLLM {
	return &MockLLM{Response: response}
}

func (m *MockLLM) Complete(_ context.Context, prompt string, _ llm.CompleteOptions) (string, error) {
	m.Prompts = append(m.Prompts, prompt)
	if m.Fail {
		return "", fmt.Errorf("mock llm failure")
	}
	if m.Responder != nil {
		return m.Responder(prompt), nil
	}
	return m.Response, nil
}

func (m *MockLLM) Close() error {
	return nil
}
