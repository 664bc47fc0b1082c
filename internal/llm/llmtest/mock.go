// Package llmtest provides a scriptable llm.Client for tests.
package llmtest

import (
	"context"
	"sync"
	"sync/atomic"
)

// MockClient implements llm.Client with overridable funcs.
type MockClient struct {
	QueryFunc func(ctx context.Context, modelID, prompt string) (string, error)
	ProbeFunc func(ctx context.Context, modelID string) bool
	CloseFunc func() error

	calls  atomic.Int64
	mu     sync.Mutex
	models []string
}

// Query records the call and delegates to QueryFunc. Without QueryFunc it
// returns a fixed numbered list.
func (m *MockClient) Query(ctx context.Context, modelID, prompt string) (string, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.models = append(m.models, modelID)
	m.mu.Unlock()

	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, modelID, prompt)
	}
	return "1. Verify the requirement", nil
}

// Probe delegates to ProbeFunc, defaulting to healthy.
func (m *MockClient) Probe(ctx context.Context, modelID string) bool {
	if m.ProbeFunc != nil {
		return m.ProbeFunc(ctx, modelID)
	}
	return true
}

func (m *MockClient) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// Calls is the number of Query invocations so far.
func (m *MockClient) Calls() int {
	return int(m.calls.Load())
}

// Models lists the model ids passed to Query, in call order.
func (m *MockClient) Models() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.models...)
}
