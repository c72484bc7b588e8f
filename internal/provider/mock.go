package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/corvidlabs/beacon/internal/notify"
)

// MockProvider records deliveries instead of sending them. Used in
// tests and local development.
type MockProvider struct {
	name string

	mu        sync.Mutex
	delivered []*notify.Request
	failWith  error
	down      bool
}

// NewMockProvider creates a mock provider with the given name.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

// Name implements Provider.
func (m *MockProvider) Name() string { return m.name }

// Available implements Provider.
func (m *MockProvider) Available(_ context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down
}

// Deliver implements Provider.
func (m *MockProvider) Deliver(_ context.Context, req *notify.Request, _ notify.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.delivered = append(m.delivered, req)
	return nil
}

// Fail makes subsequent deliveries return an error with the given
// message. An empty message restores success.
func (m *MockProvider) Fail(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg == "" {
		m.failWith = nil
		return
	}
	m.failWith = errors.New(msg)
}

// SetDown toggles the availability probe.
func (m *MockProvider) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// Delivered returns a snapshot of successfully delivered requests.
func (m *MockProvider) Delivered() []*notify.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*notify.Request, len(m.delivered))
	copy(out, m.delivered)
	return out
}
