// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	events   []*AgentEvent
	requests map[string]*RequestRecord // keyed by correlation ID
	nextID   int64
	closed   bool
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		requests: make(map[string]*RequestRecord),
	}
}

// SaveAgentEvent stores a copy of ev.
func (m *MockStore) SaveAgentEvent(ctx context.Context, ev *AgentEvent) error {
	if ev.Type == "" {
		return errors.New("event type is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	ev.ID = m.nextID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	e := *ev
	m.events = append(m.events, &e)
	return nil
}

// ListAgentEvents returns copies of matching events, newest first.
func (m *MockStore) ListAgentEvents(ctx context.Context, p ListParams) ([]*AgentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AgentEvent
	for _, ev := range m.events {
		if p.Identity != "" && ev.Identity != p.Identity {
			continue
		}
		if p.Since != nil && ev.CreatedAt.Before(*p.Since) {
			continue
		}
		e := *ev
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := p.normalizedLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveRequest stores a copy of rec.
func (m *MockStore) SaveRequest(ctx context.Context, rec *RequestRecord) error {
	if rec.CorrelationID == "" {
		return errors.New("correlation id is required")
	}
	if rec.Outcome == "" {
		return errors.New("outcome is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[rec.CorrelationID]; exists {
		return fmt.Errorf("request %s already recorded", rec.CorrelationID)
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.CompletedAt.Add(-rec.Duration)
	}
	r := *rec
	m.requests[r.CorrelationID] = &r
	return nil
}

// ListRequests returns copies of matching records, newest first.
func (m *MockStore) ListRequests(ctx context.Context, p ListParams) ([]*RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*RequestRecord
	for _, rec := range m.requests {
		if p.Identity != "" && rec.Target != p.Identity {
			continue
		}
		if p.Since != nil && rec.CreatedAt.Before(*p.Since) {
			continue
		}
		r := *rec
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CorrelationID > out[j].CorrelationID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := p.normalizedLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
