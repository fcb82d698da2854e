package audit

import (
	"context"
	"sync"
)

// Store persists batches of security events.
type Store interface {
	// StoreEvents persists a batch. A failure leaves the whole batch
	// unstored; the logger falls back to StoreEvent per item.
	StoreEvents(ctx context.Context, events []*SecurityEvent) error
	// StoreEvent persists a single event.
	StoreEvent(ctx context.Context, event *SecurityEvent) error
}

// Exporter forwards audit events to a remote SIEM. Transient errors must be
// reported so the caller can retry.
type Exporter interface {
	Export(ctx context.Context, event *SecurityEvent) error
	ExportBatch(ctx context.Context, events []*SecurityEvent) error
	CheckHealth(ctx context.Context) error
}

// InMemoryStore is a Store backed by a slice, for tests and local use.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []*SecurityEvent
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// StoreEvents implements Store.
func (s *InMemoryStore) StoreEvents(ctx context.Context, events []*SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// StoreEvent implements Store.
func (s *InMemoryStore) StoreEvent(ctx context.Context, event *SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the stored events in storage order.
func (s *InMemoryStore) Events() []*SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SecurityEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of stored events.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
