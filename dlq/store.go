package dlq

import (
	"context"
	"sort"
	"sync"

	"dev.helix.dispatch/messaging"
)

// Store persists dead-letter entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Store persists a new entry.
	Store(ctx context.Context, entry *DeadLetterMessage) error
	// Update replaces an existing entry, matched by ID.
	Update(ctx context.Context, entry *DeadLetterMessage) error
	// GetByID returns one entry, or ErrEntryNotFound.
	GetByID(ctx context.Context, id string) (*DeadLetterMessage, error)
	// Query returns entries matching the filter in enqueue order.
	Query(ctx context.Context, filter QueryFilter) ([]*DeadLetterMessage, error)
	// Delete removes entries matching the filter and returns how many.
	Delete(ctx context.Context, filter QueryFilter) (int, error)
	// Count returns the number of entries matching the filter.
	Count(ctx context.Context, filter QueryFilter) (int64, error)
}

// InMemoryStore is a map-backed store for embedding and tests. Entries are
// returned in enqueue order.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*DeadLetterMessage
	order   []string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]*DeadLetterMessage)}
}

// Store implements Store.
func (s *InMemoryStore) Store(_ context.Context, entry *DeadLetterMessage) error {
	if entry == nil {
		return messaging.StoreError("nil dead-letter entry", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; !exists {
		s.order = append(s.order, entry.ID)
	}
	clone := *entry
	s.entries[entry.ID] = &clone
	return nil
}

// Update implements Store.
func (s *InMemoryStore) Update(_ context.Context, entry *DeadLetterMessage) error {
	if entry == nil {
		return messaging.StoreError("nil dead-letter entry", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; !exists {
		return messaging.ErrEntryNotFound
	}
	clone := *entry
	s.entries[entry.ID] = &clone
	return nil
}

// GetByID implements Store.
func (s *InMemoryStore) GetByID(_ context.Context, id string) (*DeadLetterMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, messaging.ErrEntryNotFound
	}
	clone := *entry
	return &clone, nil
}

// Query implements Store.
func (s *InMemoryStore) Query(_ context.Context, filter QueryFilter) ([]*DeadLetterMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*DeadLetterMessage
	skipped := 0
	for _, id := range s.order {
		entry := s.entries[id]
		if entry == nil || !filter.matches(entry) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		clone := *entry
		out = append(out, &clone)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(_ context.Context, filter QueryFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		entry := s.entries[id]
		if entry != nil && filter.matches(entry) {
			delete(s.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}

// Count implements Store.
func (s *InMemoryStore) Count(_ context.Context, filter QueryFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, entry := range s.entries {
		if filter.matches(entry) {
			count++
		}
	}
	return count, nil
}

// VerifyIntegrity checks that the entry index and the order list agree and
// that the order list is sorted by enqueue time. Used in diagnostics and
// tests.
func (s *InMemoryStore) VerifyIntegrity() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) != len(s.order) {
		return false
	}
	for _, id := range s.order {
		if _, ok := s.entries[id]; !ok {
			return false
		}
	}
	return sort.SliceIsSorted(s.order, func(i, j int) bool {
		return s.entries[s.order[i]].EnqueuedAt.Before(s.entries[s.order[j]].EnqueuedAt)
	})
}
