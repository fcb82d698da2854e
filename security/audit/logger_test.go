package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLogger(store Store) *Logger {
	return NewLogger(store, nil, LoggerConfig{
		QueueCapacity: 64,
		BatchSize:     8,
		FlushInterval: 10 * time.Millisecond,
	}, zap.NewNop())
}

func TestStopDrainsQueuedEvents(t *testing.T) {
	store := NewInMemoryStore()
	logger := newTestLogger(store)
	logger.Start()

	const n = 50
	for i := 0; i < n; i++ {
		logger.LogSecurityEvent(context.Background(), EventSuspiciousActivity, fmt.Sprintf("event %d", i), SeverityLow, nil)
	}
	logger.Stop()

	assert.Equal(t, n, store.Len(), "every event accepted before Stop must be stored")
	stats := logger.Stats()
	assert.Equal(t, int64(n), stats.Enqueued)
	assert.Equal(t, int64(n), stats.Stored)
	assert.Zero(t, stats.Dropped)
}

func TestEventsAfterStopAreDropped(t *testing.T) {
	store := NewInMemoryStore()
	logger := newTestLogger(store)
	logger.Start()
	logger.Stop()

	logger.LogSecurityEvent(context.Background(), EventSuspiciousActivity, "late", SeverityLow, nil)
	logger.LogEvent(NewSecurityEvent(EventSuspiciousActivity, "late", SeverityLow))
	assert.Zero(t, store.Len())
}

func TestStopIsIdempotent(t *testing.T) {
	logger := newTestLogger(NewInMemoryStore())
	logger.Start()
	logger.Stop()
	logger.Stop()
	require.NoError(t, logger.Close())
}

func TestEnqueueNeverBlocksOnOverflow(t *testing.T) {
	store := NewInMemoryStore()
	// No consumer: the queue fills and overflow evicts the oldest.
	logger := NewLogger(store, nil, LoggerConfig{QueueCapacity: 4, BatchSize: 4, FlushInterval: time.Hour}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			logger.LogEvent(NewSecurityEvent(EventSuspiciousActivity, fmt.Sprintf("e%d", i), SeverityLow))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	assert.Positive(t, logger.Stats().Dropped, "overflow must drop, not block")
	logger.Stop()
}

func TestContextExtraction(t *testing.T) {
	store := NewInMemoryStore()
	logger := newTestLogger(store)
	logger.Start()

	correlationID := "a3bb189e-8bf9-3888-9912-ace4e6543002"
	msg := messaging.NewEnvelope(messaging.KindAction, "orders.create", nil,
		messaging.WithCorrelationID(correlationID))
	mc := messaging.NewMessageContext(msg)
	mc.SetItem(messaging.ItemUserMessageID, "user-7")
	mc.SetItem(messaging.ItemClientIP, "10.1.2.3")
	mc.SetItem(messaging.ItemClientUserAgent, "dispatch-cli/1.0")
	mc.SetItem(messaging.ItemMessageType, "orders.create")
	mc.SetItem("Security:CheckName", "sql_injection")
	mc.SetItem("Auth:Method", "jwt")
	mc.SetItem("Validation:Field", "body.name")
	mc.SetItem("Unrelated", "never copied")

	logger.LogSecurityEvent(context.Background(), EventValidationFailure, "rejected", SeverityMedium, mc)
	logger.Stop()

	events := store.Events()
	require.Len(t, events, 1)
	event := events[0]

	assert.Equal(t, correlationID, event.CorrelationID)
	assert.Equal(t, "user-7", event.UserID)
	assert.Equal(t, "10.1.2.3", event.SourceIP)
	assert.Equal(t, "dispatch-cli/1.0", event.UserAgent)
	assert.Equal(t, "orders.create", event.MessageType)

	require.NotNil(t, event.AdditionalData)
	assert.Equal(t, "sql_injection", event.AdditionalData["CheckName"], "the prefix is stripped")
	assert.Equal(t, "jwt", event.AdditionalData["Method"])
	assert.Equal(t, "body.name", event.AdditionalData["Field"])
	assert.NotContains(t, event.AdditionalData, "Unrelated")
	assert.NotContains(t, event.AdditionalData, "Security:CheckName")
}

func TestNonUUIDCorrelationIDNotExtracted(t *testing.T) {
	store := NewInMemoryStore()
	logger := newTestLogger(store)
	logger.Start()

	msg := messaging.NewEnvelope(messaging.KindAction, "t", nil,
		messaging.WithCorrelationID("not-a-uuid"))
	mc := messaging.NewMessageContext(msg)
	logger.LogSecurityEvent(context.Background(), EventSuspiciousActivity, "x", SeverityLow, mc)
	logger.Stop()

	events := store.Events()
	require.Len(t, events, 1)
	assert.Empty(t, events[0].CorrelationID)
}

// failingStore rejects batches so the per-event fallback path runs.
type failingStore struct {
	mu      sync.Mutex
	single  []*SecurityEvent
	failOne string
}

func (s *failingStore) StoreEvents(context.Context, []*SecurityEvent) error {
	return errors.New("batch write unavailable")
}

func (s *failingStore) StoreEvent(_ context.Context, event *SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.Description == s.failOne {
		return errors.New("row rejected")
	}
	s.single = append(s.single, event)
	return nil
}

func TestBatchFailureFallsBackPerEvent(t *testing.T) {
	store := &failingStore{failOne: "bad"}
	logger := newTestLogger(store)
	logger.Start()

	logger.LogEvent(NewSecurityEvent(EventSuspiciousActivity, "good-1", SeverityLow))
	logger.LogEvent(NewSecurityEvent(EventSuspiciousActivity, "bad", SeverityLow))
	logger.LogEvent(NewSecurityEvent(EventSuspiciousActivity, "good-2", SeverityLow))
	logger.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.single, 2, "a single bad event must not abort the rest")
	stats := logger.Stats()
	assert.Equal(t, int64(2), stats.Stored)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestConcurrentLogging(t *testing.T) {
	store := NewInMemoryStore()
	logger := NewLogger(store, nil, LoggerConfig{QueueCapacity: 10000, BatchSize: 100, FlushInterval: 5 * time.Millisecond}, zap.NewNop())
	logger.Start()

	var wg sync.WaitGroup
	const workers, perWorker = 8, 100
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				logger.LogSecurityEvent(context.Background(), EventSuspiciousActivity, fmt.Sprintf("w%d-%d", w, i), SeverityLow, nil)
			}
		}(w)
	}
	wg.Wait()
	logger.Stop()

	assert.Equal(t, workers*perWorker, store.Len())
}
