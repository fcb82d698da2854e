package dlq

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
)

// statsWindow is the lookback for the recent-entry count in Statistics.
const statsWindow = time.Hour

// Redispatcher re-enters a reconstructed message into the pipeline during
// replay. messaging.Dispatcher satisfies it.
type Redispatcher interface {
	Dispatch(ctx context.Context, msg messaging.Message, mc *messaging.MessageContext) (messaging.Result, error)
}

// Queue is the dead-letter queue surface.
type Queue interface {
	// Enqueue captures a failed message.
	Enqueue(ctx context.Context, entry *DeadLetterMessage) error
	// GetEntries returns entries matching the filter in enqueue order. The
	// filter's Limit and Offset page through the matches.
	GetEntries(ctx context.Context, filter QueryFilter) ([]*DeadLetterMessage, error)
	// GetEntry returns one entry by ID.
	GetEntry(ctx context.Context, id string) (*DeadLetterMessage, error)
	// Replay re-dispatches one entry and marks it replayed on success.
	Replay(ctx context.Context, id string) (messaging.Result, error)
	// ReplayBatch replays every entry matching the filter. It returns how
	// many replays succeeded; individual failures do not abort the batch.
	ReplayBatch(ctx context.Context, filter QueryFilter) (int, error)
	// PurgeEntry removes one entry by ID and reports whether it existed.
	PurgeEntry(ctx context.Context, id string) (bool, error)
	// Purge removes all entries and returns how many were removed.
	Purge(ctx context.Context) (int, error)
	// PurgeOlderThan removes entries enqueued before the cutoff.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	// GetCount returns the number of entries matching the filter.
	GetCount(ctx context.Context, filter QueryFilter) (int64, error)
	// GetStatistics summarizes the queue contents.
	GetStatistics(ctx context.Context) (Statistics, error)
}

// StoreQueue is the store-backed dead-letter queue.
type StoreQueue struct {
	store      Store
	dispatcher Redispatcher
	serializer messaging.Serializer
	logger     *zap.Logger
	metrics    *messaging.Metrics
}

// NewQueue creates a store-backed queue. The dispatcher may be nil when
// replay is not needed; a nil serializer defaults to JSON.
func NewQueue(store Store, dispatcher Redispatcher, serializer messaging.Serializer, logger *zap.Logger) *StoreQueue {
	if serializer == nil {
		serializer = messaging.JSONSerializer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreQueue{
		store:      store,
		dispatcher: dispatcher,
		serializer: serializer,
		logger:     logger,
	}
}

// SetMetrics attaches a metrics bundle. Nil is allowed.
func (q *StoreQueue) SetMetrics(m *messaging.Metrics) {
	q.metrics = m
}

// SetDispatcher sets the replay target. Needed when the queue is built
// before the dispatcher that owns it.
func (q *StoreQueue) SetDispatcher(d Redispatcher) {
	q.dispatcher = d
}

// Enqueue implements Queue.
func (q *StoreQueue) Enqueue(ctx context.Context, entry *DeadLetterMessage) error {
	if entry == nil {
		return messaging.ErrNilMessage
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	if err := q.store.Store(ctx, entry); err != nil {
		return err
	}
	q.logger.Warn("message dead-lettered",
		zap.String("entry_id", entry.ID),
		zap.String("message_id", entry.MessageID),
		zap.String("message_type", entry.MessageType),
		zap.String("reason", entry.Reason.String()),
		zap.Int("retry_count", entry.RetryCount))
	q.updateDepth(ctx)
	return nil
}

// GetEntries implements Queue.
func (q *StoreQueue) GetEntries(ctx context.Context, filter QueryFilter) ([]*DeadLetterMessage, error) {
	return q.store.Query(ctx, filter)
}

// GetEntry implements Queue.
func (q *StoreQueue) GetEntry(ctx context.Context, id string) (*DeadLetterMessage, error) {
	return q.store.GetByID(ctx, id)
}

// Replay implements Queue. The entry stays in the queue, marked replayed,
// so the audit trail of the original failure survives the replay.
func (q *StoreQueue) Replay(ctx context.Context, id string) (messaging.Result, error) {
	if q.dispatcher == nil {
		return nil, messaging.ConfigError("no dispatcher configured for replay")
	}
	entry, err := q.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	msg, mc, err := q.reconstruct(entry)
	if err != nil {
		return nil, err
	}

	result, err := q.dispatcher.Dispatch(ctx, msg, mc)
	if err != nil {
		return result, err
	}
	if result.Succeeded() {
		now := time.Now().UTC()
		entry.IsReplayed = true
		entry.ReplayedAt = &now
		entry.ReplayCount++
		if err := q.store.Update(ctx, entry); err != nil {
			q.logger.Error("failed to mark entry replayed", zap.String("entry_id", id), zap.Error(err))
		}
		q.logger.Info("dead-letter entry replayed",
			zap.String("entry_id", id),
			zap.String("message_type", entry.MessageType))
	}
	return result, nil
}

// ReplayBatch implements Queue.
func (q *StoreQueue) ReplayBatch(ctx context.Context, filter QueryFilter) (int, error) {
	entries, err := q.store.Query(ctx, filter)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return replayed, ctx.Err()
		}
		result, err := q.Replay(ctx, entry.ID)
		if err != nil {
			q.logger.Warn("batch replay entry failed", zap.String("entry_id", entry.ID), zap.Error(err))
			continue
		}
		if result.Succeeded() {
			replayed++
		}
	}
	return replayed, nil
}

// PurgeEntry implements Queue.
func (q *StoreQueue) PurgeEntry(ctx context.Context, id string) (bool, error) {
	removed, err := q.store.Delete(ctx, ForEntry(id))
	if err != nil {
		return false, err
	}
	if removed > 0 {
		q.logger.Info("dead-letter entry purged", zap.String("entry_id", id))
		q.updateDepth(ctx)
	}
	return removed > 0, nil
}

// Purge implements Queue.
func (q *StoreQueue) Purge(ctx context.Context) (int, error) {
	removed, err := q.store.Delete(ctx, QueryFilter{})
	if err != nil {
		return 0, err
	}
	q.logger.Info("dead-letter queue purged", zap.Int("removed", removed))
	q.updateDepth(ctx)
	return removed, nil
}

// PurgeOlderThan implements Queue.
func (q *StoreQueue) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	removed, err := q.store.Delete(ctx, OlderThan(cutoff))
	if err != nil {
		return 0, err
	}
	q.updateDepth(ctx)
	return removed, nil
}

// GetCount implements Queue.
func (q *StoreQueue) GetCount(ctx context.Context, filter QueryFilter) (int64, error) {
	return q.store.Count(ctx, filter)
}

// GetStatistics implements Queue.
func (q *StoreQueue) GetStatistics(ctx context.Context) (Statistics, error) {
	entries, err := q.store.Query(ctx, QueryFilter{})
	if err != nil {
		return Statistics{}, err
	}

	stats := Statistics{
		ByReason:      make(map[DeadLetterReason]int64),
		ByMessageType: make(map[string]int64),
		TimeWindow:    statsWindow,
	}
	recentCutoff := time.Now().Add(-statsWindow)
	for _, entry := range entries {
		stats.Total++
		if entry.IsReplayed {
			stats.Replayed++
		}
		if entry.EnqueuedAt.After(recentCutoff) {
			stats.RecentCount++
		}
		stats.ByReason[entry.Reason]++
		stats.ByMessageType[entry.MessageType]++
		at := entry.EnqueuedAt
		if stats.OldestEnqueuedAt == nil || at.Before(*stats.OldestEnqueuedAt) {
			t := at
			stats.OldestEnqueuedAt = &t
		}
		if stats.NewestEnqueuedAt == nil || at.After(*stats.NewestEnqueuedAt) {
			t := at
			stats.NewestEnqueuedAt = &t
		}
	}
	return stats, nil
}

// reconstruct rebuilds a dispatchable message from the stored payload.
func (q *StoreQueue) reconstruct(entry *DeadLetterMessage) (messaging.Message, *messaging.MessageContext, error) {
	var body any
	if len(entry.Payload) > 0 {
		if err := q.serializer.Deserialize(entry.Payload, &body); err != nil {
			return nil, nil, err
		}
	}

	opts := []messaging.EnvelopeOption{messaging.WithMessageID(entry.MessageID)}
	if entry.CorrelationID != "" {
		opts = append(opts, messaging.WithCorrelationID(entry.CorrelationID))
	}
	// The stored map lost the original header order; sort the names so a
	// replayed envelope carries a deterministic order.
	names := make([]string, 0, len(entry.Headers))
	for name := range entry.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, messaging.WithHeader(name, entry.Headers[name]))
	}
	msg := messaging.NewEnvelope(entry.Kind, entry.MessageType, body, opts...)

	mc := messaging.NewMessageContext(msg)
	mc.SetItem("Replay:SourceEntryId", entry.ID)
	return msg, mc, nil
}

func (q *StoreQueue) updateDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if count, err := q.store.Count(ctx, QueryFilter{}); err == nil {
		q.metrics.SetDeadLetterDepth(int(count))
	}
}

// NullQueue discards everything. It stands in when dead-lettering is
// disabled.
type NullQueue struct{}

// Enqueue implements Queue.
func (NullQueue) Enqueue(context.Context, *DeadLetterMessage) error { return nil }

// GetEntries implements Queue.
func (NullQueue) GetEntries(context.Context, QueryFilter) ([]*DeadLetterMessage, error) {
	return nil, nil
}

// GetEntry implements Queue.
func (NullQueue) GetEntry(context.Context, string) (*DeadLetterMessage, error) {
	return nil, messaging.ErrEntryNotFound
}

// Replay implements Queue.
func (NullQueue) Replay(context.Context, string) (messaging.Result, error) {
	return nil, messaging.ErrEntryNotFound
}

// ReplayBatch implements Queue.
func (NullQueue) ReplayBatch(context.Context, QueryFilter) (int, error) { return 0, nil }

// PurgeEntry implements Queue.
func (NullQueue) PurgeEntry(context.Context, string) (bool, error) { return false, nil }

// Purge implements Queue.
func (NullQueue) Purge(context.Context) (int, error) { return 0, nil }

// PurgeOlderThan implements Queue.
func (NullQueue) PurgeOlderThan(context.Context, time.Time) (int, error) { return 0, nil }

// GetCount implements Queue.
func (NullQueue) GetCount(context.Context, QueryFilter) (int64, error) { return 0, nil }

// GetStatistics implements Queue.
func (NullQueue) GetStatistics(context.Context) (Statistics, error) { return Statistics{}, nil }
