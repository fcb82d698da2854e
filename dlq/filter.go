package dlq

import "time"

// QueryFilter narrows a dead-letter query. Nil fields do not constrain the
// result.
type QueryFilter struct {
	ID            *string
	MessageType   *string
	CorrelationID *string
	Reason        *DeadLetterReason
	IsReplayed    *bool
	// SourceQueue matches the endpoint the message was consumed from.
	SourceQueue *string
	// MinAttempts keeps entries that failed at least this many times.
	MinAttempts *int
	// From and To bound EnqueuedAt, inclusive on From and exclusive on To.
	From *time.Time
	To   *time.Time

	// Limit caps the result size; 0 means unlimited. Offset skips leading
	// matches in enqueue order.
	Limit  int
	Offset int
}

// PendingOnly returns a filter matching entries not yet replayed.
func PendingOnly() QueryFilter {
	replayed := false
	return QueryFilter{IsReplayed: &replayed}
}

// ForMessageType returns a filter matching one logical message type.
func ForMessageType(messageType string) QueryFilter {
	return QueryFilter{MessageType: &messageType}
}

// ForReason returns a filter matching one dead-letter reason.
func ForReason(reason DeadLetterReason) QueryFilter {
	return QueryFilter{Reason: &reason}
}

// ForEntry returns a filter matching one entry by ID.
func ForEntry(id string) QueryFilter {
	return QueryFilter{ID: &id}
}

// FromSourceQueue returns a filter matching one source endpoint.
func FromSourceQueue(endpoint string) QueryFilter {
	return QueryFilter{SourceQueue: &endpoint}
}

// OlderThan returns a filter matching entries enqueued before the cutoff.
func OlderThan(cutoff time.Time) QueryFilter {
	return QueryFilter{To: &cutoff}
}

// matches reports whether an entry satisfies the filter constraints, ignoring
// Limit and Offset.
func (f QueryFilter) matches(entry *DeadLetterMessage) bool {
	if f.ID != nil && entry.ID != *f.ID {
		return false
	}
	if f.MessageType != nil && entry.MessageType != *f.MessageType {
		return false
	}
	if f.CorrelationID != nil && entry.CorrelationID != *f.CorrelationID {
		return false
	}
	if f.Reason != nil && entry.Reason != *f.Reason {
		return false
	}
	if f.IsReplayed != nil && entry.IsReplayed != *f.IsReplayed {
		return false
	}
	if f.SourceQueue != nil && entry.SourceEndpoint != *f.SourceQueue {
		return false
	}
	if f.MinAttempts != nil && entry.RetryCount < *f.MinAttempts {
		return false
	}
	if f.From != nil && entry.EnqueuedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !entry.EnqueuedAt.Before(*f.To) {
		return false
	}
	return true
}
