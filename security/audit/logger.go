package audit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
)

// Context item prefixes copied into a security event's AdditionalData. Other
// item keys are never copied.
var additionalDataPrefixes = []string{"Security:", "Auth:", "Validation:"}

// LoggerConfig configures the security event logger.
type LoggerConfig struct {
	// QueueCapacity bounds the in-flight event queue. On overflow the
	// oldest queued event is dropped; enqueue never blocks the dispatch.
	QueueCapacity int `json:"queue_capacity" yaml:"queue_capacity"`
	// BatchSize is the maximum events per store call.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	// FlushInterval bounds how long a partial batch may wait.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
	// ShutdownTimeout bounds the drain window during Stop.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DefaultLoggerConfig returns sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		QueueCapacity:   10000,
		BatchSize:       100,
		FlushInterval:   1 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoggerStats tracks logger counters.
type LoggerStats struct {
	Enqueued int64
	Stored   int64
	Dropped  int64
	Failed   int64
}

// Logger is the asynchronous security event logger. LogSecurityEvent enqueues
// without blocking; a single background consumer drains the queue in
// micro-batches to the store and the optional exporter.
type Logger struct {
	config   LoggerConfig
	store    Store
	exporter Exporter
	log      *zap.Logger
	metrics  *messaging.Metrics

	queue    chan *SecurityEvent
	done     chan struct{}
	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	// closeMu serializes queue sends against the close in Stop.
	closeMu sync.RWMutex

	enqueued atomic.Int64
	stored   atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewLogger creates a security event logger. The exporter may be nil.
func NewLogger(store Store, exporter Exporter, config LoggerConfig, log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultLoggerConfig().QueueCapacity
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultLoggerConfig().BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultLoggerConfig().FlushInterval
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultLoggerConfig().ShutdownTimeout
	}
	return &Logger{
		config:   config,
		store:    store,
		exporter: exporter,
		log:      log,
		queue:    make(chan *SecurityEvent, config.QueueCapacity),
		done:     make(chan struct{}),
	}
}

// SetMetrics attaches a metrics bundle. Nil is allowed.
func (l *Logger) SetMetrics(m *messaging.Metrics) {
	l.metrics = m
}

// Start spawns the background consumer. Starting twice is a no-op.
func (l *Logger) Start() {
	if l.started.Swap(true) {
		return
	}
	go l.consume()
}

// Stop closes the queue and drains remaining events within the shutdown
// window. Stopping twice is safe; events logged after Stop are silently
// dropped.
func (l *Logger) Stop() {
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		l.closeMu.Lock()
		close(l.queue)
		l.closeMu.Unlock()

		if !l.started.Load() {
			return
		}
		select {
		case <-l.done:
		case <-time.After(l.config.ShutdownTimeout):
			l.log.Warn("audit logger shutdown window elapsed before drain completed")
		}
	})
}

// Close releases the consumer. It is idempotent.
func (l *Logger) Close() error {
	l.Stop()
	return nil
}

// LogSecurityEvent enqueues an audit event without blocking. The message
// context is optional; when present, correlation and client identity fields
// are extracted from it.
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType EventType, description string, severity Severity, mc *messaging.MessageContext) {
	if l.stopped.Load() {
		return
	}
	event := NewSecurityEvent(eventType, description, severity)
	if mc != nil {
		extractContext(event, mc)
	}
	l.enqueue(event)
}

// LogEvent enqueues a prebuilt event without blocking.
func (l *Logger) LogEvent(event *SecurityEvent) {
	if l.stopped.Load() || event == nil {
		return
	}
	l.enqueue(event)
}

// Stats returns a snapshot of the logger counters.
func (l *Logger) Stats() LoggerStats {
	return LoggerStats{
		Enqueued: l.enqueued.Load(),
		Stored:   l.stored.Load(),
		Dropped:  l.dropped.Load(),
		Failed:   l.failed.Load(),
	}
}

// enqueue appends the event, dropping the oldest queued event on overflow.
func (l *Logger) enqueue(event *SecurityEvent) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.stopped.Load() {
		return
	}

	select {
	case l.queue <- event:
		l.enqueued.Add(1)
		return
	default:
	}

	// Queue full: evict the oldest event, then try once more.
	select {
	case <-l.queue:
		l.dropped.Add(1)
		l.metrics.RecordAuditDrop()
		l.log.Warn("audit queue overflow, oldest event dropped")
	default:
	}
	select {
	case l.queue <- event:
		l.enqueued.Add(1)
	default:
		l.dropped.Add(1)
		l.metrics.RecordAuditDrop()
	}
}

// consume is the single background consumer.
func (l *Logger) consume() {
	defer close(l.done)

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*SecurityEvent, 0, l.config.BatchSize)
	for {
		select {
		case event, ok := <-l.queue:
			if !ok {
				l.flush(batch)
				return
			}
			batch = append(batch, event)
			if len(batch) >= l.config.BatchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush stores a batch, falling back to per-event storage when the batch
// call fails. A single per-event failure does not abort the rest.
func (l *Logger) flush(batch []*SecurityEvent) {
	if len(batch) == 0 || l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.config.ShutdownTimeout)
	defer cancel()

	if err := l.store.StoreEvents(ctx, batch); err != nil {
		l.log.Error("batch store failed, storing events individually", zap.Error(err), zap.Int("batch_size", len(batch)))
		for _, event := range batch {
			if err := l.store.StoreEvent(ctx, event); err != nil {
				l.failed.Add(1)
				l.log.Error("event store failed",
					zap.String("event_id", event.ID),
					zap.String("event_type", string(event.EventType)),
					zap.Error(err))
				continue
			}
			l.stored.Add(1)
		}
	} else {
		l.stored.Add(int64(len(batch)))
	}

	if l.exporter != nil {
		if err := l.exporter.ExportBatch(ctx, batch); err != nil {
			l.log.Warn("audit export failed", zap.Error(err), zap.Int("batch_size", len(batch)))
		}
	}
}

// extractContext copies the documented context fields into the event:
// the correlation ID (when it parses as a UUID), the client identity items,
// and any item under a Security:/Auth:/Validation: prefix.
func extractContext(event *SecurityEvent, mc *messaging.MessageContext) {
	if mc.CorrelationID != "" {
		if _, err := uuid.Parse(mc.CorrelationID); err == nil {
			event.CorrelationID = mc.CorrelationID
		}
	}
	event.UserID = mc.StringItem(messaging.ItemUserMessageID)
	event.SourceIP = mc.StringItem(messaging.ItemClientIP)
	event.UserAgent = mc.StringItem(messaging.ItemClientUserAgent)
	event.MessageType = mc.StringItem(messaging.ItemMessageType)

	for key, value := range mc.Items {
		for _, prefix := range additionalDataPrefixes {
			if strings.HasPrefix(key, prefix) {
				if event.AdditionalData == nil {
					event.AdditionalData = make(map[string]any)
				}
				event.AdditionalData[strings.TrimPrefix(key, prefix)] = value
				break
			}
		}
	}
}
