// Package kafka implements the Kafka outbound transport. Endpoints map to
// topics; the correlation ID keys each record so related messages land on
// the same partition.
package kafka

import (
	"context"
	"time"

	segmentio "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"dev.helix.dispatch/messaging"
)

// TransportName is the name this transport registers under.
const TransportName = "kafka"

// Config configures the Kafka transport.
type Config struct {
	// Brokers lists the bootstrap brokers.
	Brokers []string `json:"brokers" yaml:"brokers"`
	// BatchTimeout bounds how long the writer buffers before flushing.
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
	// RequireAll waits for all in-sync replicas to acknowledge.
	RequireAll bool `json:"require_all" yaml:"require_all"`
	// AutoCreateTopics lets the writer create missing topics.
	AutoCreateTopics bool `json:"auto_create_topics" yaml:"auto_create_topics"`
}

// DefaultConfig returns the default Kafka configuration.
func DefaultConfig() Config {
	return Config{
		Brokers:          []string{"localhost:9092"},
		BatchTimeout:     10 * time.Millisecond,
		RequireAll:       true,
		AutoCreateTopics: true,
	}
}

// Transport publishes messages to Kafka topics.
type Transport struct {
	writer     *segmentio.Writer
	serializer messaging.Serializer
	logger     *zap.Logger
}

// New creates a Kafka transport. A nil serializer defaults to JSON.
func New(config Config, serializer messaging.Serializer, logger *zap.Logger) *Transport {
	if serializer == nil {
		serializer = messaging.JSONSerializer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	acks := segmentio.RequireOne
	if config.RequireAll {
		acks = segmentio.RequireAll
	}
	writer := &segmentio.Writer{
		Addr:                   segmentio.TCP(config.Brokers...),
		Balancer:               &segmentio.Hash{},
		BatchTimeout:           config.BatchTimeout,
		RequiredAcks:           acks,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	logger.Info("kafka transport configured", zap.Strings("brokers", config.Brokers))
	return &Transport{writer: writer, serializer: serializer, logger: logger}
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return TransportName }

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, endpoint string, msg messaging.Message, _ *messaging.MessageContext) error {
	body, err := t.serializer.Serialize(msg.Body())
	if err != nil {
		return err
	}

	key := msg.CorrelationID()
	if key == "" {
		key = msg.MessageID()
	}

	record := segmentio.Message{
		Topic: endpoint,
		Key:   []byte(key),
		Value: body,
		Time:  msg.Timestamp(),
		Headers: []segmentio.Header{
			{Key: "message_id", Value: []byte(msg.MessageID())},
			{Key: "message_type", Value: []byte(msg.MessageType())},
			{Key: "kind", Value: []byte(msg.Kind().String())},
			{Key: "content_type", Value: []byte(t.serializer.ContentType())},
		},
	}
	if hh, ok := msg.(messaging.HasHeaders); ok {
		for _, name := range hh.Headers().Names() {
			if value, found := hh.Headers().Get(name); found {
				record.Headers = append(record.Headers, segmentio.Header{Key: name, Value: []byte(value)})
			}
		}
	}

	if err := t.writer.WriteMessages(ctx, record); err != nil {
		return messaging.NewDispatchError(messaging.ErrCodeTransportUnavailable, "kafka write failed", err).
			WithMessageID(msg.MessageID()).
			WithDetail("topic", endpoint)
	}
	return nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	return t.writer.Close()
}
