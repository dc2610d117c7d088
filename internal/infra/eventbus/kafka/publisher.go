// Package kafka provides a Kafka-backed publish sink for the outbox drain
// loop. Events are written as universal JSON envelopes, partitioned by stream
// id so every stream's events land in one partition in append order.
package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/outbox-armada/internal/domain/events"
	"github.com/ahrav/outbox-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/outbox-armada/pkg/common/logger"
)

// PublisherMetrics defines metrics operations needed to monitor Kafka message
// publishing.
type PublisherMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
}

// Config contains settings for connecting to Kafka and routing events to
// topics.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// Topic is the default topic events are published to.
	Topic string

	// TopicOverrides maps individual event types to dedicated topics.
	TopicOverrides map[events.EventType]string

	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

var _ events.Publisher = (*Publisher)(nil)

// Publisher implements events.Publisher on top of a sarama SyncProducer.
// Publishes are synchronous and wait for acknowledgment from all in-sync
// replicas, so a nil return means the broker durably has the message and the
// outbox row can be marked dispatched.
type Publisher struct {
	producer sarama.SyncProducer

	topic          string
	topicOverrides map[events.EventType]string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics PublisherMetrics
}

// NewPublisher creates a Kafka publisher from the provided configuration.
func NewPublisher(
	cfg *Config,
	log *logger.Logger,
	metrics PublisherMetrics,
	tracer trace.Tracer,
) (*Publisher, error) {
	producerConfig := sarama.NewConfig()
	producerConfig.ClientID = cfg.ClientID
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Partitioner = sarama.NewHashPartitioner
	producerConfig.Version = sarama.V3_6_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return newPublisher(producer, cfg, log, metrics, tracer), nil
}

// NewPublisherFromProducer wraps an existing producer; used by tests with
// sarama mocks.
func NewPublisherFromProducer(
	producer sarama.SyncProducer,
	cfg *Config,
	log *logger.Logger,
	metrics PublisherMetrics,
	tracer trace.Tracer,
) *Publisher {
	return newPublisher(producer, cfg, log, metrics, tracer)
}

func newPublisher(
	producer sarama.SyncProducer,
	cfg *Config,
	log *logger.Logger,
	metrics PublisherMetrics,
	tracer trace.Tracer,
) *Publisher {
	return &Publisher{
		producer:       producer,
		topic:          cfg.Topic,
		topicOverrides: cfg.TopicOverrides,
		logger:         log.With("component", "kafka_publisher"),
		tracer:         tracer,
		metrics:        metrics,
	}
}

// Publish writes one stored event to Kafka as a universal envelope. The
// decoded event is unused here; the wire format carries the raw payload so
// consumers deserialize with their own registries.
func (p *Publisher) Publish(ctx context.Context, stored events.StoredEvent, _ events.DomainEvent) error {
	topic := p.topicFor(stored.Type)
	ctx, span := p.tracer.Start(ctx, "kafka_publisher.publish",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("event_type", string(stored.Type)),
			attribute.String("stream_id", stored.StreamID),
			attribute.Int64("position", stored.Position),
		))
	defer span.End()

	value, err := serialization.MarshalUniversalEnvelope(stored)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal envelope for position %d: %w", stored.Position, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(stored.StreamID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(stored.Type)},
			{Key: []byte("event_id"), Value: []byte(stored.EventID)},
			{Key: []byte("tenant_id"), Value: []byte(stored.TenantID)},
		},
		Timestamp: stored.CreatedAt,
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncPublishError(ctx, topic)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to publish event %s to topic %s: %w", stored.EventID, topic, err)
	}

	if p.metrics != nil {
		p.metrics.IncMessagePublished(ctx, topic)
	}
	span.SetAttributes(
		attribute.Int64("partition", int64(partition)),
		attribute.Int64("offset", offset),
	)
	span.SetStatus(codes.Ok, "event published")
	p.logger.Debug(ctx, "event published",
		"topic", topic,
		"event_type", stored.Type,
		"position", stored.Position,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

func (p *Publisher) topicFor(eventType events.EventType) string {
	if topic, ok := p.topicOverrides[eventType]; ok {
		return topic
	}
	return p.topic
}

// Close flushes and shuts down the underlying producer.
func (p *Publisher) Close() error { return p.producer.Close() }
