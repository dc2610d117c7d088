// Package dispatch wires the outbox drain loop's application-level concerns,
// starting with its metrics.
package dispatch

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/outbox-armada/internal/infra/eventbus/kafka"
	"github.com/ahrav/outbox-armada/internal/infra/outbox"
)

// DispatchMetrics defines metrics operations needed by the dispatcher service.
type DispatchMetrics interface {
	outbox.Metrics
	kafka.PublisherMetrics
}

type dispatchMetrics struct {
	eventsDispatched  metric.Int64Counter
	dispatchFailures  metric.Int64Counter
	messagesPublished metric.Int64Counter
	publishErrors     metric.Int64Counter
}

const namespace = "outbox_dispatcher"

// NewDispatchMetrics creates a new dispatcher metrics instance.
func NewDispatchMetrics(mp metric.MeterProvider) (*dispatchMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(dispatchMetrics)
	var err error

	if m.eventsDispatched, err = meter.Int64Counter(
		"events_dispatched_total",
		metric.WithDescription("Total number of outbox events successfully dispatched"),
	); err != nil {
		return nil, err
	}

	if m.dispatchFailures, err = meter.Int64Counter(
		"dispatch_failures_total",
		metric.WithDescription("Total number of outbox events that failed to dispatch"),
	); err != nil {
		return nil, err
	}

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published to the broker"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of broker publish errors"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *dispatchMetrics) IncEventsDispatched(ctx context.Context, eventType string) {
	m.eventsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *dispatchMetrics) IncDispatchFailures(ctx context.Context, eventType string) {
	m.dispatchFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *dispatchMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *dispatchMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
