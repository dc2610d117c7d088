// Package eventdispatcher routes decoded domain events to their registered
// handlers. Following a simple event routing pattern, it ensures each event
// type has exactly one handler responsible for processing events of that type.
package eventdispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/outbox-armada/internal/domain/events"
	"github.com/ahrav/outbox-armada/pkg/common/logger"
)

// Dispatcher manages event handlers and dispatches events to their registered
// handler. It is the in-process publish sink the outbox drain loop pushes
// events into.
//
// Typical usage:
//
//	dispatcher := eventdispatcher.New("dispatcher-1", tracer, logger)
//	if err := dispatcher.RegisterHandler(ctx, customerProjector); err != nil { ... }
//	err := dispatcher.Dispatch(ctx, stored, event)
type Dispatcher struct {
	id string

	mu       sync.RWMutex
	handlers map[events.EventType]events.HandlerFunc

	tracer trace.Tracer
	logger *logger.Logger
}

// New constructs a Dispatcher with an empty registry; handlers must be
// registered before dispatching any events.
func New(id string, tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	logger = logger.With("component", "event_dispatcher")
	return &Dispatcher{
		id:       id,
		handlers: make(map[events.EventType]events.HandlerFunc),
		tracer:   tracer,
		logger:   logger,
	}
}

// HandlerNotFoundError indicates no handler was registered for an event type.
type HandlerNotFoundError struct {
	EventType events.EventType
	Position  int64
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s (position: %d)", e.EventType, e.Position)
}

// HandlerAlreadyRegisteredError indicates a second handler claimed an event
// type that already has one.
type HandlerAlreadyRegisteredError struct{ EventType events.EventType }

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for event type: %s", e.EventType)
}

// RegisterHandler associates a handler with every event type it supports.
// Exactly one handler may own an event type; a conflict returns
// HandlerAlreadyRegisteredError without registering any of the handler's types.
//
// This method is safe to call concurrently.
func (d *Dispatcher) RegisterHandler(ctx context.Context, handler events.EventHandler) error {
	supported := handler.SupportedEvents()
	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(
			attribute.Int("event_type_count", len(supported)),
		),
	)
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, eventType := range supported {
		if _, exists := d.handlers[eventType]; exists {
			err := &HandlerAlreadyRegisteredError{EventType: eventType}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	for _, eventType := range supported {
		d.handlers[eventType] = handler.HandleEvent
		d.logger.Debug(ctx, "handler registered", "event_type", eventType, "handler_type", fmt.Sprintf("%T", handler))
	}
	span.AddEvent("handlers_registered")
	span.SetStatus(codes.Ok, "handlers registered")
	return nil
}

// Dispatch routes one decoded event to its registered handler. If the handler
// returns an error, dispatch stops and returns that error so the caller can
// leave the event undispatched for retry.
func (d *Dispatcher) Dispatch(ctx context.Context, stored events.StoredEvent, event events.DomainEvent) error {
	log := logger.NewLoggerContext(d.logger.With("operation", "dispatch",
		"event_type", stored.Type,
		"stream_id", stored.StreamID,
		"position", stored.Position,
	))
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", string(stored.Type)),
			attribute.String("stream_id", stored.StreamID),
			attribute.Int64("position", stored.Position),
		))
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[stored.Type]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{EventType: stored.Type, Position: stored.Position}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := handler(ctx, stored, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to dispatch event type %s at position %d: %w",
			stored.Type, stored.Position, err,
		)
	}

	span.SetStatus(codes.Ok, "event dispatched successfully")
	log.Debug(ctx, "event dispatched successfully")
	return nil
}

// Publish implements events.Publisher so the Dispatcher can be used directly
// as the outbox drain loop's sink.
func (d *Dispatcher) Publish(ctx context.Context, stored events.StoredEvent, event events.DomainEvent) error {
	return d.Dispatch(ctx, stored, event)
}
