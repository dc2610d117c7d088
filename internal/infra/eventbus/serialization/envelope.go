package serialization

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahrav/outbox-armada/internal/domain/events"
)

// universalEnvelope is the self-describing wire format used when events leave
// the process (e.g. the Kafka sink). The payload stays opaque JSON so any
// consumer can route on the type before deciding whether to decode.
type universalEnvelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Position      int64           `json:"position"`
	TenantID      string          `json:"tenant_id"`
	StreamID      string          `json:"stream_id"`
	StreamType    string          `json:"stream_type"`
	Version       int64           `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	ActorID       string          `json:"actor_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MarshalUniversalEnvelope wraps a stored event into the wire envelope.
func MarshalUniversalEnvelope(stored events.StoredEvent) ([]byte, error) {
	env := universalEnvelope{
		EventID:       stored.EventID,
		EventType:     string(stored.Type),
		Payload:       json.RawMessage(stored.Payload),
		Position:      stored.Position,
		TenantID:      stored.TenantID,
		StreamID:      stored.StreamID,
		StreamType:    stored.StreamType,
		Version:       stored.Version,
		CorrelationID: stored.CorrelationID,
		CausationID:   stored.CausationID,
		ActorID:       stored.ActorID,
		CreatedAt:     stored.CreatedAt,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal universal envelope for event %s: %w", stored.EventID, err)
	}
	return data, nil
}

// UnmarshalUniversalEnvelope unpacks the wire envelope, returning the event
// type discriminator and the still-encoded payload bytes.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, []byte, error) {
	var env universalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal universal envelope: %w", err)
	}
	return events.EventType(env.EventType), env.Payload, nil
}
