package serialization

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/outbox-armada/internal/domain/events"
	serializationerrors "github.com/ahrav/outbox-armada/internal/infra/eventbus/serialization/errors"
)

const testAccountOpenedType = events.EventType("test.account_opened")

type testAccountOpened struct {
	AccountID string    `json:"account_id"`
	Owner     string    `json:"owner"`
	OpenedAt  time.Time `json:"opened_at"`
}

func (e testAccountOpened) EventType() events.EventType { return testAccountOpenedType }
func (e testAccountOpened) OccurredAt() time.Time       { return e.OpenedAt }

func init() {
	RegisterJSONEvent[testAccountOpened](testAccountOpenedType)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	opened := testAccountOpened{
		AccountID: "acct-123",
		Owner:     "alice",
		OpenedAt:  time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
	}

	envelope, err := Serialize(opened)
	require.NoError(t, err)
	assert.Equal(t, testAccountOpenedType, envelope.Type)
	assert.NotEmpty(t, envelope.EventID, "serialize must assign an event id")

	decoded, err := Deserialize(envelope.Type, envelope.Payload)
	require.NoError(t, err)

	got, ok := decoded.(testAccountOpened)
	require.True(t, ok, "expected testAccountOpened, got %T", decoded)
	assert.Equal(t, opened, got)
}

func TestSerializeOptions(t *testing.T) {
	envelope, err := Serialize(testAccountOpened{AccountID: "acct-1"},
		WithEventID("evt-42"),
		WithCorrelationID("corr-1"),
		WithCausationID("cause-1"),
		WithActorID("user-1"),
	)
	require.NoError(t, err)

	assert.Equal(t, "evt-42", envelope.EventID)
	assert.Equal(t, "corr-1", envelope.CorrelationID)
	assert.Equal(t, "cause-1", envelope.CausationID)
	assert.Equal(t, "user-1", envelope.ActorID)
}

func TestSerializeNilEvent(t *testing.T) {
	_, err := Serialize(nil)
	require.Error(t, err)

	var nilErr serializationerrors.ErrNilEvent
	assert.ErrorAs(t, err, &nilErr)
}

func TestDeserializeUnknownEventType(t *testing.T) {
	_, err := Deserialize(events.EventType("test.never_registered"), []byte(`{}`))
	require.Error(t, err)

	var unknownErr serializationerrors.UnknownEventTypeError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "test.never_registered", unknownErr.EventType)
}

func TestDeserializeMalformedPayload(t *testing.T) {
	_, err := Deserialize(testAccountOpenedType, []byte(`{not valid json`))
	require.Error(t, err)

	var malformedErr serializationerrors.MalformedPayloadError
	assert.ErrorAs(t, err, &malformedErr)
}

func TestDeserializeStoredAnnotatesFailures(t *testing.T) {
	stored := events.StoredEvent{
		Position: 77,
		StreamID: "Account:acct-9",
		Type:     events.EventType("test.never_registered"),
		Payload:  []byte(`{}`),
	}

	_, err := DeserializeStored(stored)
	require.Error(t, err)

	var unknownErr serializationerrors.UnknownEventTypeError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "Account:acct-9", unknownErr.StreamID)
	assert.Equal(t, int64(77), unknownErr.Position)

	stored.Type = testAccountOpenedType
	stored.Payload = []byte(`{broken`)
	_, err = DeserializeStored(stored)
	require.Error(t, err)

	var malformedErr serializationerrors.MalformedPayloadError
	require.ErrorAs(t, err, &malformedErr)
	assert.Equal(t, "Account:acct-9", malformedErr.StreamID)
	assert.Equal(t, int64(77), malformedErr.Position)
}

func TestRegisterDeserializeFuncOverrides(t *testing.T) {
	custom := events.EventType("test.custom_decoder")
	sentinel := errors.New("custom decoder invoked")
	RegisterDeserializeFunc(custom, func(data []byte) (events.DomainEvent, error) {
		return nil, sentinel
	})

	require.True(t, Registered(custom))
	_, err := Deserialize(custom, []byte(`{}`))
	assert.ErrorIs(t, err, sentinel)
}

func TestUniversalEnvelopeRoundTrip(t *testing.T) {
	stored := events.StoredEvent{
		Position:      12,
		TenantID:      "t1",
		StreamID:      "Account:acct-1",
		StreamType:    "Account",
		Version:       3,
		EventID:       "evt-1",
		Type:          testAccountOpenedType,
		Payload:       []byte(`{"account_id":"acct-1","owner":"bob","opened_at":"2026-01-15T10:30:00Z"}`),
		CorrelationID: "corr-9",
		CreatedAt:     time.Date(2026, 1, 15, 10, 30, 1, 0, time.UTC),
	}

	data, err := MarshalUniversalEnvelope(stored)
	require.NoError(t, err)

	eventType, payload, err := UnmarshalUniversalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, testAccountOpenedType, eventType)

	decoded, err := Deserialize(eventType, payload)
	require.NoError(t, err)
	got, ok := decoded.(testAccountOpened)
	require.True(t, ok)
	assert.Equal(t, "acct-1", got.AccountID)
	assert.Equal(t, "bob", got.Owner)
}
