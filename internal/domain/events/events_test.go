package events

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStreamID(t *testing.T) {
	assert.Equal(t, "Customer:42", StreamID("Customer", "42"))
	assert.Equal(t, "Customer", StreamTypeOf("Customer:42"))
	assert.Equal(t, "Customer", StreamTypeOf("Customer:42:extra"), "only the first separator splits")
	assert.Equal(t, "bare", StreamTypeOf("bare"))
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "Customer:42:3:evt-1", IdempotencyKey("Customer:42", 3, "evt-1"))

	stored := StoredEvent{StreamID: "Customer:42", Version: 3, EventID: "evt-1"}
	assert.Equal(t, "Customer:42:3:evt-1", stored.IdempotencyKey())
}

func TestDispatched(t *testing.T) {
	var evt StoredEvent
	assert.False(t, evt.Dispatched())

	now := time.Now()
	evt.DispatchedAt = &now
	assert.True(t, evt.Dispatched())
}

func TestConcurrencyConflictError(t *testing.T) {
	cause := errors.New("duplicate key value violates unique constraint")
	conflict := &ConcurrencyConflictError{
		TenantID: "t1",
		StreamID: "Customer:42",
		Version:  3,
		Err:      cause,
	}

	assert.True(t, IsConcurrencyConflict(conflict))
	assert.True(t, IsConcurrencyConflict(fmt.Errorf("append failed: %w", conflict)))
	assert.False(t, IsConcurrencyConflict(cause))
	assert.ErrorIs(t, conflict, cause)
	assert.Contains(t, conflict.Error(), "Customer:42")
}
