package events

import (
	"fmt"
	"strings"
)

// StreamID builds the canonical stream identifier for one aggregate instance,
// e.g. StreamID("Customer", "42") -> "Customer:42".
func StreamID(streamType, aggregateID string) string {
	return fmt.Sprintf("%s:%s", streamType, aggregateID)
}

// StreamTypeOf extracts the stream type from a canonical stream id. It returns
// the whole id when no separator is present.
func StreamTypeOf(streamID string) string {
	if idx := strings.IndexByte(streamID, ':'); idx >= 0 {
		return streamID[:idx]
	}
	return streamID
}
