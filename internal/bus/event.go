package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by vkgrabd components. Subscribers filter by
// namespace prefix, e.g. "conn." or "chat.".
const (
	KindStatusChanged = "conn.status_changed"
	KindEventReceived = "conn.event_received"
	KindGapRecovered  = "conn.gap_recovered"
	KindMessageStored = "chat.message_stored"
	KindChatCreated   = "chat.created"
	KindUserResolved  = "user.resolved"
	KindFileRecovered = "integrity.recovered"
	KindFileCorrupted = "integrity.corrupted"
	KindOpBuffered    = "retry.op_buffered"
	KindBufferFlushed = "retry.buffer_flushed"
)
