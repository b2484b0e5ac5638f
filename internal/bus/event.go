package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Message event kinds.
const (
	KindMsgsChanged   = "msgs.changed"
	KindMsgsDeleted   = "msgs.deleted"
	KindMsgsDelivered = "msgs.delivered"
	KindMsgsIncoming  = "msgs.incoming"
)

// MsgRef is the payload for message events.
type MsgRef struct {
	ChatID int64
	MsgID  int64
}
