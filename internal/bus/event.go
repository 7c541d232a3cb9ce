package bus

import "time"

// Event kinds. Subscribers filter by prefix ("channel.", "roster.", ...).
const (
	KindChannelStatus   = "channel.status_changed"
	KindChannelNotice   = "channel.notice"
	KindAuthStep        = "auth.step_changed"
	KindSessionInvalid  = "auth.session_invalidated"
	KindRosterChanged   = "roster.changed"
	KindMessageUpserted = "message.upserted"
	KindMessageSendAck  = "message.send_ack"
	KindMessageFailed   = "message.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Source    string // provider id, empty for profile-wide events
	Timestamp time.Time
	Payload   any
}
