package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, e.g. "conversation." or "notice.".
const (
	KindConnStateChanged      = "conn.state_changed"
	KindConversationAppended  = "conversation.appended"
	KindConversationReconcile = "conversation.reconciled"
	KindConversationFailed    = "conversation.failed"
	KindPresenceChanged       = "presence.changed"
	KindTypingChanged         = "typing.changed"
	KindNoticeSystem          = "notice.system"
	KindNoticeError           = "notice.error"
	KindNoticeTransient       = "notice.transient"
	KindNoticeFatal           = "notice.fatal"
)

// Notice is the payload of notice.* events: text meant for the user.
type Notice struct {
	Text string
}
