package store

// Conversation is the archived summary of one conversation.
type Conversation struct {
	Key                string
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is one archived message. Timestamps are unix milliseconds.
type Message struct {
	LocalID         string
	ServerID        string
	CorrelationID   string
	ConversationKey string
	Sender          string
	Kind            string
	Body            string
	// Attachments is a JSON array of attachment references.
	Attachments string
	State       string
	Outgoing    bool
	SentAt      int64
}
