package store

import "time"

// SessionRow is the stored form of a provider session. Payload is opaque
// to the store; the session store seals it before writing.
type SessionRow struct {
	Provider  string
	Payload   []byte
	Valid     bool
	UpdatedAt time.Time
}

// Chat is one roster entry in the persisted snapshot.
type Chat struct {
	Provider    string
	ChatID      string
	Position    int
	Name        string
	Kind        string
	CanSend     bool
	Archived    bool
	UnreadCount int
	LastMsgID   string
	LastMsgText string
	LastMsgAt   time.Time
}

// Message is one cached message.
type Message struct {
	ID        int64
	Provider  string
	ChatID    string
	MsgID     string
	Sender    string
	Body      string
	Direction string
	Delivery  string
	Timestamp time.Time
}

// OutboxEntry represents an outgoing message and its send state.
type OutboxEntry struct {
	ID           int64
	Provider     string
	ClientMsgID  string
	ChatID       string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}

// SearchResult holds a message with a snippet around the match.
type SearchResult struct {
	Message Message
	Snippet string
}
