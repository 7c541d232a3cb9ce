package provider

import (
	"cmp"
	"strings"
	"time"
	"unicode/utf8"
)

// ID names one configured provider instance, e.g. "telegram" or "work-wa".
type ID string

// Kind selects the adapter implementation for a provider.
type Kind string

const (
	KindTelegram Kind = "telegram"
	KindWhatsApp Kind = "whatsapp"
)

// Session is durable proof of authenticated access to a provider.
type Session struct {
	Provider  ID
	UserID    string
	Token     string
	CreatedAt time.Time
	Valid     bool
}

// ChatKind classifies a chat.
type ChatKind string

const (
	ChatDirect  ChatKind = "direct"
	ChatGroup   ChatKind = "group"
	ChatChannel ChatKind = "channel"
)

// Summary is the last-message preview shown in the roster.
type Summary struct {
	MessageID string
	Text      string
	Timestamp time.Time
}

// Chat is one conversation known for a provider. Identity is (Provider, ID).
type Chat struct {
	Provider    ID
	ID          string
	Name        string
	Kind        ChatKind
	CanSend     bool
	Archived    bool
	UnreadCount int
	Last        Summary
}

// Direction tells whether a message was received or sent by us.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Delivery tracks optimistic sends separately from message content.
type Delivery string

const (
	Confirmed Delivery = "confirmed"
	Pending   Delivery = "pending"
	Failed    Delivery = "failed"
)

// Message is a single chat message.
type Message struct {
	Provider  ID
	ID        string
	ChatID    string
	Sender    string
	Body      string
	Timestamp time.Time
	Direction Direction
	Delivery  Delivery
}

// Before reports whether m sorts before o: by timestamp, then id.
func (m Message) Before(o Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return CompareIDs(m.ID, o.ID) < 0
}

// CompareIDs orders message ids within one timestamp: fewer characters
// first, then bytewise. Decimal ids without leading zeros thus sort numerically
// ("9" before "10"); other ids are opaque and only need a stable order.
// The store sorts by (length(msg_id), msg_id) to match.
func CompareIDs(a, b string) int {
	if la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b); la != lb {
		return cmp.Compare(la, lb)
	}
	return strings.Compare(a, b)
}

// EventType tags a realtime push event.
type EventType string

const (
	EventNewMessage    EventType = "new_message"
	EventChatUpdated   EventType = "chat_updated"
	EventStatusChanged EventType = "status_changed"
)

// StatusChange carries flag updates for a chat. Nil fields are unchanged.
type StatusChange struct {
	ChatID   string
	Archived *bool
	CanSend  *bool
}

// Event is one decoded push event. Exactly one of Message, Chat or Status
// is set, according to Type.
type Event struct {
	Type    EventType
	Source  ID
	Message *Message
	Chat    *Chat
	Status  *StatusChange
}

// Handler receives realtime events. It is called synchronously, once per
// event, in transport order.
type Handler func(Event)
