// Package provider defines the local model of chats and messages, the
// error taxonomy shared by all backends, and the capability contract every
// backend adapter implements.
package provider

import "context"

// Page is one backward page of history. Next is the cursor for the
// following (older) page; empty when there are no more messages.
type Page struct {
	Messages []Message
	Next     string
}

// Adapter is the uniform capability contract implemented once per backend.
// Implementations are selected by Kind at construction time.
type Adapter interface {
	ID() ID
	Kind() Kind

	// Connect registers the session with the backend and opens the
	// realtime channel. Calling it again with the same valid session does
	// not create duplicate backend state.
	Connect(ctx context.Context, s Session) error

	// Disconnect releases backend-side resources. It always succeeds
	// locally; remote failures are logged.
	Disconnect(ctx context.Context)

	// IsConnected is a local liveness check.
	IsConnected() bool

	// Chats fetches the full roster in backend order.
	Chats(ctx context.Context) ([]Chat, error)

	// History fetches one page going backwards. An empty cursor means the
	// most recent page.
	History(ctx context.Context, chatID, cursor string) (Page, error)

	// SendMessage delivers body and returns the backend-confirmed message.
	SendMessage(ctx context.Context, chatID, body string) (Message, error)

	// MarkRead reports that chatID was read.
	MarkRead(ctx context.Context, chatID string) error

	// Logout revokes the session on the backend.
	Logout(ctx context.Context, s Session) error

	// Subscribe registers h for realtime events and returns a function
	// that removes it.
	Subscribe(h Handler) (unsubscribe func())
}
