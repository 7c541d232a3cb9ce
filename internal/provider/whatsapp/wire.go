package whatsapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/provider/httpapi"
)

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(status int, body []byte) *provider.Error {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil || e.Error.Code == "" {
		return nil
	}
	code, reason := e.Error.Code, e.Error.Message
	var kind provider.ErrorKind
	switch code {
	case "session_invalid", "logged_out", "unauthorized", "pairing_expired":
		kind = provider.KindSessionExpired
	case "invalid_code", "invalid_phone", "invalid_pin":
		kind = provider.KindInvalidCredential
	case "unavailable", "timeout", "bridge_restarting":
		kind = provider.KindTransientNetwork
	default:
		kind = provider.KindBackendRejected
		if status >= 500 {
			kind = provider.KindTransientNetwork
		}
	}
	return &provider.Error{Kind: kind, Code: code, Reason: reason}
}

type wireSession struct {
	Token string `json:"token"`
	JID   string `json:"jid"`
}

type pairResponse struct {
	Status    string       `json:"status"`
	PairingID string       `json:"pairing_id"`
	Session   *wireSession `json:"session"`
}

const statusTwoStep = "two_step_required"

type wireMessage struct {
	ID        string    `json:"id"`
	ChatJID   string    `json:"chat_jid"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	FromMe    bool      `json:"from_me"`
}

type wireChat struct {
	JID         string       `json:"jid"`
	Name        string       `json:"name"`
	Type        string       `json:"type"`
	Unread      int          `json:"unread"`
	Announce    bool         `json:"announce"`
	Archived    bool         `json:"archived"`
	LastMessage *wireMessage `json:"last_message,omitempty"`
}

type wireStatus struct {
	JID      string `json:"jid"`
	Archived *bool  `json:"archived,omitempty"`
	Announce *bool  `json:"announce,omitempty"`
}

func (m wireMessage) toMessage(p provider.ID) provider.Message {
	dir := provider.Inbound
	if m.FromMe {
		dir = provider.Outbound
	}
	return provider.Message{
		Provider:  p,
		ID:        m.ID,
		ChatID:    m.ChatJID,
		Sender:    m.Sender,
		Body:      m.Body,
		Timestamp: m.Timestamp.UTC(),
		Direction: dir,
		Delivery:  provider.Confirmed,
	}
}

func (c wireChat) toChat(p provider.ID) provider.Chat {
	kind := provider.ChatDirect
	switch c.Type {
	case "group":
		kind = provider.ChatGroup
	case "broadcast", "newsletter":
		kind = provider.ChatChannel
	}
	out := provider.Chat{
		Provider:    p,
		ID:          c.JID,
		Name:        c.Name,
		Kind:        kind,
		CanSend:     !c.Announce && kind != provider.ChatChannel,
		Archived:    c.Archived,
		UnreadCount: c.Unread,
	}
	if c.LastMessage != nil {
		out.Last = provider.Summary{
			MessageID: c.LastMessage.ID,
			Text:      c.LastMessage.Body,
			Timestamp: c.LastMessage.Timestamp.UTC(),
		}
	}
	return out
}

func decodeFrame(p provider.ID) httpapi.FrameDecoder {
	return func(f httpapi.Frame) (provider.Event, bool, error) {
		switch provider.EventType(f.Type) {
		case provider.EventNewMessage:
			var m wireMessage
			if err := json.Unmarshal(f.Payload, &m); err != nil {
				return provider.Event{}, false, fmt.Errorf("new_message payload: %w", err)
			}
			msg := m.toMessage(p)
			return provider.Event{Type: provider.EventNewMessage, Message: &msg}, true, nil
		case provider.EventChatUpdated:
			var c wireChat
			if err := json.Unmarshal(f.Payload, &c); err != nil {
				return provider.Event{}, false, fmt.Errorf("chat_updated payload: %w", err)
			}
			chat := c.toChat(p)
			return provider.Event{Type: provider.EventChatUpdated, Chat: &chat}, true, nil
		case provider.EventStatusChanged:
			var s wireStatus
			if err := json.Unmarshal(f.Payload, &s); err != nil {
				return provider.Event{}, false, fmt.Errorf("status_changed payload: %w", err)
			}
			change := provider.StatusChange{ChatID: s.JID, Archived: s.Archived}
			if s.Announce != nil {
				canSend := !*s.Announce
				change.CanSend = &canSend
			}
			return provider.Event{Type: provider.EventStatusChanged, Status: &change}, true, nil
		}
		return provider.Event{}, false, nil
	}
}

func asError(err error, target **provider.Error) bool {
	return errors.As(err, target)
}
