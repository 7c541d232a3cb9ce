package telegram

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/provider/httpapi"
)

// apiError is the gateway's error body.
type apiError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_message"`
}

const codePasswordNeeded = "SESSION_PASSWORD_NEEDED"

var (
	sessionCodes = map[string]bool{
		"AUTH_KEY_UNREGISTERED": true,
		"AUTH_KEY_DUPLICATED":   true,
		"SESSION_REVOKED":       true,
		"SESSION_EXPIRED":       true,
		"USER_DEACTIVATED":      true,
		"PHONE_CODE_EXPIRED":    true,
	}
	credentialCodes = map[string]bool{
		"PHONE_NUMBER_INVALID":  true,
		"PHONE_CODE_INVALID":    true,
		"PHONE_CODE_EMPTY":      true,
		"PASSWORD_HASH_INVALID": true,
	}
)

// decodeError classifies {error_code, error_message} bodies by the
// upper-case error identifier, never by free text.
func decodeError(status int, body []byte) *provider.Error {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil || e.Message == "" {
		return nil
	}
	code := e.Message
	switch {
	case code == codePasswordNeeded:
		return &provider.Error{Kind: provider.KindBackendRejected, Code: code, Reason: "cloud password required"}
	case sessionCodes[code]:
		return &provider.Error{Kind: provider.KindSessionExpired, Code: code}
	case credentialCodes[code]:
		return &provider.Error{Kind: provider.KindInvalidCredential, Code: code}
	case strings.HasPrefix(code, "FLOOD_WAIT_"):
		secs := strings.TrimPrefix(code, "FLOOD_WAIT_")
		return &provider.Error{Kind: provider.KindBackendRejected, Code: "FLOOD_WAIT", Reason: "retry after " + secs + "s"}
	case e.Code >= 500 || e.Code == -500 || status >= 500:
		return &provider.Error{Kind: provider.KindTransientNetwork, Code: code}
	default:
		if status == http.StatusUnauthorized {
			return &provider.Error{Kind: provider.KindSessionExpired, Code: code}
		}
		return &provider.Error{Kind: provider.KindBackendRejected, Code: code}
	}
}

type wireSession struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

type wireMessage struct {
	ID   int64  `json:"id"`
	Peer string `json:"peer"`
	From string `json:"from"`
	Text string `json:"text"`
	Date int64  `json:"date"`
	Out  bool   `json:"out"`
}

type wireDialog struct {
	Peer        string       `json:"peer"`
	Title       string       `json:"title"`
	Type        string       `json:"type"`
	UnreadCount int          `json:"unread_count"`
	ReadOnly    bool         `json:"read_only"`
	Archived    bool         `json:"archived"`
	TopMessage  *wireMessage `json:"top_message,omitempty"`
}

type wireStatus struct {
	Peer     string `json:"peer"`
	Archived *bool  `json:"archived,omitempty"`
	ReadOnly *bool  `json:"read_only,omitempty"`
}

func (m wireMessage) toMessage(p provider.ID) provider.Message {
	dir := provider.Inbound
	if m.Out {
		dir = provider.Outbound
	}
	return provider.Message{
		Provider:  p,
		ID:        strconv.FormatInt(m.ID, 10),
		ChatID:    m.Peer,
		Sender:    m.From,
		Body:      m.Text,
		Timestamp: time.Unix(m.Date, 0).UTC(),
		Direction: dir,
		Delivery:  provider.Confirmed,
	}
}

func (d wireDialog) toChat(p provider.ID) provider.Chat {
	kind := provider.ChatDirect
	switch d.Type {
	case "group", "supergroup":
		kind = provider.ChatGroup
	case "channel":
		kind = provider.ChatChannel
	}
	c := provider.Chat{
		Provider:    p,
		ID:          d.Peer,
		Name:        d.Title,
		Kind:        kind,
		CanSend:     !d.ReadOnly,
		Archived:    d.Archived,
		UnreadCount: d.UnreadCount,
	}
	if d.TopMessage != nil {
		c.Last = provider.Summary{
			MessageID: strconv.FormatInt(d.TopMessage.ID, 10),
			Text:      d.TopMessage.Text,
			Timestamp: time.Unix(d.TopMessage.Date, 0).UTC(),
		}
	}
	return c
}

// decodeFrame maps push frames onto events.
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
			var d wireDialog
			if err := json.Unmarshal(f.Payload, &d); err != nil {
				return provider.Event{}, false, fmt.Errorf("chat_updated payload: %w", err)
			}
			c := d.toChat(p)
			return provider.Event{Type: provider.EventChatUpdated, Chat: &c}, true, nil
		case provider.EventStatusChanged:
			var s wireStatus
			if err := json.Unmarshal(f.Payload, &s); err != nil {
				return provider.Event{}, false, fmt.Errorf("status_changed payload: %w", err)
			}
			change := provider.StatusChange{ChatID: s.Peer, Archived: s.Archived}
			if s.ReadOnly != nil {
				canSend := !*s.ReadOnly
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
