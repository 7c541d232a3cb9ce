package api

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/omnichat/internal/auth"
	"github.com/matheus3301/omnichat/internal/hub"
	"github.com/matheus3301/omnichat/internal/msgcache"
	"github.com/matheus3301/omnichat/internal/outbox"
	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/realtime"
	"github.com/matheus3301/omnichat/internal/status"
)

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func chatMap(c provider.Chat) map[string]any {
	return map[string]any{
		"provider":     string(c.Provider),
		"id":           c.ID,
		"name":         c.Name,
		"kind":         string(c.Kind),
		"can_send":     c.CanSend,
		"archived":     c.Archived,
		"unread_count": c.UnreadCount,
		"last_message": map[string]any{
			"id":        c.Last.MessageID,
			"text":      c.Last.Text,
			"timestamp": timeString(c.Last.Timestamp),
		},
	}
}

func chatList(chats []provider.Chat) []any {
	out := make([]any, 0, len(chats))
	for _, c := range chats {
		out = append(out, chatMap(c))
	}
	return out
}

func messageMap(m provider.Message) map[string]any {
	return map[string]any{
		"provider":  string(m.Provider),
		"id":        m.ID,
		"chat_id":   m.ChatID,
		"sender":    m.Sender,
		"body":      m.Body,
		"timestamp": timeString(m.Timestamp),
		"direction": string(m.Direction),
		"delivery":  string(m.Delivery),
	}
}

func messageList(msgs []provider.Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageMap(m))
	}
	return out
}

func hitList(hits []msgcache.Hit) []any {
	out := make([]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{"message": messageMap(h.Message), "snippet": h.Snippet})
	}
	return out
}

func authMap(s auth.State) map[string]any {
	return map[string]any{
		"provider":        string(s.Provider),
		"step":            s.Step.String(),
		"identifier_hash": s.IdentifierHash,
		"hint":            s.Hint,
		"reason":          s.Reason,
		"retryable":       s.Retryable,
	}
}

func statusMap(s hub.Status) map[string]any {
	return map[string]any{
		"provider":       string(s.Provider),
		"kind":           string(s.Kind),
		"channel":        string(s.Channel),
		"failures":       s.Failures,
		"last_activity":  timeString(s.LastActivity),
		"degraded":       s.Degraded,
		"halted":         s.Halted,
		"last_error":     s.LastError,
		"has_session":    s.HasSession,
		"auth":           authMap(s.Auth),
		"chats":          s.Chats,
		"cache_disabled": s.CacheDisabled,
	}
}

func noticeMap(n realtime.Notice) map[string]any {
	out := map[string]any{
		"provider":      string(n.Provider),
		"state":         string(n.State),
		"failures":      n.Failures,
		"degraded":      n.Degraded,
		"halted":        n.Halted,
		"next_retry_ms": n.NextRetry.Milliseconds(),
	}
	if n.Err != nil {
		out["error"] = n.Err.Error()
	}
	return out
}

// payloadValue converts a bus payload to a Struct-compatible value.
func payloadValue(payload any) any {
	switch p := payload.(type) {
	case nil:
		return nil
	case string:
		return p
	case provider.Message:
		return messageMap(p)
	case []provider.Chat:
		return map[string]any{"chats": chatList(p)}
	case auth.State:
		return authMap(p)
	case realtime.Notice:
		return noticeMap(p)
	case status.StatusChange:
		return map[string]any{"provider": p.Provider, "from": string(p.From), "to": string(p.To)}
	case outbox.SendAck:
		return map[string]any{"client_msg_id": p.ClientMsgID, "message": messageMap(p.Message)}
	case outbox.SendFailure:
		out := map[string]any{"client_msg_id": p.ClientMsgID, "chat_id": p.ChatID}
		if p.Err != nil {
			out["error"] = p.Err.Error()
		}
		return out
	default:
		return fmt.Sprint(p)
	}
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return s, nil
}

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func intField(in *structpb.Struct, key string, def int) int {
	v, ok := in.GetFields()[key]
	if !ok {
		return def
	}
	return int(v.GetNumberValue())
}
