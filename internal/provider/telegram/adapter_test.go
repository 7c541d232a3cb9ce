package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/provider/httpapi"
	"github.com/matheus3301/omnichat/internal/realtime"
)

type bridge struct {
	t   *testing.T
	mu  sync.Mutex
	hit map[string]int
	// bodies holds the last decoded JSON body per path.
	bodies map[string]map[string]string
	auth   map[string]string
	query  map[string]string
	mux    *http.ServeMux
}

func newBridge(t *testing.T) (*bridge, *httptest.Server) {
	b := &bridge{t: t, hit: map[string]int{}, bodies: map[string]map[string]string{}, auth: map[string]string{}, query: map[string]string{}, mux: http.NewServeMux()}
	b.mux.HandleFunc("/updates", func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(b.mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *bridge) record(r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hit[r.URL.Path]++
	b.auth[r.URL.Path] = r.Header.Get("Authorization")
	b.query[r.URL.Path] = r.URL.RawQuery
	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		var m map[string]string
		if json.Unmarshal(raw, &m) == nil {
			b.bodies[r.URL.Path] = m
		}
	}
}

func (b *bridge) handle(path string, status int, body string) {
	b.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		b.record(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
}

func (b *bridge) hits(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hit[path]
}

func (b *bridge) authorization(path string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.auth[path]
}

func (b *bridge) rawQuery(path string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.query[path]
}

func (b *bridge) body(path string) map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bodies[path]
}

func newAdapter(srv *httptest.Server) *Adapter {
	return New(httpapi.Config{
		Provider:       "tg",
		BaseURL:        srv.URL,
		RequestTimeout: 5 * time.Second,
		Policy:         realtime.Policy{Heartbeat: 0, MaxRetries: 1},
	})
}

func kindOf(t *testing.T, err error) provider.ErrorKind {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	return provider.KindOf(err)
}

func TestLoginWithPassword(t *testing.T) {
	b, srv := newBridge(t)
	b.handle("/auth/sendCode", 200, `{"phone_code_hash":"abc123","type":"app"}`)
	b.handle("/auth/signIn", 401, `{"error_code":401,"error_message":"SESSION_PASSWORD_NEEDED"}`)
	b.handle("/auth/checkPassword", 200, `{"session":{"token":"sess-9","user_id":42}}`)
	a := newAdapter(srv)
	ctx := context.Background()

	ch, err := a.RequestChallenge(ctx, "+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if ch.Token != "abc123" || ch.Hint != "app" {
		t.Errorf("challenge = %+v", ch)
	}
	if got := b.body("/auth/sendCode")["phone_number"]; got != "+15551234567" {
		t.Errorf("phone_number = %q", got)
	}

	v, err := a.VerifyChallenge(ctx, ch.Token, "77777")
	if err != nil {
		t.Fatal(err)
	}
	if !v.SecondFactor || v.Session != nil {
		t.Fatalf("verification = %+v, want second factor", v)
	}
	if got := b.body("/auth/signIn"); got["phone_code_hash"] != "abc123" || got["phone_code"] != "77777" {
		t.Errorf("signIn body = %v", got)
	}

	v, err = a.VerifySecondFactor(ctx, ch.Token, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if v.Session == nil || v.Session.Token != "sess-9" || v.Session.UserID != "42" || v.Session.Provider != "tg" {
		t.Errorf("session = %+v", v.Session)
	}
}

func TestSignInDirect(t *testing.T) {
	b, srv := newBridge(t)
	b.handle("/auth/signIn", 200, `{"session":{"token":"sess-9","user_id":7}}`)

	v, err := newAdapter(srv).VerifyChallenge(context.Background(), "abc123", "77777")
	if err != nil {
		t.Fatal(err)
	}
	if v.SecondFactor || v.Session == nil || v.Session.Token != "sess-9" {
		t.Errorf("verification = %+v", v)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   provider.ErrorKind
		code   string
	}{
		{400, `{"error_code":400,"error_message":"PHONE_CODE_INVALID"}`, provider.KindInvalidCredential, "PHONE_CODE_INVALID"},
		{400, `{"error_code":400,"error_message":"PHONE_NUMBER_INVALID"}`, provider.KindInvalidCredential, "PHONE_NUMBER_INVALID"},
		{400, `{"error_code":400,"error_message":"PHONE_CODE_EXPIRED"}`, provider.KindSessionExpired, "PHONE_CODE_EXPIRED"},
		{401, `{"error_code":401,"error_message":"AUTH_KEY_UNREGISTERED"}`, provider.KindSessionExpired, "AUTH_KEY_UNREGISTERED"},
		{401, `{"error_code":401,"error_message":"SESSION_REVOKED"}`, provider.KindSessionExpired, "SESSION_REVOKED"},
		{420, `{"error_code":420,"error_message":"FLOOD_WAIT_30"}`, provider.KindBackendRejected, "FLOOD_WAIT"},
		{500, `{"error_code":500,"error_message":"INTERNAL"}`, provider.KindTransientNetwork, "INTERNAL"},
		{403, `{"error_code":403,"error_message":"CHAT_WRITE_FORBIDDEN"}`, provider.KindBackendRejected, "CHAT_WRITE_FORBIDDEN"},
		{502, `bad gateway`, provider.KindTransientNetwork, "HTTP_502"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			b, srv := newBridge(t)
			b.handle("/auth/sendCode", tt.status, tt.body)

			_, err := newAdapter(srv).RequestChallenge(context.Background(), "+1")
			if got := kindOf(t, err); got != tt.want {
				t.Errorf("kind = %v, want %v (%v)", got, tt.want, err)
			}
			var perr *provider.Error
			if !asError(err, &perr) || perr.Code != tt.code || perr.Provider != "tg" {
				t.Errorf("error = %#v", perr)
			}
		})
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	b, srv := newBridge(t)
	b.handle("/session/connect", 200, `{}`)
	b.handle("/session/disconnect", 200, `{}`)
	a := newAdapter(srv)
	ctx := context.Background()
	s := provider.Session{Provider: "tg", Token: "sess-9"}

	if err := a.Connect(ctx, s); err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(ctx, s); err != nil {
		t.Fatal(err)
	}
	if !a.IsConnected() {
		t.Error("not connected")
	}
	if n := b.hits("/session/connect"); n != 1 {
		t.Errorf("session/connect called %d times, want 1", n)
	}
	if n := b.hits("/updates"); n != 1 {
		t.Errorf("updates dialed %d times, want 1", n)
	}
	if got := b.authorization("/session/connect"); got != "Bearer sess-9" {
		t.Errorf("authorization = %q", got)
	}

	a.Disconnect(ctx)
	if a.IsConnected() {
		t.Error("still connected after Disconnect")
	}
	if n := b.hits("/session/disconnect"); n != 1 {
		t.Errorf("session/disconnect called %d times, want 1", n)
	}
}

func TestConnectRejectedSession(t *testing.T) {
	b, srv := newBridge(t)
	b.handle("/session/connect", 401, `{"error_code":401,"error_message":"SESSION_REVOKED"}`)
	a := newAdapter(srv)

	err := a.Connect(context.Background(), provider.Session{Token: "old"})
	if !provider.IsSessionInvalid(err) {
		t.Fatalf("err = %v, want session invalid", err)
	}
	if b.hits("/updates") != 0 {
		t.Error("channel dialed for a rejected session")
	}
}

func TestDisconnectIgnoresRemoteFailure(t *testing.T) {
	b, srv := newBridge(t)
	b.handle("/session/connect", 200, `{}`)
	b.handle("/session/disconnect", 500, `{"error_code":500,"error_message":"INTERNAL"}`)
	a := newAdapter(srv)

	if err := a.Connect(context.Background(), provider.Session{Token: "sess-9"}); err != nil {
		t.Fatal(err)
	}
	a.Disconnect(context.Background())
	if a.IsConnected() {
		t.Error("still connected")
	}
}

func TestChats(t *testing.T) {
	b, srv := newBridge(t)
	b.handle("/dialogs", 200, `{"dialogs":[
		{"peer":"u1","title":"Alice","type":"user","unread_count":2,"top_message":{"id":9,"text":"hey","date":1700000000}},
		{"peer":"c1","title":"News","type":"channel","read_only":true,"archived":true},
		{"peer":"g1","title":"Team","type":"supergroup"}
	]}`)

	chats, err := newAdapter(srv).Chats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 3 {
		t.Fatalf("got %d chats", len(chats))
	}
	alice := chats[0]
	if alice.ID != "u1" || alice.Kind != provider.ChatDirect || alice.UnreadCount != 2 || !alice.CanSend {
		t.Errorf("alice = %+v", alice)
	}
	if alice.Last.MessageID != "9" || alice.Last.Text != "hey" || alice.Last.Timestamp.Unix() != 1700000000 {
		t.Errorf("alice.Last = %+v", alice.Last)
	}
	if news := chats[1]; news.Kind != provider.ChatChannel || news.CanSend || !news.Archived {
		t.Errorf("news = %+v", news)
	}
	if chats[2].Kind != provider.ChatGroup {
		t.Errorf("team kind = %v", chats[2].Kind)
	}
}

func TestHistoryPaging(t *testing.T) {
	b, srv := newBridge(t)
	b.handle("/messages/history", 200, `{"messages":[
		{"id":12,"from":"alice","text":"second","date":1700000020},
		{"id":11,"from":"me","text":"first","date":1700000010,"out":true}
	],"next_offset_id":11}`)

	page, err := newAdapter(srv).History(context.Background(), "u1", "13")
	if err != nil {
		t.Fatal(err)
	}
	if got := b.rawQuery("/messages/history"); got != "limit=50&offset_id=13&peer=u1" {
		t.Errorf("query = %q", got)
	}
	if len(page.Messages) != 2 || page.Messages[0].ID != "11" || page.Messages[1].ID != "12" {
		t.Fatalf("messages = %+v", page.Messages)
	}
	if page.Messages[0].Direction != provider.Outbound || page.Messages[1].Direction != provider.Inbound {
		t.Error("directions not mapped")
	}
	if page.Messages[0].ChatID != "u1" {
		t.Errorf("chat id = %q", page.Messages[0].ChatID)
	}
	if page.Next != "11" {
		t.Errorf("next = %q", page.Next)
	}
}

func TestSendMessage(t *testing.T) {
	b, srv := newBridge(t)
	b.handle("/session/connect", 200, `{}`)
	b.handle("/messages/send", 200, `{"message":{"id":99,"peer":"u1","text":"hello","date":1700000100}}`)
	a := newAdapter(srv)
	if err := a.Connect(context.Background(), provider.Session{Token: "sess-9"}); err != nil {
		t.Fatal(err)
	}
	defer a.Disconnect(context.Background())

	msg, err := a.SendMessage(context.Background(), "u1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "99" || msg.Direction != provider.Outbound || msg.ChatID != "u1" {
		t.Errorf("msg = %+v", msg)
	}
	body := b.body("/messages/send")
	if body["peer"] != "u1" || body["text"] != "hello" || body["random_id"] == "" {
		t.Errorf("send body = %v", body)
	}
	if got := b.authorization("/messages/send"); got != "Bearer sess-9" {
		t.Errorf("authorization = %q", got)
	}
}

func TestDecodeFrame(t *testing.T) {
	decode := decodeFrame("tg")

	evt, ok, err := decode(httpapi.Frame{Type: "new_message", Payload: json.RawMessage(`{"id":5,"peer":"u1","from":"alice","text":"yo","date":1700000000}`)})
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if evt.Message == nil || evt.Message.ID != "5" || evt.Message.ChatID != "u1" || evt.Message.Provider != "tg" {
		t.Errorf("message = %+v", evt.Message)
	}

	evt, ok, err = decode(httpapi.Frame{Type: "status_changed", Payload: json.RawMessage(`{"peer":"c1","read_only":true}`)})
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if evt.Status == nil || evt.Status.CanSend == nil || *evt.Status.CanSend || evt.Status.Archived != nil {
		t.Errorf("status = %+v", evt.Status)
	}

	evt, ok, err = decode(httpapi.Frame{Type: "chat_updated", Payload: json.RawMessage(`{"peer":"g1","title":"Team","type":"group"}`)})
	if err != nil || !ok || evt.Chat == nil || evt.Chat.Name != "Team" {
		t.Errorf("chat_updated: ok=%v err=%v chat=%+v", ok, err, evt.Chat)
	}

	if _, ok, err := decode(httpapi.Frame{Type: "typing"}); ok || err != nil {
		t.Errorf("unknown frame: ok=%v err=%v", ok, err)
	}
	if _, _, err := decode(httpapi.Frame{Type: "new_message", Payload: json.RawMessage(`[`)}); err == nil {
		t.Error("expected error for bad payload")
	}
}
