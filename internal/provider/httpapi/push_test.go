package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/matheus3301/omnichat/internal/provider"
)

func asProviderError(err error, target **provider.Error) bool {
	return errors.As(err, target)
}

func decodeText(f Frame) (provider.Event, bool, error) {
	if f.Type != "new_message" {
		return provider.Event{}, false, nil
	}
	var p struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return provider.Event{}, false, err
	}
	return provider.Event{
		Type:    provider.EventNewMessage,
		Message: &provider.Message{ID: p.ID, Body: p.Text},
	}, true, nil
}

// pushServer accepts one websocket, runs script on it and reports the
// Authorization header it saw.
func pushServer(t *testing.T, script func(ctx context.Context, c *websocket.Conn)) (*httptest.Server, chan string) {
	t.Helper()
	auth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer revoked" {
			http.Error(w, "revoked", http.StatusUnauthorized)
			return
		}
		auth <- r.Header.Get("Authorization")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		script(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return srv, auth
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/updates"
}

func TestPushReadsFramesAndSkipsUnknown(t *testing.T) {
	srv, auth := pushServer(t, func(ctx context.Context, c *websocket.Conn) {
		_ = wsjson.Write(ctx, c, Frame{Type: "typing", Payload: json.RawMessage(`{}`)})
		_ = wsjson.Write(ctx, c, Frame{Type: "new_message", Payload: json.RawMessage(`{"id":"m1","text":"hi"}`), Source: "tg-work"})
		_ = wsjson.Write(ctx, c, Frame{Type: "new_message", Payload: json.RawMessage(`{"id":"m2","text":"there"}`)})
		c.Close(websocket.StatusInternalError, "bridge restarting")
	})

	d := NewPushDialer(PushOptions{Provider: "tg", URL: wsURL(srv), Decode: decodeText})
	conn, err := d.Dial(context.Background(), provider.Session{Token: "sess-9"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close("test done") }()
	if got := <-auth; got != "Bearer sess-9" {
		t.Errorf("authorization = %q", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.Message.ID != "m1" || first.Source != "tg-work" {
		t.Errorf("first event = %+v", first)
	}
	second, err := conn.Read(ctx)
	if err != nil || second.Message.ID != "m2" {
		t.Fatalf("second event = %+v, %v", second, err)
	}

	_, err = conn.Read(ctx)
	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Kind != provider.KindChannelClosed || perr.CloseCode != int(websocket.StatusInternalError) {
		t.Fatalf("error = %v, want channel closed 1011", err)
	}
	if perr.Reason != "bridge restarting" {
		t.Errorf("reason = %q", perr.Reason)
	}
}

func TestPushSkipsUndecodableFrame(t *testing.T) {
	srv, _ := pushServer(t, func(ctx context.Context, c *websocket.Conn) {
		_ = wsjson.Write(ctx, c, Frame{Type: "new_message", Payload: json.RawMessage(`"not an object"`)})
		_ = wsjson.Write(ctx, c, Frame{Type: "new_message", Payload: json.RawMessage(`{"id":"m3","text":"after"}`)})
		<-ctx.Done()
	})

	d := NewPushDialer(PushOptions{Provider: "tg", URL: wsURL(srv), Decode: decodeText})
	conn, err := d.Dial(context.Background(), provider.Session{Token: "sess-9"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close("test done") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	evt, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("bad frame ended the channel: %v", err)
	}
	if evt.Message == nil || evt.Message.ID != "m3" {
		t.Errorf("event = %+v, want m3", evt)
	}
}

func TestPushSessionCloseCodeIsSessionExpired(t *testing.T) {
	srv, _ := pushServer(t, func(ctx context.Context, c *websocket.Conn) {
		c.Close(CloseSessionInvalid, "session revoked")
	})

	d := NewPushDialer(PushOptions{Provider: "tg", URL: wsURL(srv), Decode: decodeText})
	conn, err := d.Dial(context.Background(), provider.Session{Token: "sess-9"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close("") }()

	_, err = conn.Read(context.Background())
	if !provider.IsSessionInvalid(err) {
		t.Errorf("error = %v, want session expired", err)
	}
}

func TestPushDialRefusedIsSessionExpired(t *testing.T) {
	srv, _ := pushServer(t, func(context.Context, *websocket.Conn) {})

	d := NewPushDialer(PushOptions{Provider: "tg", URL: wsURL(srv), Decode: decodeText})
	_, err := d.Dial(context.Background(), provider.Session{Token: "revoked"})
	if !provider.IsSessionInvalid(err) {
		t.Errorf("error = %v, want session expired", err)
	}
}

func TestPushDialUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	d := NewPushDialer(PushOptions{Provider: "tg", URL: url, Decode: decodeText})
	_, err := d.Dial(context.Background(), provider.Session{Token: "x"})
	if provider.KindOf(err) != provider.KindTransientNetwork {
		t.Errorf("error = %v, want transient", err)
	}
}
