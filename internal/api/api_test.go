package api

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/omnichat/internal/auth"
	"github.com/matheus3301/omnichat/internal/bus"
	"github.com/matheus3301/omnichat/internal/clock"
	"github.com/matheus3301/omnichat/internal/hub"
	"github.com/matheus3301/omnichat/internal/msgcache"
	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/provider/httpapi"
	"github.com/matheus3301/omnichat/internal/realtime"
	"github.com/matheus3301/omnichat/internal/sealed"
	"github.com/matheus3301/omnichat/internal/store"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type idleConn struct {
	closed chan struct{}
	once   sync.Once
}

func (c *idleConn) Read(ctx context.Context) (provider.Event, error) {
	select {
	case <-c.closed:
		return provider.Event{}, errors.New("closed")
	case <-ctx.Done():
		return provider.Event{}, ctx.Err()
	}
}

func (c *idleConn) Ping(context.Context) error { return nil }

func (c *idleConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// stubBackend logs in with code 2468 and serves a fixed roster.
type stubBackend struct {
	id      provider.ID
	channel *realtime.Manager
}

func newStubBackend(pc hub.ProviderConfig, cfg httpapi.Config) (hub.Backend, error) {
	b := &stubBackend{id: pc.ID}
	b.channel = realtime.NewManager(realtime.Options{
		Provider: pc.ID,
		Dialer: realtime.DialFunc(func(context.Context, provider.Session) (realtime.Conn, error) {
			return &idleConn{closed: make(chan struct{})}, nil
		}),
		Policy:   cfg.Policy,
		Clock:    cfg.Clock,
		Bus:      cfg.Bus,
		OnNotice: cfg.OnNotice,
	})
	return b, nil
}

func (b *stubBackend) ID() provider.ID                                 { return b.id }
func (b *stubBackend) Kind() provider.Kind                             { return provider.KindWhatsApp }
func (b *stubBackend) Channel() *realtime.Manager                      { return b.channel }
func (b *stubBackend) IsConnected() bool                               { return b.channel.IsOpen() }
func (b *stubBackend) Disconnect(context.Context)                       { b.channel.Disconnect() }
func (b *stubBackend) MarkRead(context.Context, string) error          { return nil }
func (b *stubBackend) Subscribe(h provider.Handler) func()             { return b.channel.Subscribe(h) }
func (b *stubBackend) Logout(context.Context, provider.Session) error  { return nil }
func (b *stubBackend) Connect(ctx context.Context, s provider.Session) error {
	return b.channel.Connect(ctx, s)
}

func (b *stubBackend) Chats(context.Context) ([]provider.Chat, error) {
	return []provider.Chat{
		{Provider: b.id, ID: "alice", Name: "Alice", Kind: provider.ChatDirect, CanSend: true},
		{Provider: b.id, ID: "updates", Name: "Updates", Kind: provider.ChatChannel},
	}, nil
}

func (b *stubBackend) History(context.Context, string, string) (provider.Page, error) {
	return provider.Page{}, nil
}

func (b *stubBackend) SendMessage(_ context.Context, chatID, body string) (provider.Message, error) {
	return provider.Message{ID: "srv-1", ChatID: chatID, Body: body, Timestamp: t0}, nil
}

func (b *stubBackend) RequestChallenge(context.Context, string) (auth.Challenge, error) {
	return auth.Challenge{Token: "pair-1", Hint: "sms"}, nil
}

func (b *stubBackend) VerifyChallenge(_ context.Context, _, code string) (auth.Verification, error) {
	if code != "2468" {
		return auth.Verification{}, &provider.Error{Kind: provider.KindInvalidCredential, Provider: b.id, Code: "invalid_code"}
	}
	return auth.Verification{Session: &provider.Session{UserID: "me", Token: "tok"}}, nil
}

func (b *stubBackend) VerifySecondFactor(context.Context, string, string) (auth.Verification, error) {
	return auth.Verification{}, provider.Rejected(b.id, "unexpected", "no second factor")
}

func startServer(t *testing.T) *Client {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "omni.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sealer, err := sealed.LoadOrCreate(filepath.Join(dir, "session.key"))
	if err != nil {
		t.Fatal(err)
	}

	h, err := hub.New(hub.Options{
		Providers:  []hub.ProviderConfig{{ID: "wa", Kind: provider.KindWhatsApp}},
		DB:         db,
		Sessions:   store.NewSessions(db, sealer, nil),
		Cache:      msgcache.New(db, msgcache.Options{}),
		Bus:        bus.New(),
		Clock:      clock.Fake(t0),
		Policy:     realtime.Policy{BaseDelay: time.Second, MaxRetries: 2},
		NewBackend: newStubBackend,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })

	// Unix socket paths are length-limited; t.TempDir can be too deep.
	sockDir, err := os.MkdirTemp("", "omni")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })
	sock := filepath.Join(sockDir, "omnid.sock")
	lis, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	Register(srv, NewService(h, "test", nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial(sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func login(t *testing.T, c *Client) {
	t.Helper()
	ctx := callCtx(t)
	if _, err := c.Call(ctx, "SubmitAuth", map[string]any{"provider": "wa", "value": "+5511999990000"}); err != nil {
		t.Fatal(err)
	}
	out, err := c.Call(ctx, "SubmitAuth", map[string]any{"provider": "wa", "value": "2468"})
	if err != nil {
		t.Fatal(err)
	}
	if step := out.GetFields()["step"].GetStringValue(); step != "AUTHENTICATED" {
		t.Fatalf("step = %q", step)
	}
}

func TestStatusListsProviders(t *testing.T) {
	c := startServer(t)
	out, err := c.Call(callCtx(t), "Status", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p := out.GetFields()["profile"].GetStringValue(); p != "test" {
		t.Errorf("profile = %q", p)
	}
	list := out.GetFields()["providers"].GetListValue().GetValues()
	if len(list) != 1 {
		t.Fatalf("providers = %v", list)
	}
	st := list[0].GetStructValue().GetFields()
	if st["provider"].GetStringValue() != "wa" || st["channel"].GetStringValue() != "IDLE" {
		t.Errorf("status = %v", st)
	}
	if st["has_session"].GetBoolValue() {
		t.Error("has_session should be false before login")
	}
}

func TestErrorCodes(t *testing.T) {
	c := startServer(t)
	tests := []struct {
		name   string
		method string
		req    map[string]any
		want   codes.Code
	}{
		{"missing provider", "GetRoster", map[string]any{}, codes.InvalidArgument},
		{"unknown provider", "GetRoster", map[string]any{"provider": "signal"}, codes.NotFound},
		{"connect without session", "Connect", map[string]any{"provider": "wa"}, codes.Unauthenticated},
		{"missing chat", "OpenChat", map[string]any{"provider": "wa"}, codes.InvalidArgument},
		{"empty search", "Search", map[string]any{"provider": "wa"}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Call(callCtx(t), tt.method, tt.req)
			if got := status.Code(err); got != tt.want {
				t.Errorf("code = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestSubmitAuthReportsRejectedValue(t *testing.T) {
	c := startServer(t)
	ctx := callCtx(t)
	if _, err := c.Call(ctx, "SubmitAuth", map[string]any{"provider": "wa", "value": "+5511999990000"}); err != nil {
		t.Fatal(err)
	}
	out, err := c.Call(ctx, "SubmitAuth", map[string]any{"provider": "wa", "value": "1111"})
	if err != nil {
		t.Fatalf("rejected code should not fail the call: %v", err)
	}
	f := out.GetFields()
	if f["step"].GetStringValue() != "AWAITING_CHALLENGE_RESPONSE" {
		t.Errorf("step = %v", f["step"])
	}
	if f["error_kind"].GetStringValue() != "invalid_credential" {
		t.Errorf("error_kind = %v", f["error_kind"])
	}
	if f["hint"].GetStringValue() != "sms" {
		t.Errorf("hint = %v", f["hint"])
	}
}

func TestLoginRosterAndSend(t *testing.T) {
	c := startServer(t)
	login(t, c)
	ctx := callCtx(t)

	out, err := c.Call(ctx, "GetRoster", map[string]any{"provider": "wa"})
	if err != nil {
		t.Fatal(err)
	}
	chats := out.GetFields()["chats"].GetListValue().GetValues()
	if len(chats) != 2 {
		t.Fatalf("chats = %v", chats)
	}

	out, err = c.Call(ctx, "SendMessage", map[string]any{"provider": "wa", "chat_id": "alice", "body": "oi"})
	if err != nil {
		t.Fatal(err)
	}
	msg := out.GetFields()["message"].GetStructValue().GetFields()
	if msg["id"].GetStringValue() != "srv-1" || msg["delivery"].GetStringValue() != "confirmed" {
		t.Errorf("message = %v", msg)
	}
	if out.GetFields()["client_msg_id"].GetStringValue() == "" {
		t.Error("missing client_msg_id")
	}

	_, err = c.Call(ctx, "SendMessage", map[string]any{"provider": "wa", "chat_id": "updates", "body": "oi"})
	if status.Code(err) != codes.PermissionDenied {
		t.Errorf("send to channel: %v", err)
	}

	out, err = c.Call(ctx, "Search", map[string]any{"provider": "wa", "query": "oi"})
	if err != nil {
		t.Fatal(err)
	}
	if hits := out.GetFields()["hits"].GetListValue().GetValues(); len(hits) != 1 {
		t.Errorf("hits = %v", hits)
	}
}

func TestWatchEvents(t *testing.T) {
	c := startServer(t)
	ctx := callCtx(t)

	stream, err := c.Watch(ctx, "auth.", "wa")
	if err != nil {
		t.Fatal(err)
	}
	// The server subscribes asynchronously, so keep producing auth events
	// until one arrives. Every submit leaves the flow awaiting the code.
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			_, _ = c.Call(ctx, "SubmitAuth", map[string]any{"provider": "wa", "value": "+5511999990000"})
			select {
			case <-done:
				return
			case <-tick.C:
			}
		}
	}()

	evt, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	f := evt.GetFields()
	if f["kind"].GetStringValue() != bus.KindAuthStep || f["source"].GetStringValue() != "wa" {
		t.Errorf("event = %v", f)
	}
	if f["event_id"].GetStringValue() == "" || f["profile"].GetStringValue() != "test" {
		t.Errorf("envelope = %v", f)
	}
	step := f["payload"].GetStructValue().GetFields()["step"].GetStringValue()
	if step != "AWAITING_CHALLENGE_RESPONSE" {
		t.Errorf("payload step = %q", step)
	}
}
