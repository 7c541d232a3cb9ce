// Package whatsapp adapts a WhatsApp pairing bridge (phone number, pairing
// code and optional two-step PIN) to the provider contract.
package whatsapp

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/omnichat/internal/auth"
	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/provider/httpapi"
	"github.com/matheus3301/omnichat/internal/realtime"
)

const historyPageSize = 50

// Adapter talks to one WhatsApp bridge.
type Adapter struct {
	id      provider.ID
	client  *httpapi.Client
	channel *realtime.Manager
	logger  *zap.Logger

	mu         sync.Mutex
	session    provider.Session
	registered string
}

var (
	_ provider.Adapter = (*Adapter)(nil)
	_ auth.Transport   = (*Adapter)(nil)
)

// New creates an adapter from cfg.
func New(cfg httpapi.Config) *Adapter {
	return &Adapter{
		id:      cfg.Provider,
		client:  cfg.Client(decodeError),
		channel: cfg.Channel("/v1/events", decodeFrame(cfg.Provider)),
		logger:  cfg.Log().Named("whatsapp").With(zap.String("provider", string(cfg.Provider))),
	}
}

func (a *Adapter) ID() provider.ID     { return a.id }
func (a *Adapter) Kind() provider.Kind { return provider.KindWhatsApp }

// Channel exposes the realtime manager for status reporting.
func (a *Adapter) Channel() *realtime.Manager { return a.channel }

func (a *Adapter) token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.Token
}

func chatPath(jid, suffix string) string {
	return "/v1/chats/" + url.PathEscape(jid) + suffix
}

// RequestChallenge starts pairing for phone.
func (a *Adapter) RequestChallenge(ctx context.Context, phone string) (auth.Challenge, error) {
	var resp struct {
		PairingID string `json:"pairing_id"`
		Delivery  string `json:"delivery"`
	}
	err := a.client.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "/v1/pair/request",
		Body:   map[string]string{"phone": phone},
	}, &resp)
	if err != nil {
		return auth.Challenge{}, err
	}
	if resp.PairingID == "" {
		return auth.Challenge{}, provider.Rejected(a.id, "empty_pairing_id", "bridge returned no pairing id")
	}
	return auth.Challenge{Token: resp.PairingID, Hint: resp.Delivery}, nil
}

func (a *Adapter) verification(resp pairResponse) (auth.Verification, error) {
	if resp.Status == statusTwoStep {
		return auth.Verification{SecondFactor: true, Token: resp.PairingID, Hint: "two-step PIN"}, nil
	}
	if resp.Session == nil || resp.Session.Token == "" {
		return auth.Verification{}, provider.Rejected(a.id, "empty_session", "bridge returned no session")
	}
	return auth.Verification{Session: &provider.Session{
		Provider: a.id,
		UserID:   resp.Session.JID,
		Token:    resp.Session.Token,
	}}, nil
}

// VerifyChallenge submits the pairing code.
func (a *Adapter) VerifyChallenge(ctx context.Context, pairingID, code string) (auth.Verification, error) {
	var resp pairResponse
	err := a.client.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "/v1/pair/confirm",
		Body:   map[string]string{"pairing_id": pairingID, "code": code},
	}, &resp)
	if err != nil {
		return auth.Verification{}, err
	}
	return a.verification(resp)
}

// VerifySecondFactor submits the two-step PIN.
func (a *Adapter) VerifySecondFactor(ctx context.Context, pairingID, pin string) (auth.Verification, error) {
	var resp pairResponse
	err := a.client.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "/v1/pair/two-step",
		Body:   map[string]string{"pairing_id": pairingID, "pin": pin},
	}, &resp)
	if err != nil {
		return auth.Verification{}, err
	}
	if resp.Status == statusTwoStep {
		return auth.Verification{}, provider.Rejected(a.id, statusTwoStep, "bridge asked for the PIN again")
	}
	return a.verification(resp)
}

// Connect registers s with the bridge and opens the event stream.
func (a *Adapter) Connect(ctx context.Context, s provider.Session) error {
	a.mu.Lock()
	registered := a.registered == s.Token
	a.mu.Unlock()

	if !registered {
		err := a.client.Do(ctx, httpapi.Request{Method: http.MethodPost, Path: "/v1/sessions", Token: s.Token}, nil)
		if err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.session = s
	a.registered = s.Token
	a.mu.Unlock()

	return a.channel.Connect(ctx, s)
}

// Disconnect closes the event stream and detaches from the bridge. Remote
// failures are logged only.
func (a *Adapter) Disconnect(ctx context.Context) {
	a.channel.Disconnect()

	a.mu.Lock()
	token := a.registered
	a.registered = ""
	a.mu.Unlock()
	if token == "" {
		return
	}
	if err := a.client.Do(ctx, httpapi.Request{Method: http.MethodDelete, Path: "/v1/sessions/connection", Token: token}, nil); err != nil {
		a.logger.Warn("remote disconnect failed", zap.Error(err))
	}
}

func (a *Adapter) IsConnected() bool { return a.channel.IsOpen() }

func (a *Adapter) Chats(ctx context.Context) ([]provider.Chat, error) {
	var resp struct {
		Chats []wireChat `json:"chats"`
	}
	if err := a.client.Do(ctx, httpapi.Request{Method: http.MethodGet, Path: "/v1/chats", Token: a.token()}, &resp); err != nil {
		return nil, err
	}
	chats := make([]provider.Chat, 0, len(resp.Chats))
	for _, c := range resp.Chats {
		chats = append(chats, c.toChat(a.id))
	}
	return chats, nil
}

// History returns the page of messages before cursor, oldest first. The
// bridge answers newest first.
func (a *Adapter) History(ctx context.Context, chatID, cursor string) (provider.Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(historyPageSize))
	if cursor != "" {
		q.Set("before", cursor)
	}
	var resp struct {
		Messages []wireMessage `json:"messages"`
		Cursor   string        `json:"cursor"`
	}
	err := a.client.Do(ctx, httpapi.Request{Method: http.MethodGet, Path: chatPath(chatID, "/messages"), Query: q, Token: a.token()}, &resp)
	if err != nil {
		return provider.Page{}, err
	}
	page := provider.Page{Messages: make([]provider.Message, 0, len(resp.Messages)), Next: resp.Cursor}
	for _, m := range resp.Messages {
		if m.ChatJID == "" {
			m.ChatJID = chatID
		}
		page.Messages = append(page.Messages, m.toMessage(a.id))
	}
	sort.SliceStable(page.Messages, func(i, j int) bool { return page.Messages[i].Before(page.Messages[j]) })
	return page, nil
}

func (a *Adapter) SendMessage(ctx context.Context, chatID, body string) (provider.Message, error) {
	var resp struct {
		Message wireMessage `json:"message"`
	}
	err := a.client.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   chatPath(chatID, "/messages"),
		Token:  a.token(),
		Body:   map[string]string{"body": body},
	}, &resp)
	if err != nil {
		return provider.Message{}, err
	}
	if resp.Message.ChatJID == "" {
		resp.Message.ChatJID = chatID
	}
	resp.Message.FromMe = true
	return resp.Message.toMessage(a.id), nil
}

func (a *Adapter) MarkRead(ctx context.Context, chatID string) error {
	return a.client.Do(ctx, httpapi.Request{Method: http.MethodPost, Path: chatPath(chatID, "/read"), Token: a.token()}, nil)
}

// Logout unlinks the device on the bridge.
func (a *Adapter) Logout(ctx context.Context, s provider.Session) error {
	a.channel.Disconnect()
	a.mu.Lock()
	a.registered = ""
	a.session = provider.Session{}
	a.mu.Unlock()

	return a.client.Do(ctx, httpapi.Request{Method: http.MethodDelete, Path: "/v1/sessions", Token: s.Token}, nil)
}

func (a *Adapter) Subscribe(h provider.Handler) func() { return a.channel.Subscribe(h) }
