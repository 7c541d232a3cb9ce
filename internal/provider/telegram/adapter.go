// Package telegram adapts a Telegram HTTP bridge (phone number, login
// code and optional cloud password) to the provider contract.
package telegram

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/omnichat/internal/auth"
	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/provider/httpapi"
	"github.com/matheus3301/omnichat/internal/realtime"
)

// historyPageSize is how many messages one History call asks for.
const historyPageSize = 50

// Adapter talks to one Telegram bridge.
type Adapter struct {
	id      provider.ID
	client  *httpapi.Client
	channel *realtime.Manager
	logger  *zap.Logger

	mu      sync.Mutex
	session provider.Session
	// registered is the token the bridge last accepted via /session/connect.
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
		channel: cfg.Channel("/updates", decodeFrame(cfg.Provider)),
		logger:  cfg.Log().Named("telegram").With(zap.String("provider", string(cfg.Provider))),
	}
}

func (a *Adapter) ID() provider.ID     { return a.id }
func (a *Adapter) Kind() provider.Kind { return provider.KindTelegram }

// Channel exposes the realtime manager for status reporting.
func (a *Adapter) Channel() *realtime.Manager { return a.channel }

func (a *Adapter) token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.Token
}

// RequestChallenge asks the bridge to send a login code to phone.
func (a *Adapter) RequestChallenge(ctx context.Context, phone string) (auth.Challenge, error) {
	var resp struct {
		PhoneCodeHash string `json:"phone_code_hash"`
		Type          string `json:"type"`
	}
	err := a.client.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "/auth/sendCode",
		Body:   map[string]string{"phone_number": phone},
	}, &resp)
	if err != nil {
		return auth.Challenge{}, err
	}
	if resp.PhoneCodeHash == "" {
		return auth.Challenge{}, provider.Rejected(a.id, "EMPTY_CODE_HASH", "bridge returned no phone_code_hash")
	}
	return auth.Challenge{Token: resp.PhoneCodeHash, Hint: resp.Type}, nil
}

type signInResponse struct {
	Session *wireSession `json:"session"`
}

func (a *Adapter) toVerification(resp signInResponse) (auth.Verification, error) {
	if resp.Session == nil || resp.Session.Token == "" {
		return auth.Verification{}, provider.Rejected(a.id, "EMPTY_SESSION", "bridge returned no session")
	}
	return auth.Verification{Session: &provider.Session{
		Provider: a.id,
		UserID:   strconv.FormatInt(resp.Session.UserID, 10),
		Token:    resp.Session.Token,
	}}, nil
}

// VerifyChallenge submits the login code.
func (a *Adapter) VerifyChallenge(ctx context.Context, codeHash, code string) (auth.Verification, error) {
	var resp signInResponse
	err := a.client.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "/auth/signIn",
		Body:   map[string]string{"phone_code_hash": codeHash, "phone_code": code},
	}, &resp)
	if err != nil {
		var perr *provider.Error
		if asError(err, &perr) && perr.Code == codePasswordNeeded {
			return auth.Verification{SecondFactor: true, Hint: "cloud password"}, nil
		}
		return auth.Verification{}, err
	}
	return a.toVerification(resp)
}

// VerifySecondFactor submits the cloud password.
func (a *Adapter) VerifySecondFactor(ctx context.Context, codeHash, password string) (auth.Verification, error) {
	var resp signInResponse
	err := a.client.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "/auth/checkPassword",
		Body:   map[string]string{"phone_code_hash": codeHash, "password": password},
	}, &resp)
	if err != nil {
		return auth.Verification{}, err
	}
	return a.toVerification(resp)
}

// Connect registers s with the bridge and opens the updates channel. A
// session the bridge already accepted is not registered again.
func (a *Adapter) Connect(ctx context.Context, s provider.Session) error {
	a.mu.Lock()
	registered := a.registered == s.Token
	a.mu.Unlock()

	if !registered {
		err := a.client.Do(ctx, httpapi.Request{
			Method: http.MethodPost,
			Path:   "/session/connect",
			Token:  s.Token,
		}, nil)
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

// Disconnect closes the channel and tells the bridge, ignoring remote
// failures.
func (a *Adapter) Disconnect(ctx context.Context) {
	a.channel.Disconnect()

	a.mu.Lock()
	token := a.registered
	a.registered = ""
	a.mu.Unlock()
	if token == "" {
		return
	}
	err := a.client.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "/session/disconnect",
		Token:  token,
	}, nil)
	if err != nil {
		a.logger.Warn("remote disconnect failed", zap.Error(err))
	}
}

func (a *Adapter) IsConnected() bool { return a.channel.IsOpen() }

// Chats fetches the dialog list in the bridge's order.
func (a *Adapter) Chats(ctx context.Context) ([]provider.Chat, error) {
	var resp struct {
		Dialogs []wireDialog `json:"dialogs"`
	}
	err := a.client.Do(ctx, httpapi.Request{Method: http.MethodGet, Path: "/dialogs", Token: a.token()}, &resp)
	if err != nil {
		return nil, err
	}
	chats := make([]provider.Chat, 0, len(resp.Dialogs))
	for _, d := range resp.Dialogs {
		chats = append(chats, d.toChat(a.id))
	}
	return chats, nil
}

// History returns one page older than cursor, oldest first.
func (a *Adapter) History(ctx context.Context, chatID, cursor string) (provider.Page, error) {
	q := url.Values{}
	q.Set("peer", chatID)
	q.Set("limit", strconv.Itoa(historyPageSize))
	if cursor != "" {
		q.Set("offset_id", cursor)
	}
	var resp struct {
		Messages     []wireMessage `json:"messages"`
		NextOffsetID int64         `json:"next_offset_id"`
	}
	err := a.client.Do(ctx, httpapi.Request{Method: http.MethodGet, Path: "/messages/history", Query: q, Token: a.token()}, &resp)
	if err != nil {
		return provider.Page{}, err
	}

	page := provider.Page{Messages: make([]provider.Message, 0, len(resp.Messages))}
	for _, m := range resp.Messages {
		if m.Peer == "" {
			m.Peer = chatID
		}
		page.Messages = append(page.Messages, m.toMessage(a.id))
	}
	sort.SliceStable(page.Messages, func(i, j int) bool { return page.Messages[i].Before(page.Messages[j]) })
	if resp.NextOffsetID != 0 {
		page.Next = strconv.FormatInt(resp.NextOffsetID, 10)
	}
	return page, nil
}

// SendMessage sends body to chatID. random_id lets the bridge drop
// retransmissions of the same request.
func (a *Adapter) SendMessage(ctx context.Context, chatID, body string) (provider.Message, error) {
	var resp struct {
		Message wireMessage `json:"message"`
	}
	err := a.client.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "/messages/send",
		Token:  a.token(),
		Body: map[string]string{
			"peer":      chatID,
			"text":      body,
			"random_id": uuid.NewString(),
		},
	}, &resp)
	if err != nil {
		return provider.Message{}, err
	}
	if resp.Message.Peer == "" {
		resp.Message.Peer = chatID
	}
	resp.Message.Out = true
	return resp.Message.toMessage(a.id), nil
}

func (a *Adapter) MarkRead(ctx context.Context, chatID string) error {
	return a.client.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "/messages/read",
		Token:  a.token(),
		Body:   map[string]string{"peer": chatID},
	}, nil)
}

// Logout revokes s on the bridge and closes the channel.
func (a *Adapter) Logout(ctx context.Context, s provider.Session) error {
	a.channel.Disconnect()
	a.mu.Lock()
	a.registered = ""
	a.session = provider.Session{}
	a.mu.Unlock()

	return a.client.Do(ctx, httpapi.Request{Method: http.MethodPost, Path: "/auth/logOut", Token: s.Token}, nil)
}

func (a *Adapter) Subscribe(h provider.Handler) func() { return a.channel.Subscribe(h) }
