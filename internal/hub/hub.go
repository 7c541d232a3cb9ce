// Package hub owns one account context per configured provider and serves
// the consumer query surface on top of them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/omnichat/internal/auth"
	"github.com/matheus3301/omnichat/internal/bus"
	"github.com/matheus3301/omnichat/internal/clock"
	"github.com/matheus3301/omnichat/internal/msgcache"
	"github.com/matheus3301/omnichat/internal/outbox"
	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/provider/httpapi"
	"github.com/matheus3301/omnichat/internal/realtime"
	"github.com/matheus3301/omnichat/internal/roster"
	"github.com/matheus3301/omnichat/internal/store"
	chatsync "github.com/matheus3301/omnichat/internal/sync"
)

var (
	// ErrUnknownProvider is returned for a provider id that is not configured.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNeedsAuth is returned by Connect when no usable session is stored.
	ErrNeedsAuth = errors.New("no stored session, authentication required")
	// ErrReadOnly is returned when sending to a chat that does not accept
	// messages.
	ErrReadOnly = errors.New("chat is read-only")
)

// autoConnectLimit bounds concurrent startup connects.
const autoConnectLimit = 4

// Options wires a Hub.
type Options struct {
	Providers []ProviderConfig
	// DB holds roster snapshots and the outbox. May be nil.
	DB       *store.DB
	Sessions *store.Sessions
	Cache    *msgcache.Cache
	Bus      *bus.Bus
	Clock    clock.Clock
	Policy   realtime.Policy
	// RequestTimeout bounds each backend request.
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
	// NewBackend overrides adapter construction. Defaults to NewBackend.
	NewBackend BackendFactory
}

type account struct {
	cfg         ProviderConfig
	backend     Backend
	flow        *auth.Flow
	roster      *roster.Reconciler
	engine      *chatsync.Engine
	sender      *outbox.Sender
	unsubscribe func()

	mu     sync.Mutex
	notice *realtime.Notice
}

// Hub is the explicit context shared by all providers of a profile: one
// session store and one message cache, one account per provider.
type Hub struct {
	accounts map[provider.ID]*account
	order    []provider.ID
	sessions *store.Sessions
	cache    *msgcache.Cache
	bus      *bus.Bus
	logger   *zap.Logger
}

// New builds an account for every configured provider. Nothing connects
// until Start or Connect.
func New(opts Options) (*Hub, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Sessions == nil {
		opts.Sessions = store.NewSessions(nil, nil, opts.Logger)
	}
	if opts.Cache == nil {
		opts.Cache = msgcache.New(opts.DB, msgcache.Options{Logger: opts.Logger})
	}
	if opts.NewBackend == nil {
		opts.NewBackend = NewBackend
	}

	h := &Hub{
		accounts: make(map[provider.ID]*account, len(opts.Providers)),
		sessions: opts.Sessions,
		cache:    opts.Cache,
		bus:      opts.Bus,
		logger:   opts.Logger.Named("hub"),
	}

	for _, pc := range opts.Providers {
		if _, dup := h.accounts[pc.ID]; dup {
			return nil, fmt.Errorf("provider %s configured twice", pc.ID)
		}
		a := &account{cfg: pc}
		backend, err := opts.NewBackend(pc, httpapi.Config{
			Provider:       pc.ID,
			BaseURL:        pc.BaseURL,
			PushURL:        pc.PushURL,
			RequestTimeout: opts.RequestTimeout,
			HTTPClient:     opts.HTTPClient,
			Policy:         opts.Policy,
			Clock:          opts.Clock,
			Bus:            opts.Bus,
			Logger:         opts.Logger,
			OnNotice:       func(n realtime.Notice) { h.onNotice(a, n) },
		})
		if err != nil {
			return nil, err
		}

		a.backend = backend
		a.roster = roster.New(pc.ID)
		a.flow = auth.NewFlow(auth.Options{
			Provider:  pc.ID,
			Transport: backend,
			Sessions:  opts.Sessions,
			Bus:       opts.Bus,
			Logger:    opts.Logger,
		})
		a.engine = chatsync.NewEngine(chatsync.Options{
			Provider: pc.ID,
			Source:   backend,
			Cache:    opts.Cache,
			Roster:   a.roster,
			DB:       opts.DB,
			Bus:      opts.Bus,
			Logger:   opts.Logger,
		})
		a.sender = outbox.NewSender(outbox.Options{
			Provider: pc.ID,
			DB:       opts.DB,
			Cache:    opts.Cache,
			Sender:   backend,
			Ingester: a.engine,
			Bus:      opts.Bus,
			Logger:   opts.Logger,
		})
		a.unsubscribe = backend.Subscribe(a.engine.Handle)

		h.accounts[pc.ID] = a
		h.order = append(h.order, pc.ID)
	}
	return h, nil
}

// Bus returns the event bus watchers subscribe to.
func (h *Hub) Bus() *bus.Bus { return h.bus }

// Providers lists configured provider ids in configuration order.
func (h *Hub) Providers() []provider.ID {
	return append([]provider.ID(nil), h.order...)
}

func (h *Hub) account(id provider.ID) (*account, error) {
	a, ok := h.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return a, nil
}

// Start restores roster snapshots, settles sends interrupted by a previous
// run and connects every auto-connect provider that has a stored session.
// Connect failures are logged, never returned; a provider that cannot
// connect must not keep the others from starting.
func (h *Hub) Start(ctx context.Context) error {
	for _, id := range h.order {
		a := h.accounts[id]
		if err := a.engine.Restore(); err != nil {
			h.logger.Warn("restore roster", zap.String("provider", string(id)), zap.Error(err))
		}
		if _, err := a.sender.Recover(); err != nil {
			h.logger.Warn("recover outbox", zap.String("provider", string(id)), zap.Error(err))
		}
	}

	var g errgroup.Group
	g.SetLimit(autoConnectLimit)
	for _, id := range h.order {
		if !h.accounts[id].cfg.AutoConnect {
			continue
		}
		g.Go(func() error {
			err := h.Connect(ctx, id)
			switch {
			case err == nil:
			case errors.Is(err, ErrNeedsAuth):
				h.logger.Info("auto-connect skipped, not authenticated", zap.String("provider", string(id)))
			default:
				h.logger.Warn("auto-connect failed", zap.String("provider", string(id)), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Close disconnects every provider and stops background work.
func (h *Hub) Close(ctx context.Context) {
	for _, id := range h.order {
		a := h.accounts[id]
		a.unsubscribe()
		a.backend.Disconnect(ctx)
		a.engine.Stop()
	}
}

// Connect validates the stored session by connecting with it. A session
// the backend rejects is cleared and the auth flow restarts.
func (h *Hub) Connect(ctx context.Context, id provider.ID) error {
	a, err := h.account(id)
	if err != nil {
		return err
	}
	sess, ok, err := h.sessions.Load(id)
	if err != nil {
		return err
	}
	if !ok || !sess.Valid {
		return ErrNeedsAuth
	}
	return h.connect(ctx, a, sess)
}

func (h *Hub) connect(ctx context.Context, a *account, sess provider.Session) error {
	if err := a.backend.Connect(ctx, sess); err != nil {
		if provider.IsSessionInvalid(err) {
			h.invalidate(a, err)
		}
		return err
	}
	if err := a.engine.Refresh(ctx); err != nil {
		if provider.IsSessionInvalid(err) {
			h.invalidate(a, err)
			return err
		}
		h.logger.Warn("roster refresh after connect failed", zap.String("provider", string(a.cfg.ID)), zap.Error(err))
	}
	return nil
}

// invalidate forgets a session the backend no longer accepts.
func (h *Hub) invalidate(a *account, cause error) {
	id := a.cfg.ID
	h.logger.Warn("session rejected by backend", zap.String("provider", string(id)), zap.Error(cause))

	a.backend.Channel().Disconnect()
	if err := h.sessions.Clear(id); err != nil {
		h.logger.Error("clear rejected session", zap.String("provider", string(id)), zap.Error(err))
		if err := h.sessions.MarkInvalid(id); err != nil {
			h.logger.Error("mark session invalid", zap.String("provider", string(id)), zap.Error(err))
		}
	}
	a.flow.Reset()
	h.bus.Publish(bus.Event{Kind: bus.KindSessionInvalid, Source: string(id), Payload: cause.Error()})
}

func (h *Hub) onNotice(a *account, n realtime.Notice) {
	a.mu.Lock()
	a.notice = &n
	a.mu.Unlock()

	if n.Halted && provider.IsSessionInvalid(n.Err) {
		h.invalidate(a, n.Err)
	}
}

// SubmitAuth feeds value to the provider's auth flow. A flow that failed
// starts over. Reaching Authenticated connects with the new session.
func (h *Hub) SubmitAuth(ctx context.Context, id provider.ID, value string) (auth.State, error) {
	a, err := h.account(id)
	if err != nil {
		return auth.State{}, err
	}
	if a.flow.Step() == auth.Failed {
		a.flow.Reset()
	}
	step, err := a.flow.Submit(ctx, value)
	if err != nil {
		return a.flow.State(), err
	}
	if step == auth.Authenticated {
		sess, _ := a.flow.Session()
		if err := h.connect(ctx, a, sess); err != nil {
			return a.flow.State(), err
		}
	}
	return a.flow.State(), nil
}

// AbandonAuth discards the provider's in-progress login.
func (h *Hub) AbandonAuth(id provider.ID) error {
	a, err := h.account(id)
	if err != nil {
		return err
	}
	a.flow.Abandon()
	return nil
}

// AuthState returns the provider's auth flow state.
func (h *Hub) AuthState(id provider.ID) (auth.State, error) {
	a, err := h.account(id)
	if err != nil {
		return auth.State{}, err
	}
	return a.flow.State(), nil
}

// Disconnect closes the provider's channel. The stored session is kept.
func (h *Hub) Disconnect(ctx context.Context, id provider.ID) error {
	a, err := h.account(id)
	if err != nil {
		return err
	}
	a.backend.Disconnect(ctx)
	return nil
}

// Logout revokes the session on the backend and forgets it locally. The
// local session is removed even if the backend call fails.
func (h *Hub) Logout(ctx context.Context, id provider.ID) error {
	a, err := h.account(id)
	if err != nil {
		return err
	}
	sess, ok, err := h.sessions.Load(id)
	if err != nil {
		h.logger.Warn("load session for logout", zap.String("provider", string(id)), zap.Error(err))
	}

	var remoteErr error
	if ok {
		remoteErr = a.backend.Logout(ctx, sess)
	} else {
		a.backend.Disconnect(ctx)
	}
	if err := h.sessions.Clear(id); err != nil && !errors.Is(err, store.ErrUnavailable) {
		return err
	}
	a.flow.Reset()

	if remoteErr != nil {
		h.logger.Warn("remote logout failed", zap.String("provider", string(id)), zap.Error(remoteErr))
		return remoteErr
	}
	h.logger.Info("logged out", zap.String("provider", string(id)))
	return nil
}

// Roster returns the provider's chats in display order.
func (h *Hub) Roster(id provider.ID) ([]provider.Chat, error) {
	a, err := h.account(id)
	if err != nil {
		return nil, err
	}
	return a.roster.Roster(), nil
}

// OpenChat makes chatID the active chat, zeroes its unread count, tells
// the backend it was read and returns its cached messages.
func (h *Hub) OpenChat(ctx context.Context, id provider.ID, chatID string) ([]provider.Message, error) {
	a, err := h.account(id)
	if err != nil {
		return nil, err
	}
	if err := a.engine.OpenChat(chatID); err != nil {
		return nil, err
	}
	if a.backend.IsConnected() {
		if err := a.backend.MarkRead(ctx, chatID); err != nil {
			h.logger.Warn("mark read failed", zap.String("provider", string(id)), zap.String("chat_id", chatID), zap.Error(err))
		}
	}
	return h.cache.Messages(id, chatID)
}

// CloseChat clears the active chat.
func (h *Hub) CloseChat(id provider.ID) error {
	a, err := h.account(id)
	if err != nil {
		return err
	}
	a.roster.Close()
	return nil
}

// Messages returns the cached messages of chatID.
func (h *Hub) Messages(id provider.ID, chatID string) ([]provider.Message, error) {
	if _, err := h.account(id); err != nil {
		return nil, err
	}
	return h.cache.Messages(id, chatID)
}

// HistoryPage is the result of LoadHistory.
type HistoryPage struct {
	Messages []provider.Message
	Next     string
	// Added counts messages that were new to the cache.
	Added int
	// Offline is set when the backend could not be reached and Messages
	// come from the cache. Err is the backend error.
	Offline bool
	Err     error
}

// LoadHistory fetches one page older than cursor and stores it. When the
// backend is unreachable the cached messages are returned instead.
func (h *Hub) LoadHistory(ctx context.Context, id provider.ID, chatID, cursor string) (HistoryPage, error) {
	a, err := h.account(id)
	if err != nil {
		return HistoryPage{}, err
	}
	page, err := a.backend.History(ctx, chatID, cursor)
	if err != nil {
		if !provider.IsRetryable(err) {
			return HistoryPage{}, err
		}
		cached, cacheErr := h.cache.Messages(id, chatID)
		if cacheErr != nil {
			return HistoryPage{}, err
		}
		h.logger.Info("history unavailable, serving cache", zap.String("provider", string(id)), zap.String("chat_id", chatID), zap.Error(err))
		return HistoryPage{Messages: cached, Next: cursor, Offline: true, Err: err}, nil
	}

	added, err := a.engine.IngestHistory(page.Messages)
	if err != nil {
		h.logger.Warn("store history page", zap.String("provider", string(id)), zap.Error(err))
	}
	return HistoryPage{Messages: page.Messages, Next: page.Next, Added: added}, nil
}

// SendResult pairs the client id of an optimistic send with the confirmed
// message.
type SendResult struct {
	ClientMsgID string
	Message     provider.Message
}

// SendMessage sends body to chatID optimistically.
func (h *Hub) SendMessage(ctx context.Context, id provider.ID, chatID, body string) (SendResult, error) {
	a, err := h.account(id)
	if err != nil {
		return SendResult{}, err
	}
	if c, known := a.roster.Chat(chatID); known && !c.CanSend {
		return SendResult{}, fmt.Errorf("%w: %s", ErrReadOnly, chatID)
	}
	clientID, msg, err := a.sender.Send(ctx, chatID, body)
	return SendResult{ClientMsgID: clientID, Message: msg}, err
}

// RetrySend resends a failed message.
func (h *Hub) RetrySend(ctx context.Context, id provider.ID, clientMsgID string) (SendResult, error) {
	a, err := h.account(id)
	if err != nil {
		return SendResult{}, err
	}
	msg, err := a.sender.Retry(ctx, clientMsgID)
	return SendResult{ClientMsgID: clientMsgID, Message: msg}, err
}

// Context returns the last n cached messages of chatID for context
// consumers.
func (h *Hub) Context(id provider.ID, chatID string, n int) ([]provider.Message, error) {
	if _, err := h.account(id); err != nil {
		return nil, err
	}
	return h.cache.Context(id, chatID, n)
}

// Search looks up cached messages containing query. An empty chatID
// searches every chat of the provider.
func (h *Hub) Search(id provider.ID, query, chatID string, limit int) ([]msgcache.Hit, error) {
	if _, err := h.account(id); err != nil {
		return nil, err
	}
	return h.cache.Search(id, query, chatID, limit)
}
