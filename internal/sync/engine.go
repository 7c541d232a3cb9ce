// Package sync ingests provider events into the message cache and the
// chat roster, and keeps the persisted roster snapshot current.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/matheus3301/omnichat/internal/bus"
	"github.com/matheus3301/omnichat/internal/msgcache"
	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/roster"
	"github.com/matheus3301/omnichat/internal/store"
)

// ChatSource fetches the full roster from the backend.
type ChatSource interface {
	Chats(ctx context.Context) ([]provider.Chat, error)
}

// Options wires an Engine.
type Options struct {
	Provider provider.ID
	Source   ChatSource
	Cache    *msgcache.Cache
	Roster   *roster.Reconciler
	// DB holds the roster snapshot. Nil disables snapshots.
	DB     *store.DB
	Bus    *bus.Bus
	Logger *zap.Logger
}

// Engine handles idempotent ingestion of one provider's events. Handle is
// meant to be subscribed directly to the adapter so no event is dropped.
type Engine struct {
	id     provider.ID
	source ChatSource
	cache  *msgcache.Cache
	roster *roster.Reconciler
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu         gosync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	refreshing bool
	again      bool
	wg         gosync.WaitGroup
}

// NewEngine creates a new sync engine.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		id:     opts.Provider,
		source: opts.Source,
		cache:  opts.Cache,
		roster: opts.Roster,
		db:     opts.DB,
		bus:    opts.Bus,
		logger: opts.Logger.Named("sync").With(zap.String("provider", string(opts.Provider))),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Stop cancels background refreshes and waits for them to return.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Restore seeds the roster from the persisted snapshot.
func (e *Engine) Restore() error {
	if e.db == nil {
		return nil
	}
	rows, err := e.db.ListChats(string(e.id))
	if err != nil {
		return fmt.Errorf("load roster snapshot: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	chats := make([]provider.Chat, 0, len(rows))
	for _, r := range rows {
		chats = append(chats, fromChatRow(r))
	}
	e.roster.Replace(chats)
	e.logger.Info("roster restored", zap.Int("chats", len(chats)))
	return nil
}

// Handle processes one realtime event. It is a provider.Handler.
func (e *Engine) Handle(evt provider.Event) {
	switch evt.Type {
	case provider.EventNewMessage:
		if evt.Message == nil {
			return
		}
		if err := e.IngestMessage(*evt.Message); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", evt.Message.ID))
		}
	case provider.EventChatUpdated:
		if evt.Chat == nil {
			return
		}
		if e.roster.ApplyChat(*evt.Chat) {
			e.rosterChanged()
		}
	case provider.EventStatusChanged:
		if evt.Status == nil {
			return
		}
		changed, err := e.roster.ApplyStatus(*evt.Status)
		if errors.Is(err, roster.ErrUnknownChat) {
			e.ScheduleRefresh()
			return
		}
		if changed {
			e.rosterChanged()
		}
	default:
		e.logger.Debug("ignoring event", zap.String("type", string(evt.Type)))
	}
}

// IngestMessage stores a pushed message and folds it into the roster. A
// message for an unseen chat schedules a roster refresh.
func (e *Engine) IngestMessage(m provider.Message) error {
	if m.Provider == "" {
		m.Provider = e.id
	}
	inserted, cacheErr := e.cache.Append(m)
	if cacheErr != nil {
		// The cache is advisory; the roster still gets the message.
		e.logger.Warn("cache append failed", zap.Error(cacheErr))
	}

	changed, err := e.roster.ApplyMessage(m)
	if errors.Is(err, roster.ErrUnknownChat) {
		e.ScheduleRefresh()
	} else if err != nil {
		return fmt.Errorf("apply message: %w", err)
	}
	if changed {
		e.rosterChanged()
	}
	if inserted || changed {
		e.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Source: string(e.id), Payload: m})
	}
	return nil
}

// IngestHistory stores a page of history. History never touches unread
// counts. It returns how many messages were new to the cache.
func (e *Engine) IngestHistory(msgs []provider.Message) (int, error) {
	added := 0
	for _, m := range msgs {
		if m.Provider == "" {
			m.Provider = e.id
		}
		inserted, err := e.cache.Append(m)
		if err != nil {
			return added, fmt.Errorf("append history: %w", err)
		}
		if inserted {
			added++
		}
	}
	if added > 0 {
		e.logger.Info("history page ingested", zap.Int("messages", added))
	}
	return added, nil
}

// OpenChat marks chatID active and zeroes its unread count.
func (e *Engine) OpenChat(chatID string) error {
	if err := e.roster.Open(chatID); err != nil {
		return err
	}
	e.rosterChanged()
	return nil
}

// Refresh fetches the full roster and merges it.
func (e *Engine) Refresh(ctx context.Context) error {
	chats, err := e.source.Chats(ctx)
	if err != nil {
		return err
	}
	e.roster.Replace(chats)
	e.rosterChanged()
	return nil
}

// ScheduleRefresh runs Refresh in the background. Requests that arrive
// while a refresh is running collapse into one follow-up refresh.
func (e *Engine) ScheduleRefresh() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return
	}
	if e.refreshing {
		e.again = true
		return
	}
	e.refreshing = true
	e.wg.Add(1)
	go e.refreshLoop()
}

func (e *Engine) refreshLoop() {
	defer e.wg.Done()
	for {
		if err := e.Refresh(e.ctx); err != nil {
			e.logger.Warn("roster refresh failed", zap.Error(err))
		}
		e.mu.Lock()
		if !e.again || e.ctx.Err() != nil {
			e.refreshing = false
			e.again = false
			e.mu.Unlock()
			return
		}
		e.again = false
		e.mu.Unlock()
	}
}

func (e *Engine) rosterChanged() {
	chats := e.roster.Roster()
	if e.db != nil {
		rows := make([]store.Chat, 0, len(chats))
		for _, c := range chats {
			rows = append(rows, toChatRow(c))
		}
		if err := e.db.ReplaceChats(string(e.id), rows); err != nil {
			e.logger.Warn("save roster snapshot", zap.Error(err))
		}
	}
	e.bus.Publish(bus.Event{Kind: bus.KindRosterChanged, Source: string(e.id), Payload: chats})
}

func toChatRow(c provider.Chat) store.Chat {
	return store.Chat{
		Provider:    string(c.Provider),
		ChatID:      c.ID,
		Name:        c.Name,
		Kind:        string(c.Kind),
		CanSend:     c.CanSend,
		Archived:    c.Archived,
		UnreadCount: c.UnreadCount,
		LastMsgID:   c.Last.MessageID,
		LastMsgText: c.Last.Text,
		LastMsgAt:   c.Last.Timestamp,
	}
}

func fromChatRow(r store.Chat) provider.Chat {
	return provider.Chat{
		Provider:    provider.ID(r.Provider),
		ID:          r.ChatID,
		Name:        r.Name,
		Kind:        provider.ChatKind(r.Kind),
		CanSend:     r.CanSend,
		Archived:    r.Archived,
		UnreadCount: r.UnreadCount,
		Last:        provider.Summary{MessageID: r.LastMsgID, Text: r.LastMsgText, Timestamp: r.LastMsgAt},
	}
}
