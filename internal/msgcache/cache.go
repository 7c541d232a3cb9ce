// Package msgcache is the local per-chat message cache. It is advisory:
// when the database is missing or turns out to be corrupt the cache
// disables itself, reads return nothing and writes are dropped.
package msgcache

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/store"
)

// DefaultMaxPerChat bounds how many messages are kept per chat.
const DefaultMaxPerChat = 500

// Options configures a Cache.
type Options struct {
	// MaxPerChat caps retained messages per chat; older ones are evicted.
	// Negative disables the cap.
	MaxPerChat int
	Logger     *zap.Logger
}

// Cache stores messages keyed by (provider, chat id, message id).
type Cache struct {
	db         *store.DB
	maxPerChat int
	logger     *zap.Logger
	disabled   atomic.Bool
}

// New returns a cache over db. A nil db yields a disabled cache.
func New(db *store.DB, opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxPerChat == 0 {
		opts.MaxPerChat = DefaultMaxPerChat
	}
	c := &Cache{db: db, maxPerChat: opts.MaxPerChat, logger: opts.Logger.Named("msgcache")}
	if db == nil {
		c.disabled.Store(true)
		c.logger.Warn("message cache disabled: no database")
	}
	return c
}

// Disabled reports whether the cache has stopped serving.
func (c *Cache) Disabled() bool { return c.disabled.Load() }

// check turns a storage error into the error returned to callers. A
// corrupt database disables the cache for the rest of the process.
func (c *Cache) check(p provider.ID, op string, err error) error {
	if err == nil {
		return nil
	}
	if store.IsCorrupt(err) {
		if c.disabled.CompareAndSwap(false, true) {
			c.logger.Error("message cache corrupt, disabling", zap.String("op", op), zap.Error(err))
		}
		return &provider.Error{Kind: provider.KindCacheCorrupt, Provider: p, Err: err}
	}
	return fmt.Errorf("msgcache %s: %w", op, err)
}

// Append stores m under its chat. It is idempotent on message id and
// reports whether m was new.
func (c *Cache) Append(m provider.Message) (bool, error) {
	if c.Disabled() {
		return false, nil
	}
	row := toRow(m)
	inserted, err := c.db.InsertMessage(&row)
	if err != nil {
		return false, c.check(m.Provider, "append", err)
	}
	if inserted && c.maxPerChat > 0 {
		if _, err := c.db.TrimMessages(string(m.Provider), m.ChatID, c.maxPerChat); err != nil {
			return true, c.check(m.Provider, "trim", err)
		}
	}
	return inserted, nil
}

// Messages returns the cached messages of a chat ordered by (timestamp, id).
func (c *Cache) Messages(p provider.ID, chatID string) ([]provider.Message, error) {
	return c.list(p, chatID, 0)
}

// Context returns the last n messages of a chat in order, as handed to
// reply-suggestion consumers.
func (c *Cache) Context(p provider.ID, chatID string, n int) ([]provider.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	return c.list(p, chatID, n)
}

func (c *Cache) list(p provider.ID, chatID string, limit int) ([]provider.Message, error) {
	if c.Disabled() {
		return nil, nil
	}
	rows, err := c.db.ListMessages(string(p), chatID, limit)
	if err != nil {
		return nil, c.check(p, "list", err)
	}
	msgs := make([]provider.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, fromRow(r))
	}
	return msgs, nil
}

// Clear drops every cached message of a chat.
func (c *Cache) Clear(p provider.ID, chatID string) error {
	if c.Disabled() {
		return nil
	}
	return c.check(p, "clear", c.db.DeleteMessages(string(p), chatID))
}

// Confirm replaces the pending message clientID with the backend's copy.
func (c *Cache) Confirm(clientID string, confirmed provider.Message) error {
	if c.Disabled() {
		return nil
	}
	err := c.db.ConfirmMessage(string(confirmed.Provider), confirmed.ChatID, clientID, confirmed.ID, confirmed.Timestamp)
	return c.check(confirmed.Provider, "confirm", err)
}

// Fail marks the pending message clientID as failed. The row is kept so
// the user can see and retry it.
func (c *Cache) Fail(p provider.ID, chatID, clientID string) error {
	if c.Disabled() {
		return nil
	}
	return c.check(p, "fail", c.db.SetDelivery(string(p), chatID, clientID, string(provider.Failed)))
}

// Hit is one search match.
type Hit struct {
	Message provider.Message
	Snippet string
}

// Search finds cached messages of p containing query. chatID may be empty.
func (c *Cache) Search(p provider.ID, query, chatID string, limit int) ([]Hit, error) {
	if c.Disabled() || query == "" {
		return nil, nil
	}
	results, err := c.db.SearchMessages(string(p), query, chatID, limit)
	if err != nil {
		return nil, c.check(p, "search", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{Message: fromRow(r.Message), Snippet: r.Snippet})
	}
	return hits, nil
}

// Count returns how many messages are cached for p.
func (c *Cache) Count(p provider.ID) int64 {
	if c.Disabled() {
		return 0
	}
	n, err := c.db.MessageCount(string(p))
	if err != nil {
		c.logger.Warn("count cached messages", zap.Error(c.check(p, "count", err)))
		return 0
	}
	return n
}

// IsCorrupt reports whether err came from a corrupt cache.
func IsCorrupt(err error) bool {
	var perr *provider.Error
	return errors.As(err, &perr) && perr.Kind == provider.KindCacheCorrupt
}

func toRow(m provider.Message) store.Message {
	delivery := m.Delivery
	if delivery == "" {
		delivery = provider.Confirmed
	}
	direction := m.Direction
	if direction == "" {
		direction = provider.Inbound
	}
	return store.Message{
		Provider:  string(m.Provider),
		ChatID:    m.ChatID,
		MsgID:     m.ID,
		Sender:    m.Sender,
		Body:      m.Body,
		Direction: string(direction),
		Delivery:  string(delivery),
		Timestamp: m.Timestamp,
	}
}

func fromRow(r store.Message) provider.Message {
	return provider.Message{
		Provider:  provider.ID(r.Provider),
		ID:        r.MsgID,
		ChatID:    r.ChatID,
		Sender:    r.Sender,
		Body:      r.Body,
		Timestamp: r.Timestamp,
		Direction: provider.Direction(r.Direction),
		Delivery:  provider.Delivery(r.Delivery),
	}
}
