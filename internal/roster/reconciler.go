// Package roster keeps the ordered chat list of one provider consistent
// across full fetches and incremental push events.
package roster

import (
	"errors"
	"slices"
	"sync"

	"github.com/matheus3301/omnichat/internal/provider"
)

// ErrUnknownChat is returned for events about a chat the roster has not
// seen. The caller should schedule a full refresh.
var ErrUnknownChat = errors.New("chat not in roster")

// recentIDs is how many applied message ids are remembered per chat.
const recentIDs = 64

// Reconciler owns the roster of one provider. It is the only writer of
// Chat values; readers get copies.
type Reconciler struct {
	provider provider.ID

	mu     sync.Mutex
	chats  []provider.Chat
	active string
	seen   map[string][]string
}

// New returns an empty roster for p.
func New(p provider.ID) *Reconciler {
	return &Reconciler{provider: p, seen: make(map[string][]string)}
}

func (r *Reconciler) indexLocked(chatID string) int {
	return slices.IndexFunc(r.chats, func(c provider.Chat) bool { return c.ID == chatID })
}

// Replace merges a full roster fetch. Known chats keep their local unread
// count and the newer of the two summaries, and chats the fetch no longer
// lists are kept. The result is ordered most recent last message first;
// chats with equal timestamps keep the backend's order, then the previous
// local order for unlisted ones.
func (r *Reconciler) Replace(fetched []provider.Chat) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]provider.Chat, 0, max(len(fetched), len(r.chats)))
	listed := make(map[string]bool, len(fetched))
	for _, c := range fetched {
		if listed[c.ID] {
			continue
		}
		listed[c.ID] = true
		c.Provider = r.provider
		if i := r.indexLocked(c.ID); i >= 0 {
			old := r.chats[i]
			c.UnreadCount = old.UnreadCount
			if old.Last.Timestamp.After(c.Last.Timestamp) {
				c.Last = old.Last
			}
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		next = append(next, c)
	}
	for _, c := range r.chats {
		if !listed[c.ID] {
			next = append(next, c)
		}
	}
	// A push applied while the fetch was in flight leaves a summary newer
	// than the backend's position for that chat.
	slices.SortStableFunc(next, func(a, b provider.Chat) int {
		return b.Last.Timestamp.Compare(a.Last.Timestamp)
	})
	r.chats = next
}

// ApplyMessage folds a pushed message into its chat. An inbound message
// bumps unread unless the chat is active or the id was already applied.
// It reports whether the roster changed.
func (r *Reconciler) ApplyMessage(m provider.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(m.ChatID)
	if i < 0 {
		return false, ErrUnknownChat
	}
	if r.rememberLocked(m.ChatID, m.ID) {
		return false, nil
	}

	c := r.chats[i]
	if m.Direction != provider.Outbound && m.ChatID != r.active {
		c.UnreadCount++
	}
	moved := false
	if newer(m, c.Last) {
		c.Last = provider.Summary{MessageID: m.ID, Text: m.Body, Timestamp: m.Timestamp}
		moved = true
	}
	r.chats[i] = c
	if moved {
		r.moveToFrontLocked(i)
	}
	return true, nil
}

// rememberLocked records id for chatID and reports whether it was already
// known.
func (r *Reconciler) rememberLocked(chatID, id string) bool {
	ids := r.seen[chatID]
	if slices.Contains(ids, id) {
		return true
	}
	ids = append(ids, id)
	if len(ids) > recentIDs {
		ids = ids[len(ids)-recentIDs:]
	}
	r.seen[chatID] = ids
	return false
}

func newer(m provider.Message, last provider.Summary) bool {
	if last.MessageID == "" {
		return true
	}
	if !m.Timestamp.Equal(last.Timestamp) {
		return m.Timestamp.After(last.Timestamp)
	}
	return provider.CompareIDs(m.ID, last.MessageID) > 0
}

func (r *Reconciler) moveToFrontLocked(i int) {
	if i == 0 {
		return
	}
	c := r.chats[i]
	copy(r.chats[1:i+1], r.chats[:i])
	r.chats[0] = c
}

// ApplyChat handles a chat_updated push. Unseen chats are added at the
// position their last message dictates; known chats take the new metadata
// but keep their unread count.
func (r *Reconciler) ApplyChat(c provider.Chat) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.Provider = r.provider
	i := r.indexLocked(c.ID)
	if i < 0 {
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		pos := slices.IndexFunc(r.chats, func(o provider.Chat) bool {
			return c.Last.Timestamp.After(o.Last.Timestamp)
		})
		if pos < 0 {
			pos = len(r.chats)
		}
		r.chats = slices.Insert(r.chats, pos, c)
		return true
	}

	old := r.chats[i]
	c.UnreadCount = old.UnreadCount
	moved := false
	if c.Last.Timestamp.After(old.Last.Timestamp) {
		moved = true
	} else {
		c.Last = old.Last
	}
	if c == old {
		return false
	}
	r.chats[i] = c
	if moved {
		r.moveToFrontLocked(i)
	}
	return true
}

// ApplyStatus updates the flags named in change.
func (r *Reconciler) ApplyStatus(change provider.StatusChange) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(change.ChatID)
	if i < 0 {
		return false, ErrUnknownChat
	}
	c := r.chats[i]
	if change.Archived != nil {
		c.Archived = *change.Archived
	}
	if change.CanSend != nil {
		c.CanSend = *change.CanSend
	}
	if c == r.chats[i] {
		return false, nil
	}
	r.chats[i] = c
	return true, nil
}

// Open makes chatID the active chat and zeroes its unread count. No other
// chat is touched.
func (r *Reconciler) Open(chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(chatID)
	if i < 0 {
		return ErrUnknownChat
	}
	r.chats[i].UnreadCount = 0
	r.active = chatID
	return nil
}

// Close clears the active chat.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.active = ""
	r.mu.Unlock()
}

// Active returns the id of the open chat, or "".
func (r *Reconciler) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Roster returns a copy of the ordered chats.
func (r *Reconciler) Roster() []provider.Chat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.chats)
}

// Chat returns one chat by id.
func (r *Reconciler) Chat(chatID string) (provider.Chat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(chatID); i >= 0 {
		return r.chats[i], true
	}
	return provider.Chat{}, false
}
