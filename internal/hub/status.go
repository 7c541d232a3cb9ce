package hub

import (
	"time"

	"github.com/matheus3301/omnichat/internal/auth"
	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/status"
)

// Status is a point-in-time view of one provider.
type Status struct {
	Provider     provider.ID
	Kind         provider.Kind
	Channel      status.State
	Failures     int
	LastActivity time.Time
	// Degraded and Halted come from the last channel notice.
	Degraded  bool
	Halted    bool
	LastError string
	// HasSession reports whether a valid session is stored.
	HasSession    bool
	Auth          auth.State
	Chats         int
	CacheDisabled bool
}

// Status reports on one provider.
func (h *Hub) Status(id provider.ID) (Status, error) {
	a, err := h.account(id)
	if err != nil {
		return Status{}, err
	}
	ch := a.backend.Channel()
	st := Status{
		Provider:      id,
		Kind:          a.cfg.Kind,
		Channel:       ch.State(),
		Failures:      ch.Failures(),
		LastActivity:  ch.LastActivity(),
		Auth:          a.flow.State(),
		Chats:         len(a.roster.Roster()),
		CacheDisabled: h.cache.Disabled(),
	}
	if sess, ok, err := h.sessions.Load(id); err == nil && ok {
		st.HasSession = sess.Valid
	}

	a.mu.Lock()
	if n := a.notice; n != nil && st.Channel != status.Open {
		st.Degraded = n.Degraded
		st.Halted = n.Halted
		if n.Err != nil {
			st.LastError = n.Err.Error()
		}
	}
	a.mu.Unlock()
	return st, nil
}

// Statuses reports on every provider in configuration order.
func (h *Hub) Statuses() []Status {
	out := make([]Status, 0, len(h.order))
	for _, id := range h.order {
		st, _ := h.Status(id)
		out = append(out, st)
	}
	return out
}
