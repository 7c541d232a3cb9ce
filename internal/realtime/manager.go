// Package realtime owns the push connection of one provider: connect,
// heartbeat, disconnect classification, backoff reconnection and fan-out
// of inbound events to subscribers.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/omnichat/internal/bus"
	"github.com/matheus3301/omnichat/internal/clock"
	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/status"
)

// Conn is one established push connection.
type Conn interface {
	// Read blocks until the next event. Errors should be *provider.Error;
	// anything else is treated as a transient failure.
	Read(ctx context.Context) (provider.Event, error)
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens push connections for a session.
type Dialer interface {
	Dial(ctx context.Context, s provider.Session) (Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, s provider.Session) (Conn, error)

func (f DialFunc) Dial(ctx context.Context, s provider.Session) (Conn, error) { return f(ctx, s) }

// Notice reports a connection outcome to the owner of the manager.
type Notice struct {
	Provider provider.ID
	State    status.State
	Failures int
	Err      error
	// Degraded is set once consecutive failures reach the policy's
	// DegradedAfter threshold; only then should the UI show it.
	Degraded bool
	// Halted means no reconnect is scheduled: the session is invalid, the
	// backend rejected the channel, or the retry budget is spent.
	Halted bool
	// NextRetry is the delay before the scheduled reconnect.
	NextRetry time.Duration
}

// Options configures a Manager.
type Options struct {
	Provider provider.ID
	Dialer   Dialer
	Policy   Policy
	Clock    clock.Clock
	Bus      *bus.Bus
	Logger   *zap.Logger
	// OnNotice is called outside the manager's lock after every open,
	// failure or halt.
	OnNotice func(Notice)
}

// Manager drives the channel state machine for one provider. At most one
// connection is live at a time; a generation counter discards results of
// superseded attempts, readers and timers.
type Manager struct {
	id       provider.ID
	dialer   Dialer
	policy   Policy
	clock    clock.Clock
	bus      *bus.Bus
	logger   *zap.Logger
	onNotice func(Notice)
	machine  *status.Machine

	mu           sync.Mutex
	session      provider.Session
	conn         Conn
	cancelConn   context.CancelFunc
	gen          uint64
	failures     int
	lastActivity time.Time
	retry        backoff.BackOff
	timer        *clock.Timer

	subsMu  sync.RWMutex
	subs    map[int]provider.Handler
	order   []int
	nextSub int
}

// NewManager creates a manager in the Idle state.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	policy := opts.Policy.withDefaults()
	return &Manager{
		id:       opts.Provider,
		dialer:   opts.Dialer,
		policy:   policy,
		clock:    opts.Clock,
		bus:      opts.Bus,
		logger:   opts.Logger.Named("realtime").With(zap.String("provider", string(opts.Provider))),
		onNotice: opts.OnNotice,
		machine:  status.NewMachine(string(opts.Provider), opts.Bus),
		retry:    policy.newBackOff(opts.Clock),
		subs:     make(map[int]provider.Handler),
	}
}

// State returns the current channel state.
func (m *Manager) State() status.State { return m.machine.Current() }

// IsOpen reports whether the channel is Open.
func (m *Manager) IsOpen() bool { return m.machine.Current() == status.Open }

// Failures returns the consecutive-failure counter.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// LastActivity returns when the last event or successful open was seen.
func (m *Manager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Subscribe registers h and returns a function that removes it.
func (m *Manager) Subscribe(h provider.Handler) func() {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = h
	m.order = append(m.order, id)
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		delete(m.subs, id)
		for i, v := range m.order {
			if v == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
}

// dispatch hands evt to every current subscriber before returning.
func (m *Manager) dispatch(evt provider.Event) {
	m.subsMu.RLock()
	handlers := make([]provider.Handler, 0, len(m.order))
	for _, id := range m.order {
		handlers = append(handlers, m.subs[id])
	}
	m.subsMu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}

// Connect opens the channel for s. It is idempotent for the session that
// is already open or connecting. A different session replaces the current
// connection. If the first attempt fails transiently the error is returned
// and a reconnect is scheduled.
func (m *Manager) Connect(ctx context.Context, s provider.Session) error {
	m.mu.Lock()
	state := m.machine.Current()
	if (state == status.Open || state == status.Connecting) && m.session.Token == s.Token {
		m.mu.Unlock()
		return nil
	}
	old, cancel := m.detachLocked()
	switch state {
	case status.Open:
		m.transitionLocked(status.Closing)
		m.transitionLocked(status.ClosedClean)
	case status.Connecting:
		m.transitionLocked(status.ClosedClean)
	}
	m.session = s
	m.failures = 0
	m.retry.Reset()
	gen := m.beginAttemptLocked()
	m.mu.Unlock()

	closeConn(old, cancel, "session replaced")
	return m.dial(ctx, gen)
}

// Disconnect closes the channel and cancels any pending reconnect. Safe to
// call from any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	state := m.machine.Current()
	old, cancel := m.detachLocked()
	m.gen++
	switch state {
	case status.Open:
		m.transitionLocked(status.Closing)
		m.transitionLocked(status.ClosedClean)
	case status.ClosedClean:
	default:
		m.transitionLocked(status.ClosedClean)
	}
	m.mu.Unlock()

	closeConn(old, cancel, "client disconnect")
	m.logger.Info("channel closed by client")
}

// detachLocked stops the pending timer and hands back the live connection
// so it can be closed outside the lock.
func (m *Manager) detachLocked() (Conn, context.CancelFunc) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn, cancel := m.conn, m.cancelConn
	m.conn, m.cancelConn = nil, nil
	return conn, cancel
}

func closeConn(c Conn, cancel context.CancelFunc, reason string) {
	if cancel != nil {
		cancel()
	}
	if c != nil {
		_ = c.Close(reason)
	}
}

func (m *Manager) beginAttemptLocked() uint64 {
	m.gen++
	m.transitionLocked(status.Connecting)
	return m.gen
}

func (m *Manager) transitionLocked(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		m.logger.Warn("unexpected channel transition", zap.Error(err))
	}
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.policy.DialTimeout)
	conn, err := m.dialer.Dial(dctx, session)
	cancel()
	if err != nil && provider.KindOf(err) == 0 {
		err = provider.Transient(m.id, err)
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close("superseded")
		}
		return nil
	}
	if err != nil {
		notice := m.failLocked(gen, err)
		m.mu.Unlock()
		m.notify(notice)
		return err
	}

	connCtx, cancelConn := context.WithCancel(context.Background())
	m.conn = conn
	m.cancelConn = cancelConn
	m.failures = 0
	m.retry.Reset()
	m.lastActivity = m.clock.Now()
	m.transitionLocked(status.Open)
	m.mu.Unlock()

	m.logger.Info("channel open")
	go m.readLoop(connCtx, gen, conn)
	if m.policy.Heartbeat > 0 {
		go m.heartbeat(connCtx, gen, conn)
	}
	m.notify(&Notice{Provider: m.id, State: status.Open})
	return nil
}

// failLocked moves the attempt gen to ClosedError and decides between
// scheduling a reconnect and halting. Repeated failures of the same
// attempt (reader and heartbeat racing) are counted once.
func (m *Manager) failLocked(gen uint64, err error) *Notice {
	state := m.machine.Current()
	if gen != m.gen || (state != status.Open && state != status.Connecting) {
		return nil
	}
	if provider.KindOf(err) == 0 {
		err = provider.Transient(m.id, err)
	}

	old, cancel := m.detachLocked()
	go closeConn(old, cancel, "channel error")

	m.failures++
	m.transitionLocked(status.ClosedError)
	notice := &Notice{
		Provider: m.id,
		State:    status.ClosedError,
		Failures: m.failures,
		Err:      err,
		Degraded: m.failures >= m.policy.DegradedAfter,
	}

	if !provider.IsRetryable(err) {
		notice.Halted = true
		m.logger.Warn("channel halted", zap.Error(err))
		return notice
	}

	delay := m.retry.NextBackOff()
	if delay == backoff.Stop {
		notice.Halted = true
		notice.Degraded = true
		m.logger.Warn("retry budget exhausted", zap.Int("failures", m.failures), zap.Error(err))
		return notice
	}

	notice.NextRetry = delay
	m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
	if notice.Degraded {
		m.logger.Warn("channel failing", zap.Int("failures", m.failures), zap.Duration("retry_in", delay), zap.Error(err))
	} else {
		m.logger.Info("channel closed, reconnecting", zap.Int("failures", m.failures), zap.Duration("retry_in", delay), zap.Error(err))
	}
	return notice
}

func (m *Manager) reconnect(prev uint64) {
	m.mu.Lock()
	if prev != m.gen || m.machine.Current() != status.ClosedError {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	gen := m.beginAttemptLocked()
	m.mu.Unlock()

	_ = m.dial(context.Background(), gen)
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		evt, err := conn.Read(ctx)
		if err != nil {
			m.mu.Lock()
			notice := m.failLocked(gen, err)
			m.mu.Unlock()
			m.notify(notice)
			return
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.lastActivity = m.clock.Now()
		m.mu.Unlock()

		if evt.Source == "" {
			evt.Source = m.id
		}
		m.dispatch(evt)
	}
}

func (m *Manager) heartbeat(ctx context.Context, gen uint64, conn Conn) {
	ticker := m.clock.NewTicker(m.policy.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, m.policy.DialTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			notice := m.failLocked(gen, provider.Transient(m.id, err))
			m.mu.Unlock()
			m.notify(notice)
			return
		}
	}
}

func (m *Manager) notify(n *Notice) {
	if n == nil {
		return
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: bus.KindChannelNotice, Source: string(m.id), Payload: *n})
	}
	if m.onNotice != nil {
		m.onNotice(*n)
	}
}
