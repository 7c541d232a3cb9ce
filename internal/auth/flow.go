// Package auth runs the interactive login of one provider: identifier,
// challenge response, optional second factor, then a persisted session.
package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/matheus3301/omnichat/internal/bus"
	"github.com/matheus3301/omnichat/internal/provider"
)

// Step is the position of the login flow.
type Step int

const (
	AwaitingIdentifier Step = iota
	AwaitingChallengeResponse
	AwaitingSecondFactor
	Authenticated
	Failed
)

func (s Step) String() string {
	switch s {
	case AwaitingIdentifier:
		return "AWAITING_IDENTIFIER"
	case AwaitingChallengeResponse:
		return "AWAITING_CHALLENGE_RESPONSE"
	case AwaitingSecondFactor:
		return "AWAITING_SECOND_FACTOR"
	case Authenticated:
		return "AUTHENTICATED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// ErrFinished is returned by Submit once the flow is Authenticated or
// Failed. Reset starts a new attempt.
var ErrFinished = errors.New("auth flow finished")

// ErrEmptyValue is returned when Submit gets an empty value.
var ErrEmptyValue = errors.New("empty value")

// Challenge is the backend's answer to an identifier.
type Challenge struct {
	// Token correlates the following verify call with this challenge.
	Token string
	// Hint describes where the code was sent, if the backend says.
	Hint string
}

// Verification is the backend's answer to a challenge response or second
// factor. Exactly one of Session or SecondFactor is set on success.
type Verification struct {
	Session      *provider.Session
	SecondFactor bool
	// Token replaces the correlation token when the backend rotates it.
	Token string
	Hint  string
}

// Transport is the backend side of the login. Errors are *provider.Error.
type Transport interface {
	RequestChallenge(ctx context.Context, identifier string) (Challenge, error)
	VerifyChallenge(ctx context.Context, token, code string) (Verification, error)
	VerifySecondFactor(ctx context.Context, token, secret string) (Verification, error)
}

// SessionSaver persists the session produced by a successful login.
type SessionSaver interface {
	Save(p provider.ID, s provider.Session) error
	Clear(p provider.ID) error
}

// State is a snapshot of the flow, safe to hand to consumers. The raw
// identifier and the correlation token are never exposed.
type State struct {
	Provider       provider.ID
	Step           Step
	IdentifierHash string
	Hint           string
	// Reason is the last error surfaced to the user, if any.
	Reason    string
	Retryable bool
}

// Options wires a Flow.
type Options struct {
	Provider  provider.ID
	Transport Transport
	Sessions  SessionSaver
	Bus       *bus.Bus
	Logger    *zap.Logger
	Now       func() time.Time
}

// attempt is the in-memory AuthAttempt. It is replaced, never reused.
type attempt struct {
	step   Step
	token  string
	idHash string
	hint   string
}

// Flow is the auth state machine for one provider. Submits are serialized;
// Abandon and Reset may be called while a submit is in flight, in which
// case its result is discarded.
type Flow struct {
	id        provider.ID
	transport Transport
	sessions  SessionSaver
	bus       *bus.Bus
	logger    *zap.Logger
	now       func() time.Time

	submitMu sync.Mutex

	mu        sync.Mutex
	cur       *attempt
	reason    string
	retryable bool
	session   *provider.Session
}

// NewFlow returns a flow in AwaitingIdentifier.
func NewFlow(opts Options) *Flow {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Flow{
		id:        opts.Provider,
		transport: opts.Transport,
		sessions:  opts.Sessions,
		bus:       opts.Bus,
		logger:    opts.Logger.Named("auth").With(zap.String("provider", string(opts.Provider))),
		now:       opts.Now,
		cur:       &attempt{step: AwaitingIdentifier},
	}
}

// Step returns the current step.
func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur.step
}

// State returns a snapshot of the flow.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

func (f *Flow) stateLocked() State {
	return State{
		Provider:       f.id,
		Step:           f.cur.step,
		IdentifierHash: f.cur.idHash,
		Hint:           f.cur.hint,
		Reason:         f.reason,
		Retryable:      f.retryable,
	}
}

// Session returns the session produced by the flow, if Authenticated.
func (f *Flow) Session() (provider.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return provider.Session{}, false
	}
	return *f.session, true
}

// Submit feeds one user value to the current step and performs the one
// backend round trip that step needs. On a rejected or transient failure
// the step is unchanged and the error is returned.
func (f *Flow) Submit(ctx context.Context, value string) (Step, error) {
	f.submitMu.Lock()
	defer f.submitMu.Unlock()

	f.mu.Lock()
	cur := f.cur
	step := cur.step
	f.mu.Unlock()

	if step == Authenticated || step == Failed {
		return step, ErrFinished
	}
	if value == "" {
		return step, ErrEmptyValue
	}

	switch step {
	case AwaitingIdentifier:
		idHash := HashIdentifier(value)
		ch, err := f.transport.RequestChallenge(ctx, value)
		if err != nil {
			return f.stay(cur, err)
		}
		return f.advance(cur, attempt{step: AwaitingChallengeResponse, token: ch.Token, idHash: idHash, hint: ch.Hint})

	case AwaitingChallengeResponse:
		v, err := f.transport.VerifyChallenge(ctx, cur.token, value)
		if err != nil {
			return f.stay(cur, err)
		}
		return f.verified(cur, v)

	case AwaitingSecondFactor:
		v, err := f.transport.VerifySecondFactor(ctx, cur.token, value)
		if err != nil {
			return f.stay(cur, err)
		}
		return f.verified(cur, v)
	}
	return step, fmt.Errorf("unexpected step %s", step)
}

func (f *Flow) verified(cur *attempt, v Verification) (Step, error) {
	if v.SecondFactor {
		token := v.Token
		if token == "" {
			token = cur.token
		}
		return f.advance(cur, attempt{step: AwaitingSecondFactor, token: token, idHash: cur.idHash, hint: v.Hint})
	}
	if v.Session == nil || v.Session.Token == "" {
		return f.fail(cur, fmt.Errorf("backend returned no session"))
	}

	sess := *v.Session
	sess.Provider = f.id
	sess.Valid = true
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = f.now()
	}

	f.mu.Lock()
	stale := f.cur != cur
	f.mu.Unlock()
	if stale {
		return f.Step(), nil
	}
	if err := f.sessions.Save(f.id, sess); err != nil {
		return f.fail(cur, fmt.Errorf("persist session: %w", err))
	}

	f.mu.Lock()
	if f.cur != cur {
		step := f.cur.step
		f.mu.Unlock()
		// Abandoned or reset while saving: the attempt never authenticated,
		// so its session must not outlive it.
		if err := f.sessions.Clear(f.id); err != nil {
			f.logger.Error("failed to clear session of discarded attempt", zap.Error(err))
		}
		return step, nil
	}
	f.cur = &attempt{step: Authenticated, idHash: cur.idHash}
	f.session = &sess
	f.reason, f.retryable = "", false
	state := f.stateLocked()
	f.mu.Unlock()

	f.logger.Info("authenticated", zap.String("identifier", cur.idHash))
	f.publish(state)
	return Authenticated, nil
}

// advance moves from cur to next unless cur was abandoned meanwhile.
func (f *Flow) advance(cur *attempt, next attempt) (Step, error) {
	f.mu.Lock()
	if f.cur != cur {
		step := f.cur.step
		f.mu.Unlock()
		return step, nil
	}
	f.cur = &next
	f.reason, f.retryable = "", false
	state := f.stateLocked()
	f.mu.Unlock()

	f.logger.Info("auth step", zap.Stringer("step", next.step), zap.String("identifier", next.idHash))
	f.publish(state)
	return next.step, nil
}

// stay records a failed round trip. An expired correlation token ends the
// attempt; anything else leaves the step as it was.
func (f *Flow) stay(cur *attempt, err error) (Step, error) {
	if cur.step != AwaitingIdentifier && provider.IsSessionInvalid(err) {
		return f.fail(cur, err)
	}

	f.mu.Lock()
	if f.cur != cur {
		step := f.cur.step
		f.mu.Unlock()
		return step, err
	}
	f.reason = reasonOf(err)
	f.retryable = provider.IsRetryable(err)
	state := f.stateLocked()
	f.mu.Unlock()

	f.logger.Warn("auth step rejected", zap.Stringer("step", cur.step), zap.Bool("retryable", state.Retryable), zap.Error(err))
	f.publish(state)
	return cur.step, err
}

func (f *Flow) fail(cur *attempt, err error) (Step, error) {
	f.mu.Lock()
	if f.cur != cur {
		step := f.cur.step
		f.mu.Unlock()
		return step, err
	}
	f.cur = &attempt{step: Failed, idHash: cur.idHash}
	f.reason, f.retryable = reasonOf(err), false
	state := f.stateLocked()
	f.mu.Unlock()

	f.logger.Warn("auth failed", zap.Error(err))
	f.publish(state)
	return Failed, err
}

// Abandon discards the current attempt. The flow moves to Failed unless it
// already finished. No backend call is made.
func (f *Flow) Abandon() {
	f.mu.Lock()
	if f.cur.step == Authenticated || f.cur.step == Failed {
		f.mu.Unlock()
		return
	}
	f.cur = &attempt{step: Failed}
	f.reason, f.retryable = "abandoned", false
	state := f.stateLocked()
	f.mu.Unlock()

	f.logger.Info("auth abandoned")
	f.publish(state)
}

// Reset starts a fresh attempt at AwaitingIdentifier and forgets any
// session the previous attempt produced.
func (f *Flow) Reset() {
	f.mu.Lock()
	f.cur = &attempt{step: AwaitingIdentifier}
	f.session = nil
	f.reason, f.retryable = "", false
	state := f.stateLocked()
	f.mu.Unlock()

	f.publish(state)
}

func (f *Flow) publish(s State) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(bus.Event{Kind: bus.KindAuthStep, Source: string(f.id), Payload: s})
}

func reasonOf(err error) string {
	var perr *provider.Error
	if errors.As(err, &perr) {
		if perr.Reason != "" {
			return perr.Reason
		}
		if perr.Code != "" {
			return perr.Code
		}
		return perr.Kind.String()
	}
	return err.Error()
}

// HashIdentifier returns the digest under which an identifier (phone
// number, username) appears in memory and logs.
func HashIdentifier(identifier string) string {
	sum := blake3.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:8])
}
