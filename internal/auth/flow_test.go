package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/omnichat/internal/bus"
	"github.com/matheus3301/omnichat/internal/provider"
)

// fakeTransport follows the login of a Telegram-like backend.
type fakeTransport struct {
	needSecondFactor bool
	requestErr       error
	verifyErr        error
	secondErr        error

	identifiers []string
	gotToken    string
	gotCode     string
	release     chan struct{}
}

func (f *fakeTransport) RequestChallenge(_ context.Context, identifier string) (Challenge, error) {
	f.identifiers = append(f.identifiers, identifier)
	if f.requestErr != nil {
		return Challenge{}, f.requestErr
	}
	return Challenge{Token: "abc123", Hint: "sms"}, nil
}

func (f *fakeTransport) VerifyChallenge(_ context.Context, token, code string) (Verification, error) {
	if f.release != nil {
		<-f.release
	}
	f.gotToken, f.gotCode = token, code
	if f.verifyErr != nil {
		return Verification{}, f.verifyErr
	}
	if f.needSecondFactor {
		return Verification{SecondFactor: true, Hint: "pet name"}, nil
	}
	return Verification{Session: &provider.Session{Token: "sess-9", UserID: "u1"}}, nil
}

func (f *fakeTransport) VerifySecondFactor(_ context.Context, token, secret string) (Verification, error) {
	f.gotToken = token
	if f.secondErr != nil {
		return Verification{}, f.secondErr
	}
	return Verification{Session: &provider.Session{Token: "sess-2fa"}}, nil
}

type memSessions struct {
	saved map[provider.ID]provider.Session
	err   error
	// onSave runs after a successful save.
	onSave func()
}

func (m *memSessions) Save(p provider.ID, s provider.Session) error {
	if m.err != nil {
		return m.err
	}
	if m.saved == nil {
		m.saved = make(map[provider.ID]provider.Session)
	}
	m.saved[p] = s
	if m.onSave != nil {
		m.onSave()
	}
	return nil
}

func (m *memSessions) Clear(p provider.ID) error {
	delete(m.saved, p)
	return nil
}

func newFlow(tr *fakeTransport, sessions *memSessions, b *bus.Bus) *Flow {
	return NewFlow(Options{
		Provider:  "tg",
		Transport: tr,
		Sessions:  sessions,
		Bus:       b,
		Now:       func() time.Time { return time.Unix(1000, 0).UTC() },
	})
}

func mustStep(t *testing.T, got Step, err error, want Step) {
	t.Helper()
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got != want {
		t.Fatalf("step = %s, want %s", got, want)
	}
}

func TestLoginWithCode(t *testing.T) {
	tr := &fakeTransport{}
	sessions := &memSessions{}
	f := newFlow(tr, sessions, nil)

	step, err := f.Submit(context.Background(), "+15551234567")
	mustStep(t, step, err, AwaitingChallengeResponse)

	step, err = f.Submit(context.Background(), "77777")
	mustStep(t, step, err, Authenticated)

	if tr.gotToken != "abc123" || tr.gotCode != "77777" {
		t.Errorf("verify called with (%q, %q), want (abc123, 77777)", tr.gotToken, tr.gotCode)
	}
	saved, ok := sessions.saved["tg"]
	if !ok || saved.Token != "sess-9" {
		t.Fatalf("saved session = %+v, want token sess-9", saved)
	}
	if !saved.Valid || saved.Provider != "tg" || saved.CreatedAt.IsZero() {
		t.Errorf("saved session = %+v, want valid tg session with creation time", saved)
	}
	if got, ok := f.Session(); !ok || got.Token != "sess-9" {
		t.Errorf("Session() = %+v, %v", got, ok)
	}
}

func TestLoginWithSecondFactor(t *testing.T) {
	tr := &fakeTransport{needSecondFactor: true}
	sessions := &memSessions{}
	f := newFlow(tr, sessions, nil)

	_, _ = f.Submit(context.Background(), "+15551234567")
	step, err := f.Submit(context.Background(), "77777")
	mustStep(t, step, err, AwaitingSecondFactor)
	if _, ok := sessions.saved["tg"]; ok {
		t.Fatal("session saved before second factor")
	}
	if f.State().Hint != "pet name" {
		t.Errorf("hint = %q", f.State().Hint)
	}

	step, err = f.Submit(context.Background(), "hunter2")
	mustStep(t, step, err, Authenticated)
	if tr.gotToken != "abc123" {
		t.Errorf("second factor token = %q, want the kept correlation token", tr.gotToken)
	}
	if sessions.saved["tg"].Token != "sess-2fa" {
		t.Errorf("saved = %+v", sessions.saved["tg"])
	}
}

func TestRejectionKeepsStep(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeTransport)
		steps []string
		want  Step
	}{
		{
			name:  "invalid identifier",
			setup: func(tr *fakeTransport) { tr.requestErr = &provider.Error{Kind: provider.KindInvalidCredential, Code: "PHONE_NUMBER_INVALID"} },
			steps: []string{"+1"},
			want:  AwaitingIdentifier,
		},
		{
			name:  "wrong code",
			setup: func(tr *fakeTransport) { tr.verifyErr = &provider.Error{Kind: provider.KindInvalidCredential, Code: "PHONE_CODE_INVALID"} },
			steps: []string{"+15551234567", "00000"},
			want:  AwaitingChallengeResponse,
		},
		{
			name: "wrong password",
			setup: func(tr *fakeTransport) {
				tr.needSecondFactor = true
				tr.secondErr = &provider.Error{Kind: provider.KindInvalidCredential, Code: "PASSWORD_HASH_INVALID"}
			},
			steps: []string{"+15551234567", "77777", "nope"},
			want:  AwaitingSecondFactor,
		},
		{
			name:  "network timeout",
			setup: func(tr *fakeTransport) { tr.verifyErr = provider.Transient("tg", context.DeadlineExceeded) },
			steps: []string{"+15551234567", "77777"},
			want:  AwaitingChallengeResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{}
			tt.setup(tr)
			f := newFlow(tr, &memSessions{}, nil)

			var (
				step Step
				err  error
			)
			for _, v := range tt.steps {
				step, err = f.Submit(context.Background(), v)
			}
			if err == nil {
				t.Fatal("expected the last submit to fail")
			}
			if step != tt.want || f.Step() != tt.want {
				t.Errorf("step = %s, want %s", step, tt.want)
			}
			if f.State().Reason == "" {
				t.Error("no reason surfaced")
			}
		})
	}
}

func TestTransientFailureIsRetryable(t *testing.T) {
	tr := &fakeTransport{verifyErr: provider.Transient("tg", errors.New("connection reset"))}
	f := newFlow(tr, &memSessions{}, nil)
	_, _ = f.Submit(context.Background(), "+15551234567")
	_, _ = f.Submit(context.Background(), "77777")

	if !f.State().Retryable {
		t.Fatal("transient failure not marked retryable")
	}
	tr.verifyErr = nil
	step, err := f.Submit(context.Background(), "77777")
	mustStep(t, step, err, Authenticated)
}

func TestExpiredCorrelationTokenFails(t *testing.T) {
	tr := &fakeTransport{verifyErr: provider.Expired("tg", "PHONE_CODE_EXPIRED", "code expired")}
	f := newFlow(tr, &memSessions{}, nil)
	_, _ = f.Submit(context.Background(), "+15551234567")

	step, err := f.Submit(context.Background(), "77777")
	if step != Failed || !provider.IsSessionInvalid(err) {
		t.Fatalf("step = %s err = %v, want FAILED with session-expired", step, err)
	}
	if _, err := f.Submit(context.Background(), "77777"); !errors.Is(err, ErrFinished) {
		t.Errorf("submit after failure = %v, want ErrFinished", err)
	}

	f.Reset()
	if f.Step() != AwaitingIdentifier {
		t.Errorf("after Reset step = %s", f.Step())
	}
}

func TestSaveFailureFails(t *testing.T) {
	f := newFlow(&fakeTransport{}, &memSessions{err: errors.New("disk full")}, nil)
	_, _ = f.Submit(context.Background(), "+15551234567")

	step, err := f.Submit(context.Background(), "77777")
	if step != Failed || err == nil {
		t.Fatalf("step = %s err = %v, want FAILED", step, err)
	}
	if _, ok := f.Session(); ok {
		t.Error("session emitted without being persisted")
	}
}

func TestAbandon(t *testing.T) {
	tr := &fakeTransport{}
	f := newFlow(tr, &memSessions{}, nil)
	_, _ = f.Submit(context.Background(), "+15551234567")

	f.Abandon()
	st := f.State()
	if st.Step != Failed || st.Reason != "abandoned" {
		t.Errorf("state = %+v, want FAILED/abandoned", st)
	}
	if len(tr.identifiers) != 1 {
		t.Error("abandon made backend calls")
	}
}

func TestAbandonDuringSubmitDiscardsResult(t *testing.T) {
	tr := &fakeTransport{release: make(chan struct{})}
	sessions := &memSessions{}
	f := newFlow(tr, sessions, nil)
	_, _ = f.Submit(context.Background(), "+15551234567")

	done := make(chan Step)
	go func() {
		step, _ := f.Submit(context.Background(), "77777")
		done <- step
	}()
	f.Abandon()
	close(tr.release)

	if step := <-done; step != Failed {
		t.Errorf("step = %s, want FAILED", step)
	}
	if _, ok := sessions.saved["tg"]; ok {
		t.Error("abandoned attempt saved a session")
	}
}

func TestAbandonWhileSavingDropsSession(t *testing.T) {
	for _, tt := range []struct {
		name      string
		interrupt func(f *Flow)
		want      Step
	}{
		{"abandon", (*Flow).Abandon, Failed},
		{"reset", (*Flow).Reset, AwaitingIdentifier},
	} {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &memSessions{}
			f := newFlow(&fakeTransport{}, sessions, nil)
			sessions.onSave = func() { tt.interrupt(f) }
			_, _ = f.Submit(context.Background(), "+15551234567")

			step, err := f.Submit(context.Background(), "77777")
			if err != nil || step != tt.want {
				t.Fatalf("step = %s err = %v, want %s", step, err, tt.want)
			}
			if s, ok := sessions.saved["tg"]; ok {
				t.Errorf("session %+v left stored by a discarded attempt", s)
			}
			if _, ok := f.Session(); ok {
				t.Error("flow emitted a session without authenticating")
			}
		})
	}
}

func TestIdentifierNeverExposed(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("auth.", 10)
	defer unsub()

	f := newFlow(&fakeTransport{}, &memSessions{}, b)
	_, _ = f.Submit(context.Background(), "+15551234567")

	st := f.State()
	if st.IdentifierHash == "" || strings.Contains(st.IdentifierHash, "5551234567") {
		t.Errorf("identifier hash = %q", st.IdentifierHash)
	}
	if st.IdentifierHash != HashIdentifier("+15551234567") {
		t.Error("hash is not stable")
	}

	select {
	case evt := <-ch:
		got, ok := evt.Payload.(State)
		if !ok || got.Step != AwaitingChallengeResponse {
			t.Errorf("event payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no auth.step_changed event")
	}
}

func TestEmptyValueRejected(t *testing.T) {
	f := newFlow(&fakeTransport{}, &memSessions{}, nil)
	if _, err := f.Submit(context.Background(), ""); !errors.Is(err, ErrEmptyValue) {
		t.Errorf("error = %v, want ErrEmptyValue", err)
	}
}
