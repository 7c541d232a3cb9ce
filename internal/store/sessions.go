package store

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/omnichat/internal/codec"
	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/sealed"
)

// ErrUnavailable is returned by Sessions when no database is open.
var ErrUnavailable = errors.New("session store unavailable")

// sessionRecord is the sealed payload of a sessions row.
type sessionRecord struct {
	Token     string    `cbor:"1,keyasint"`
	UserID    string    `cbor:"2,keyasint"`
	CreatedAt time.Time `cbor:"3,keyasint"`
}

// Sessions persists one Session per provider. Tokens are CBOR-encoded and
// sealed with the profile's age identity before they reach the database.
// It performs no network I/O and never validates a session remotely.
type Sessions struct {
	db     *DB
	sealer *sealed.Sealer
	logger *zap.Logger
}

// NewSessions creates a session store. A nil db yields a store whose
// writes fail with ErrUnavailable and whose reads find nothing.
func NewSessions(db *DB, sealer *sealed.Sealer, logger *zap.Logger) *Sessions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sessions{db: db, sealer: sealer, logger: logger.Named("sessions")}
}

// Save stores s for p, replacing any previous session.
func (s *Sessions) Save(p provider.ID, sess provider.Session) error {
	if s.db == nil || s.sealer == nil {
		return ErrUnavailable
	}
	raw, err := codec.Marshal(sessionRecord{Token: sess.Token, UserID: sess.UserID, CreatedAt: sess.CreatedAt})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	payload, err := s.sealer.Seal(raw)
	if err != nil {
		return fmt.Errorf("seal session: %w", err)
	}
	if err := s.db.PutSession(string(p), payload, sess.Valid); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load returns the stored session for p. ok is false when none exists. A
// row that cannot be unsealed or decoded is treated as absent and removed.
func (s *Sessions) Load(p provider.ID) (provider.Session, bool, error) {
	if s.db == nil || s.sealer == nil {
		return provider.Session{}, false, nil
	}
	row, err := s.db.GetSession(string(p))
	if err != nil {
		return provider.Session{}, false, fmt.Errorf("load session: %w", err)
	}
	if row == nil {
		return provider.Session{}, false, nil
	}

	var rec sessionRecord
	raw, err := s.sealer.Open(row.Payload)
	if err == nil {
		err = codec.Unmarshal(raw, &rec)
	}
	if err != nil || rec.Token == "" {
		s.logger.Warn("discarding unreadable session", zap.String("provider", string(p)), zap.Error(err))
		if derr := s.db.DeleteSession(string(p)); derr != nil {
			s.logger.Error("delete unreadable session", zap.Error(derr))
		}
		return provider.Session{}, false, nil
	}

	return provider.Session{
		Provider:  p,
		UserID:    rec.UserID,
		Token:     rec.Token,
		CreatedAt: rec.CreatedAt,
		Valid:     row.Valid,
	}, true, nil
}

// Clear removes the session for p.
func (s *Sessions) Clear(p provider.ID) error {
	if s.db == nil {
		return ErrUnavailable
	}
	if err := s.db.DeleteSession(string(p)); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// MarkInvalid keeps the session for p but flags it as rejected.
func (s *Sessions) MarkInvalid(p provider.ID) error {
	if s.db == nil {
		return ErrUnavailable
	}
	if err := s.db.SetSessionValid(string(p), false); err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}
