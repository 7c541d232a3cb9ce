package store

import (
	"database/sql"
	"errors"
	"time"
)

// PutSession writes the session row for provider, replacing any previous one.
func (db *DB) PutSession(provider string, payload []byte, valid bool) error {
	_, err := db.Exec(`
		INSERT INTO sessions (provider, payload, valid, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			payload = excluded.payload,
			valid = excluded.valid,
			updated_at = excluded.updated_at`,
		provider, payload, valid, time.Now().UnixMilli())
	return err
}

// GetSession returns the session row for provider, or nil if none exists.
func (db *DB) GetSession(provider string) (*SessionRow, error) {
	var (
		r  SessionRow
		ts int64
	)
	err := db.QueryRow(`SELECT provider, payload, valid, updated_at FROM sessions WHERE provider = ?`, provider).
		Scan(&r.Provider, &r.Payload, &r.Valid, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.UpdatedAt = fromMillis(ts)
	return &r, nil
}

// SetSessionValid flips the validity flag without touching the payload.
func (db *DB) SetSessionValid(provider string, valid bool) error {
	_, err := db.Exec(`UPDATE sessions SET valid = ?, updated_at = ? WHERE provider = ?`,
		valid, time.Now().UnixMilli(), provider)
	return err
}

// DeleteSession removes the session row for provider. Deleting a missing
// row is not an error.
func (db *DB) DeleteSession(provider string) error {
	_, err := db.Exec(`DELETE FROM sessions WHERE provider = ?`, provider)
	return err
}
