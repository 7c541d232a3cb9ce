package store

import (
	"database/sql"
	"fmt"
	"slices"
	"time"
)

const messageColumns = `id, provider, chat_id, msg_id, sender, body, direction, delivery, timestamp`

// InsertMessage stores m unless a message with the same (provider, chat_id,
// msg_id) already exists. It reports whether a row was inserted.
func (db *DB) InsertMessage(m *Message) (bool, error) {
	res, err := db.Exec(`
		INSERT INTO messages (provider, chat_id, msg_id, sender, body, direction, delivery, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, chat_id, msg_id) DO NOTHING`,
		m.Provider, m.ChatID, m.MsgID, m.Sender, m.Body, m.Direction, m.Delivery, millis(m.Timestamp), time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMessages returns the newest limit messages of a chat in ascending
// (timestamp, msg_id) order, ids compared as provider.CompareIDs does. limit <= 0 returns every message.
func (db *DB) ListMessages(provider, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE provider = ? AND chat_id = ?
		ORDER BY timestamp DESC, length(msg_id) DESC, msg_id DESC
		LIMIT ?`, provider, chatID, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// GetMessage returns one message, or nil if it is not cached.
func (db *DB) GetMessage(provider, chatID, msgID string) (*Message, error) {
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages WHERE provider = ? AND chat_id = ? AND msg_id = ?`,
		provider, chatID, msgID)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

// DeleteMessages removes every cached message of a chat.
func (db *DB) DeleteMessages(provider, chatID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE provider = ? AND chat_id = ?`, provider, chatID)
	return err
}

// ConfirmMessage replaces the optimistic row clientID with the server's id
// and timestamp. If the server copy was already stored (the push arrived
// before the send returned) the optimistic row is dropped instead.
func (db *DB) ConfirmMessage(provider, chatID, clientID, serverID string, ts time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM messages WHERE provider = ? AND chat_id = ? AND msg_id = ?`,
		provider, chatID, serverID).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(`
			UPDATE messages SET msg_id = ?, delivery = 'confirmed', timestamp = ?
			WHERE provider = ? AND chat_id = ? AND msg_id = ?`,
			serverID, millis(ts), provider, chatID, clientID); err != nil {
			return fmt.Errorf("confirm message: %w", err)
		}
	case err != nil:
		return err
	default:
		if _, err := tx.Exec(`DELETE FROM messages WHERE provider = ? AND chat_id = ? AND msg_id = ?`,
			provider, chatID, clientID); err != nil {
			return fmt.Errorf("drop optimistic copy: %w", err)
		}
		if _, err := tx.Exec(`UPDATE messages SET delivery = 'confirmed' WHERE provider = ? AND chat_id = ? AND msg_id = ?`,
			provider, chatID, serverID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetDelivery updates the delivery state of one message.
func (db *DB) SetDelivery(provider, chatID, msgID, delivery string) error {
	_, err := db.Exec(`UPDATE messages SET delivery = ? WHERE provider = ? AND chat_id = ? AND msg_id = ?`,
		delivery, provider, chatID, msgID)
	return err
}

// TrimMessages keeps only the newest keep messages of a chat and returns
// how many were removed.
func (db *DB) TrimMessages(provider, chatID string, keep int) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM messages
		WHERE provider = ? AND chat_id = ? AND id NOT IN (
			SELECT id FROM messages
			WHERE provider = ? AND chat_id = ?
			ORDER BY timestamp DESC, length(msg_id) DESC, msg_id DESC
			LIMIT ?
		)`, provider, chatID, provider, chatID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MessageCount returns the number of cached messages for provider.
func (db *DB) MessageCount(provider string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE provider = ?`, provider).Scan(&count)
	return count, err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.Provider, &m.ChatID, &m.MsgID, &m.Sender, &m.Body, &m.Direction, &m.Delivery, &ts); err != nil {
			return nil, err
		}
		m.Timestamp = fromMillis(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
