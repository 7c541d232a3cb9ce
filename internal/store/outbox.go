package store

import (
	"database/sql"
	"errors"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(provider, clientMsgID, chatID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (provider, client_msg_id, chat_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		provider, clientMsgID, chatID, body, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	return db.setOutbox(`status = 'sending'`, clientMsgID)
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	return db.setOutbox(`status = 'sent', server_msg_id = ?`, clientMsgID, serverMsgID)
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	return db.setOutbox(`status = 'failed', error_message = ?`, clientMsgID, errMsg)
}

func (db *DB) setOutbox(set, clientMsgID string, args ...any) error {
	args = append(args, time.Now().UnixMilli(), clientMsgID)
	_, err := db.Exec(`UPDATE outbox SET `+set+`, updated_at = ? WHERE client_msg_id = ?`, args...)
	return err
}

// GetOutbox returns one outbox entry, or nil if clientMsgID is unknown.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT id, provider, client_msg_id, chat_id, body, status, error_message, server_msg_id
		FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ID, &e.Provider, &e.ClientMsgID, &e.ChatID, &e.Body, &e.Status, &e.ErrorMessage, &e.ServerMsgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UnsentOutbox returns the entries of provider that never reached 'sent'
// or 'failed', oldest first. After a crash these are stuck in 'queued' or
// 'sending'.
func (db *DB) UnsentOutbox(provider string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, provider, client_msg_id, chat_id, body, status, error_message, server_msg_id
		FROM outbox WHERE provider = ? AND status IN ('queued', 'sending') ORDER BY created_at ASC, id ASC`, provider)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.Provider, &e.ClientMsgID, &e.ChatID, &e.Body, &e.Status, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
