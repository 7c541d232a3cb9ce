package store

import (
	"fmt"
	"time"
)

// ReplaceChats stores chats as the roster snapshot of provider, in the
// given order.
func (db *DB) ReplaceChats(provider string, chats []Chat) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chats WHERE provider = ?`, provider); err != nil {
		return fmt.Errorf("clear chats: %w", err)
	}

	now := time.Now().UnixMilli()
	for i, c := range chats {
		if _, err := tx.Exec(`
			INSERT INTO chats (provider, chat_id, position, name, kind, can_send, archived,
				unread_count, last_msg_id, last_msg_text, last_msg_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			provider, c.ChatID, i, c.Name, c.Kind, c.CanSend, c.Archived,
			c.UnreadCount, c.LastMsgID, c.LastMsgText, millis(c.LastMsgAt), now); err != nil {
			return fmt.Errorf("insert chat %q: %w", c.ChatID, err)
		}
	}
	return tx.Commit()
}

// ListChats returns the roster snapshot of provider in stored order.
func (db *DB) ListChats(provider string) ([]Chat, error) {
	rows, err := db.Query(`
		SELECT provider, chat_id, position, name, kind, can_send, archived,
			unread_count, last_msg_id, last_msg_text, last_msg_at
		FROM chats
		WHERE provider = ?
		ORDER BY position ASC`, provider)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var (
			c  Chat
			ts int64
		)
		if err := rows.Scan(&c.Provider, &c.ChatID, &c.Position, &c.Name, &c.Kind, &c.CanSend, &c.Archived,
			&c.UnreadCount, &c.LastMsgID, &c.LastMsgText, &ts); err != nil {
			return nil, err
		}
		c.LastMsgAt = fromMillis(ts)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
