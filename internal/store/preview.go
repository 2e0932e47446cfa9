package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexuschat/nexus/internal/chat"
)

// ReplacePreviews stores list as the cached directory, in order.
func (db *DB) ReplacePreviews(list []chat.ConversationPreview) error {
	now := time.Now().UnixMilli()
	return db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM previews`); err != nil {
			return fmt.Errorf("clear previews: %w", err)
		}
		for i, p := range list {
			payload, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode preview %q: %w", p.ID, err)
			}
			var lastAt int64
			if p.LastMessage != nil {
				lastAt = p.LastMessage.CreatedAt.UnixMilli()
			}
			if _, err := tx.Exec(`
				INSERT INTO previews (conversation_id, position, type, payload, unread_count, last_message_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(conversation_id) DO NOTHING`,
				p.ID, i, string(p.Type), string(payload), p.UnreadCount, lastAt, now); err != nil {
				return fmt.Errorf("insert preview %q: %w", p.ID, err)
			}
		}
		return nil
	})
}

// ListPreviews returns the cached directory in stored order.
func (db *DB) ListPreviews() ([]chat.ConversationPreview, error) {
	rows, err := db.Query(`SELECT payload FROM previews ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []chat.ConversationPreview
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p chat.ConversationPreview
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decode preview: %w", err)
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// PreviewCount returns the number of cached previews.
func (db *DB) PreviewCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM previews`).Scan(&count)
	return count, err
}
