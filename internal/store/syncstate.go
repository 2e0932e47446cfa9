package store

import (
	"database/sql"
	"errors"
	"time"
)

// SetCheckpoint records a sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// Checkpoint returns a sync checkpoint value and when it was written.
// A missing key yields "" and a zero time.
func (db *DB) Checkpoint(key string) (string, time.Time, error) {
	var value string
	var updated int64
	err := db.QueryRow(`SELECT value, updated_at FROM sync_state WHERE key = ?`, key).Scan(&value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return value, time.UnixMilli(updated), nil
}
