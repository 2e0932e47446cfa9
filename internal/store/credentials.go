package store

import (
	"database/sql"
	"errors"
	"time"
)

// SaveCredentials replaces the stored login.
func (db *DB) SaveCredentials(c *Credentials) error {
	_, err := db.Exec(`
		INSERT INTO credentials (id, token, user_id, username, name, email, expires_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			user_id = excluded.user_id,
			username = excluded.username,
			name = excluded.name,
			email = excluded.email,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		c.Token, c.UserID, c.Username, c.Name, c.Email, c.ExpiresAt, time.Now().UnixMilli())
	return err
}

// LoadCredentials returns the stored login, or nil when logged out.
func (db *DB) LoadCredentials() (*Credentials, error) {
	var c Credentials
	err := db.QueryRow(`SELECT token, user_id, username, name, email, expires_at FROM credentials WHERE id = 1`).
		Scan(&c.Token, &c.UserID, &c.Username, &c.Name, &c.Email, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ClearCredentials forgets the stored login.
func (db *DB) ClearCredentials() error {
	_, err := db.Exec(`DELETE FROM credentials`)
	return err
}
