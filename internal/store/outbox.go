package store

import (
	"database/sql"
	"errors"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, recipient_id, group_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientMsgID, e.ConversationID, e.RecipientID, e.GroupID, e.Body, now, now)
	return err
}

// MarkOutboxSending moves an entry to 'sending' and counts the attempt.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', attempts = attempts + 1, error_message = '', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID, conversationID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sent', server_msg_id = ?,
			conversation_id = CASE WHEN ? != '' THEN ? ELSE conversation_id END,
			updated_at = ?
		WHERE client_msg_id = ?`, serverMsgID, conversationID, conversationID, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// GetOutbox returns the entry for clientMsgID, or nil.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	row := db.QueryRow(`
		SELECT id, client_msg_id, conversation_id, recipient_id, group_id, body, status, attempts, error_message, server_msg_id, created_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	e, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// OutboxByStatus returns entries with status, oldest first.
func (db *DB) OutboxByStatus(status string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, conversation_id, recipient_id, group_id, body, status, attempts, error_message, server_msg_id, created_at
		FROM outbox WHERE status = ? ORDER BY created_at ASC, id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// FailInterrupted marks entries left in 'queued' or 'sending' by a previous
// run as failed. A send cannot outlive the daemon that issued it.
func (db *DB) FailInterrupted() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = 'interrupted', updated_at = ? WHERE status IN ('queued', 'sending')`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutbox(s scanner) (*OutboxEntry, error) {
	var e OutboxEntry
	if err := s.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.RecipientID, &e.GroupID, &e.Body, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
