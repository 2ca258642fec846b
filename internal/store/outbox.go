package store

import (
	"database/sql"
	"errors"
	"time"
)

const outboxColumns = `client_nonce, collection, local_id, payload, status, attempts, error_message, server_id, created_at, updated_at`

// QueueOutbox adds an item to the send outbox.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_nonce, collection, local_id, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientNonce, e.Collection, e.LocalID, e.Payload, now, now)
	return err
}

// MarkOutboxSending moves an entry to 'sending' and counts the attempt.
func (db *DB) MarkOutboxSending(nonce string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE client_nonce = ?`, now, nonce)
	return err
}

// MarkOutboxSent updates an entry to 'sent' with the server id.
func (db *DB) MarkOutboxSent(nonce, serverID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_id = ?, error_message = '', updated_at = ? WHERE client_nonce = ?`, serverID, now, nonce)
	return err
}

// MarkOutboxFailed updates an entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(nonce, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_nonce = ?`, errMsg, now, nonce)
	return err
}

// RequeueOutbox moves a failed entry back to 'queued'. Reports whether a row changed.
func (db *DB) RequeueOutbox(nonce string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE client_nonce = ? AND status = 'failed'`, now, nonce)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetOutbox returns an outbox entry by nonce, or nil when absent.
func (db *DB) GetOutbox(nonce string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.Get(&e, `SELECT `+outboxColumns+` FROM outbox WHERE client_nonce = ?`, nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := db.Select(&entries, `SELECT `+outboxColumns+` FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, client_nonce ASC`)
	return entries, err
}

// FailedOutbox returns failed entries of a collection, newest first.
func (db *DB) FailedOutbox(collection string) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := db.Select(&entries, `SELECT `+outboxColumns+` FROM outbox WHERE status = 'failed' AND collection = ? ORDER BY created_at DESC`, collection)
	return entries, err
}

// RecoverOutbox returns entries stuck in 'sending' by a crash to 'queued'.
func (db *DB) RecoverOutbox() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
