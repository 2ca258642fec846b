package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/matheus3301/wppsync/internal/item"
)

const itemColumns = `collection, id, client_nonce, sender_id, kind, body, created_at, media, receipts, deletion, counters, pending_state, updated_at`

const upsertItemSQL = `
	INSERT INTO items (` + itemColumns + `)
	VALUES (:collection, :id, :client_nonce, :sender_id, :kind, :body, :created_at, :media, :receipts, :deletion, :counters, :pending_state, :updated_at)
	ON CONFLICT(collection, id) DO UPDATE SET
		client_nonce = excluded.client_nonce,
		sender_id = excluded.sender_id,
		kind = excluded.kind,
		body = excluded.body,
		created_at = excluded.created_at,
		media = excluded.media,
		receipts = excluded.receipts,
		deletion = excluded.deletion,
		counters = excluded.counters,
		pending_state = excluded.pending_state,
		updated_at = excluded.updated_at`

// UpsertItem inserts or updates one item (idempotent on collection + id).
func (db *DB) UpsertItem(collection string, it item.Item) error {
	return db.UpsertItems(collection, []item.Item{it})
}

// UpsertItems writes a batch in one transaction. An item carrying a client
// nonce supersedes any other row of the collection with the same nonce, so a
// confirmed item replaces its optimistic row.
func (db *DB) UpsertItems(collection string, items []item.Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, it := range items {
		if err := upsertItemTx(tx, collection, it, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit items: %w", err)
	}
	return nil
}

func upsertItemTx(tx *sqlx.Tx, collection string, it item.Item, now int64) error {
	row, err := toRow(collection, it, now)
	if err != nil {
		return err
	}
	if it.ClientNonce != "" {
		if _, err := tx.Exec(`DELETE FROM items WHERE collection = ? AND client_nonce = ? AND id <> ?`,
			collection, it.ClientNonce, it.ID); err != nil {
			return fmt.Errorf("clear superseded %q: %w", it.ClientNonce, err)
		}
	}
	if _, err := tx.NamedExec(upsertItemSQL, row); err != nil {
		return fmt.Errorf("upsert item %q: %w", it.ID, err)
	}
	return nil
}

// ReplaceItem swaps the row stored under oldID for it in one transaction.
func (db *DB) ReplaceItem(collection, oldID string, it item.Item) error {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if oldID != it.ID {
		if _, err := tx.Exec(`DELETE FROM items WHERE collection = ? AND id = ?`, collection, oldID); err != nil {
			return fmt.Errorf("delete %q: %w", oldID, err)
		}
	}
	if err := upsertItemTx(tx, collection, it, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

// GetItem returns a single item by id, or nil when absent.
func (db *DB) GetItem(collection, id string) (*item.Item, error) {
	var row itemRow
	err := db.Get(&row, `SELECT `+itemColumns+` FROM items WHERE collection = ? AND id = ?`, collection, id)
	return fromRowOrNil(row, err)
}

// GetItemByNonce returns the item carrying a client nonce, or nil when absent.
func (db *DB) GetItemByNonce(collection, nonce string) (*item.Item, error) {
	var row itemRow
	err := db.Get(&row, `SELECT `+itemColumns+` FROM items WHERE collection = ? AND client_nonce = ? LIMIT 1`, collection, nonce)
	return fromRowOrNil(row, err)
}

// ListRecentItems returns the newest limit items of a collection, oldest first.
func (db *DB) ListRecentItems(collection string, limit int) ([]item.Item, error) {
	if limit <= 0 {
		limit = 80
	}
	var rows []itemRow
	err := db.Select(&rows, `
		SELECT `+itemColumns+`
		FROM items
		WHERE collection = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, collection, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent items: %w", err)
	}
	return fromRowsReversed(rows)
}

// ListItemsBefore returns up to limit items strictly older than before, oldest first.
func (db *DB) ListItemsBefore(collection string, before time.Time, limit int) ([]item.Item, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []itemRow
	err := db.Select(&rows, `
		SELECT `+itemColumns+`
		FROM items
		WHERE collection = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, collection, before.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list items before: %w", err)
	}
	return fromRowsReversed(rows)
}

// DeleteItem removes one item.
func (db *DB) DeleteItem(collection, id string) error {
	_, err := db.Exec(`DELETE FROM items WHERE collection = ? AND id = ?`, collection, id)
	return err
}

// TrimOldest keeps the newest keep items of a collection and deletes the rest.
// Pending rows are never trimmed. Returns the number of rows removed.
func (db *DB) TrimOldest(collection string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := db.Exec(`
		DELETE FROM items
		WHERE collection = ?
			AND pending_state = 'none'
			AND id NOT IN (
				SELECT id FROM items
				WHERE collection = ?
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			)`, collection, collection, keep)
	if err != nil {
		return 0, fmt.Errorf("trim %q: %w", collection, err)
	}
	return res.RowsAffected()
}

// ItemCount returns the number of stored items in a collection.
func (db *DB) ItemCount(collection string) (int, error) {
	var n int
	err := db.Get(&n, `SELECT COUNT(*) FROM items WHERE collection = ?`, collection)
	return n, err
}

// ListCollections returns every collection that has stored items.
func (db *DB) ListCollections() ([]string, error) {
	var out []string
	err := db.Select(&out, `SELECT DISTINCT collection FROM items ORDER BY collection`)
	return out, err
}

func toRow(collection string, it item.Item, now int64) (itemRow, error) {
	row := itemRow{
		Collection:   collection,
		ID:           it.ID,
		ClientNonce:  it.ClientNonce,
		SenderID:     it.SenderID,
		Kind:         string(it.Kind),
		Body:         it.Text,
		CreatedAt:    it.CreatedAt.UnixMilli(),
		PendingState: string(it.Pending),
		UpdatedAt:    now,
	}
	if row.Kind == "" {
		row.Kind = string(item.KindText)
	}
	if row.PendingState == "" {
		row.PendingState = string(item.PendingNone)
	}
	var err error
	if it.Media != nil {
		if row.Media, err = encode(it.Media); err != nil {
			return row, err
		}
	}
	if row.Receipts, err = encode(it.Receipts); err != nil {
		return row, err
	}
	if row.Deletion, err = encode(it.Deletion); err != nil {
		return row, err
	}
	if row.Counters, err = encode(it.Counters); err != nil {
		return row, err
	}
	return row, nil
}

func fromRow(row itemRow) (item.Item, error) {
	it := item.Item{
		ID:          row.ID,
		ClientNonce: row.ClientNonce,
		SenderID:    row.SenderID,
		Kind:        item.Kind(row.Kind),
		Text:        row.Body,
		CreatedAt:   time.UnixMilli(row.CreatedAt),
		Pending:     item.PendingState(row.PendingState),
	}
	if row.Media != "" {
		it.Media = &item.MediaRef{}
		if err := json.Unmarshal([]byte(row.Media), it.Media); err != nil {
			return it, fmt.Errorf("decode media of %q: %w", row.ID, err)
		}
	}
	if err := decode(row.Receipts, &it.Receipts); err != nil {
		return it, fmt.Errorf("decode receipts of %q: %w", row.ID, err)
	}
	if err := decode(row.Deletion, &it.Deletion); err != nil {
		return it, fmt.Errorf("decode deletion of %q: %w", row.ID, err)
	}
	if err := decode(row.Counters, &it.Counters); err != nil {
		return it, fmt.Errorf("decode counters of %q: %w", row.ID, err)
	}
	return it, nil
}

func fromRowOrNil(row itemRow, err error) (*item.Item, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	it, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func fromRowsReversed(rows []itemRow) ([]item.Item, error) {
	items := make([]item.Item, 0, len(rows))
	for _, row := range rows {
		it, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	slices.Reverse(items)
	return items, nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	return string(b), nil
}

func decode(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
