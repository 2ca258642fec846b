package store

import (
	"database/sql"
	"errors"
	"time"
)

// SetState upserts a key in sync_state.
func (db *DB) SetState(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetState returns the value stored under key and whether it exists.
func (db *DB) GetState(key string) (string, bool, error) {
	var value string
	err := db.Get(&value, `SELECT value FROM sync_state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// DeleteStatePrefix removes every key starting with prefix.
func (db *DB) DeleteStatePrefix(prefix string) error {
	_, err := db.Exec(`DELETE FROM sync_state WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	return err
}
