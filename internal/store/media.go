package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const mediaColumns = `cache_key, content_hash, kind, local_path, size_bytes, last_access_at, created_at`

// GetMediaEntry returns the cache entry for a hash, or nil when absent.
func (db *DB) GetMediaEntry(cacheKey string) (*MediaEntry, error) {
	var e MediaEntry
	err := db.Get(&e, `SELECT `+mediaColumns+` FROM media_cache WHERE cache_key = ?`, cacheKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertMediaEntry inserts or refreshes a cache entry (idempotent on cache_key).
func (db *DB) UpsertMediaEntry(e *MediaEntry) error {
	_, err := db.NamedExec(`
		INSERT INTO media_cache (`+mediaColumns+`)
		VALUES (:cache_key, :content_hash, :kind, :local_path, :size_bytes, :last_access_at, :created_at)
		ON CONFLICT(cache_key) DO UPDATE SET
			local_path = excluded.local_path,
			size_bytes = excluded.size_bytes,
			kind = CASE WHEN excluded.kind <> '' THEN excluded.kind ELSE media_cache.kind END,
			last_access_at = MAX(media_cache.last_access_at, excluded.last_access_at)`, e)
	return err
}

// ResolveAlias returns the cache key an alias points at, or "" when unknown.
func (db *DB) ResolveAlias(aliasKey string) (string, error) {
	var key string
	err := db.Get(&key, `SELECT cache_key FROM media_alias WHERE alias_key = ?`, aliasKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return key, err
}

// UpsertAlias points aliasKey at cacheKey.
func (db *DB) UpsertAlias(aliasKey, cacheKey string) error {
	_, err := db.Exec(`
		INSERT INTO media_alias (alias_key, cache_key) VALUES (?, ?)
		ON CONFLICT(alias_key) DO UPDATE SET cache_key = excluded.cache_key`,
		aliasKey, cacheKey)
	return err
}

// ListAliases returns the alias keys pointing at a cache entry.
func (db *DB) ListAliases(cacheKey string) ([]string, error) {
	var out []string
	err := db.Select(&out, `SELECT alias_key FROM media_alias WHERE cache_key = ? ORDER BY alias_key`, cacheKey)
	return out, err
}

// TouchMedia bumps the last access time of an entry, never moving it backwards.
func (db *DB) TouchMedia(cacheKey string, atMillis int64) error {
	_, err := db.Exec(`UPDATE media_cache SET last_access_at = MAX(last_access_at, ?) WHERE cache_key = ?`, atMillis, cacheKey)
	return err
}

// ListMediaByAccess returns all entries least recently accessed first.
func (db *DB) ListMediaByAccess() ([]MediaEntry, error) {
	var out []MediaEntry
	err := db.Select(&out, `SELECT `+mediaColumns+` FROM media_cache ORDER BY last_access_at ASC, cache_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	return out, nil
}

// DeleteMediaEntry removes an entry and every alias pointing at it.
func (db *DB) DeleteMediaEntry(cacheKey string) error {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM media_alias WHERE cache_key = ?`, cacheKey); err != nil {
		return fmt.Errorf("delete aliases of %q: %w", cacheKey, err)
	}
	if _, err := tx.Exec(`DELETE FROM media_cache WHERE cache_key = ?`, cacheKey); err != nil {
		return fmt.Errorf("delete media %q: %w", cacheKey, err)
	}
	return tx.Commit()
}

// MediaStats returns entry count, alias count and total bytes.
func (db *DB) MediaStats() (MediaStats, error) {
	var s MediaStats
	err := db.Get(&s, `
		SELECT
			(SELECT COUNT(*) FROM media_cache) AS entries,
			(SELECT COUNT(*) FROM media_alias) AS aliases,
			(SELECT COALESCE(SUM(size_bytes), 0) FROM media_cache) AS total_bytes`)
	return s, err
}
