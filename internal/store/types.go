package store

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// itemRow is the persisted shape of an item; JSON columns hold the nested parts.
type itemRow struct {
	Collection   string `db:"collection"`
	ID           string `db:"id"`
	ClientNonce  string `db:"client_nonce"`
	SenderID     string `db:"sender_id"`
	Kind         string `db:"kind"`
	Body         string `db:"body"`
	CreatedAt    int64  `db:"created_at"`
	Media        string `db:"media"`
	Receipts     string `db:"receipts"`
	Deletion     string `db:"deletion"`
	Counters     string `db:"counters"`
	PendingState string `db:"pending_state"`
	UpdatedAt    int64  `db:"updated_at"`
}

// MediaEntry is one physical blob in the media cache, keyed by content hash.
type MediaEntry struct {
	CacheKey     string `db:"cache_key"`
	ContentHash  string `db:"content_hash"`
	Kind         string `db:"kind"`
	LocalPath    string `db:"local_path"`
	SizeBytes    int64  `db:"size_bytes"`
	LastAccessAt int64  `db:"last_access_at"` // unix ms
	CreatedAt    int64  `db:"created_at"`
}

// MediaAlias maps a remote key onto a cache entry.
type MediaAlias struct {
	AliasKey string `db:"alias_key"`
	CacheKey string `db:"cache_key"`
}

// MediaStats summarizes the media tables.
type MediaStats struct {
	Entries    int   `db:"entries" json:"entries"`
	Aliases    int   `db:"aliases" json:"aliases"`
	TotalBytes int64 `db:"total_bytes" json:"total_bytes"`
}

// OutboxEntry represents a pending outgoing item.
type OutboxEntry struct {
	ClientNonce  string `db:"client_nonce"`
	Collection   string `db:"collection"`
	LocalID      string `db:"local_id"`
	Payload      string `db:"payload"`
	Status       string `db:"status"` // queued, sending, sent, failed
	Attempts     int    `db:"attempts"`
	ErrorMessage string `db:"error_message"`
	ServerID     string `db:"server_id"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}
