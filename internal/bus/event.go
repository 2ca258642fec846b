package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine.
const (
	SyncApplied = "sync.applied"
	SyncNoop    = "sync.noop"
	SyncFailed  = "sync.failed"
	SyncOlder   = "sync.older"

	SendPending       = "send.pending"
	SendConfirmed     = "send.confirmed"
	SendFailed        = "send.failed"
	SendStatusChanged = "send.status_changed"

	MediaDownloaded = "media.downloaded"
	MediaEvicted    = "media.evicted"

	ReceiptsFlushed = "receipts.flushed"

	SessionConnected     = "session.connected"
	SessionDisconnected  = "session.disconnected"
	SessionLoggedOut     = "session.logged_out"
	SessionQRCode        = "session.qr_generated"
	SessionAuthenticated = "session.authenticated"
	SessionAuthFailed    = "session.auth_failed"
)
