package sync

import (
	"fmt"
	"strconv"

	"github.com/matheus3301/wppsync/internal/store"
)

const (
	sigPrefix    = "sig:"
	cursorPrefix = "cursor:"
)

// Checkpoints persists per-collection sync progress in sync_state.
type Checkpoints struct {
	db *store.DB
}

// NewCheckpoints creates a checkpoint store.
func NewCheckpoints(db *store.DB) *Checkpoints {
	return &Checkpoints{db: db}
}

// Signature returns the last applied signature of collection.
func (c *Checkpoints) Signature(collection string) (uint64, bool, error) {
	v, ok, err := c.db.GetState(sigPrefix + collection)
	if err != nil || !ok {
		return 0, false, err
	}
	sig, err := strconv.ParseUint(v, 16, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse signature checkpoint: %w", err)
	}
	return sig, true, nil
}

// SaveSignature records the applied signature of collection.
func (c *Checkpoints) SaveSignature(collection string, sig uint64) error {
	return c.db.SetState(sigPrefix+collection, strconv.FormatUint(sig, 16))
}

// Cursor returns the last page cursor returned for collection.
func (c *Checkpoints) Cursor(collection string) (string, error) {
	v, _, err := c.db.GetState(cursorPrefix + collection)
	return v, err
}

// SaveCursor records the page cursor of collection.
func (c *Checkpoints) SaveCursor(collection, cursor string) error {
	return c.db.SetState(cursorPrefix+collection, cursor)
}

// Clear drops every checkpoint, e.g. on logout.
func (c *Checkpoints) Clear() error {
	if err := c.db.DeleteStatePrefix(sigPrefix); err != nil {
		return fmt.Errorf("clear signatures: %w", err)
	}
	if err := c.db.DeleteStatePrefix(cursorPrefix); err != nil {
		return fmt.Errorf("clear cursors: %w", err)
	}
	return nil
}
