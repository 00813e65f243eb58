package store

import (
	"context"
	"errors"
	"time"
)

// ErrCorruptState is returned by Load when persisted state cannot be decoded.
// Callers must not silently start from empty state on this error: doing so
// would re-relay every message still present in the snapshot.
var ErrCorruptState = errors.New("corrupt dedup state")

// Entry is one committed fingerprint.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	SeenAt      time.Time `json:"seen_at"`
}

// Cursor identifies the snapshot generation the last fully successful cycle consumed.
type Cursor struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	Digest  string    `json:"digest,omitempty"` // hex sha256 of the snapshot bytes
}

// IsZero reports whether no cycle has completed yet.
func (c Cursor) IsZero() bool {
	return c.Size == 0 && c.ModTime.IsZero() && c.Digest == ""
}

// Equal reports whether two cursors identify the same snapshot generation.
func (c Cursor) Equal(o Cursor) bool {
	return c.Size == o.Size && c.ModTime.Equal(o.ModTime) && c.Digest == o.Digest
}

// State is the persisted dedup state: recently seen fingerprints (oldest first)
// plus the poll cursor.
type State struct {
	Entries   []Entry   `json:"entries"`
	Cursor    Cursor    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateStore persists State. Exactly one writer (the poller) is expected;
// Save must replace the previous state atomically.
type StateStore interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State) error
	Close() error
	// Location describes where the state lives, for status and logs.
	Location() string
}
