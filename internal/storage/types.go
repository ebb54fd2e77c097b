package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DispatchEntry records one finished bulk-send job.
// Keep it compact and schema-stable.
type DispatchEntry struct {
	At        time.Time
	SessionID string
	JobID     string
	Total     int
	Sent      int
	Failed    int
	Media     bool
	TookMS    int64
	// FailuresJSON is a JSON array of per-recipient failure lines, capped
	// by the caller.
	FailuresJSON string
}

// SessionEvent records one session lifecycle transition.
// Handshake payloads are never persisted, only the event kind and reason.
type SessionEvent struct {
	At        time.Time
	SessionID string
	Kind      string
	Reason    string
}
