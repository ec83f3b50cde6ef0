package storage

import (
	"errors"
	"time"

	"github.com/kalambet/tokdash/internal/usage"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Entry is a ledger row: a usage record with its key and upload state.
type Entry struct {
	Key string
	usage.Record
	SyncedAt time.Time
}

// Filter narrows ledger queries. Zero fields match everything. From is
// inclusive and To exclusive.
type Filter struct {
	Source string
	Model  string
	From   time.Time
	To     time.Time
	// Location buckets days in DailyStats and QueryStats. Nil means UTC.
	Location *time.Location
}

// SyncRun summarizes one source's pass of a sync.
type SyncRun struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Inserted   int       `json:"inserted"`
	Duplicates int       `json:"duplicates"`
	Scanned    int       `json:"scanned"`
	Skipped    int       `json:"skipped"`
	Errors     int       `json:"errors"`
	Truncated  bool      `json:"truncated"`
	Error      string    `json:"error,omitempty"`
}

// SourceTotals is the ledger's view of one source.
type SourceTotals struct {
	Source   string    `json:"source"`
	Records  int       `json:"records"`
	Unsynced int       `json:"unsynced"`
	LastSeen time.Time `json:"last_seen,omitzero"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
