package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ScheduleRecord is the persisted form of a payment schedule.
type ScheduleRecord struct {
	Amount   uint64        `json:"amount"`
	Interval time.Duration `json:"interval"`
	LastPaid time.Time     `json:"last_paid"`
}

// LedgerState is everything needed to rebuild the ledger at boot.
// Registry preserves insertion order; Escrow may contain recipients that
// are no longer registered (removed but not withdrawn).
type LedgerState struct {
	Registry  []string                  `json:"registry"`
	Schedules map[string]ScheduleRecord `json:"schedules"`
	Escrow    map[string]uint64         `json:"escrow"`
	Balance   uint64                    `json:"balance"`
}

// AuditEntry records one observable ledger event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Type      string    `json:"type"`
	Recipient string    `json:"recipient,omitempty"`
	Amount    uint64    `json:"amount,omitempty"`
	Balance   uint64    `json:"balance"`
	Detail    string    `json:"detail,omitempty"`
}

// Store is the persistence API used by the ledger and the notifier.
//
// Write methods are called with the ledger lock held, so implementations
// must be fast; both drivers do O(1) appends on the hot path.
type Store interface {
	LoadLedger(ctx context.Context) (*LedgerState, error)

	SaveRegistry(ctx context.Context, recipients []string) error
	UpsertSchedule(ctx context.Context, recipient string, rec ScheduleRecord) error
	DeleteSchedule(ctx context.Context, recipient string) error
	PutEscrow(ctx context.Context, recipient string, balance uint64) error
	PutBalance(ctx context.Context, balance uint64) error

	AppendAudit(ctx context.Context, e AuditEntry) error

	// PutDedup records a suppression window for key. GetDedup reports a key
	// only while its window is still open; an expired key reads as absent,
	// so callers never have to re-check until themselves.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
