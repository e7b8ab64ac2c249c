package ledger

import "time"

// Schedule holds one recipient's payment terms.
//
// Amount is in wei-equivalent units per period. A zero Amount is the
// existence sentinel: it means "no active schedule", and such a value is
// never stored for a registered recipient.
type Schedule struct {
	Amount   uint64        `json:"amount"`
	Interval time.Duration `json:"interval"`
	LastPaid time.Time     `json:"last_paid"`
}

// Active reports whether the schedule exists (Amount > 0 sentinel).
func (s Schedule) Active() bool { return s.Amount > 0 }

// DueAt is the due-payment predicate. A payment becomes due strictly after
// the interval elapses from the last accrual, not exactly at it.
//
// It is evaluated both in the scan phase and again per-entry during
// settlement; settlement never trusts a scan result.
func (s Schedule) DueAt(now time.Time) bool {
	return s.Amount > 0 && s.Interval > 0 && now.Sub(s.LastPaid) > s.Interval
}
