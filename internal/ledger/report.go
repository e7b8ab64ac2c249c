package ledger

// Report summarizes one settlement pass.
type Report struct {
	// Settled counts escrow credits performed.
	Settled int `json:"settled"`
	// Deferred counts due payments the contract balance could not cover;
	// they stay due and will be retried.
	Deferred int `json:"deferred"`
	// Skipped counts candidates that were not due on re-validation
	// (stale, removed, unknown or duplicated entries).
	Skipped int `json:"skipped"`
}

func (r Report) Empty() bool { return r.Settled == 0 && r.Deferred == 0 && r.Skipped == 0 }
