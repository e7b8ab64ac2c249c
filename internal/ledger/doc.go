// Package ledger is the payment-scheduling and balance-accounting core.
//
// It owns three pieces of state: the ordered recipient registry with one
// payment schedule per recipient, the escrow book of accrued-but-unwithdrawn
// balances, and the contract balance (total funds held). Disbursement is
// two-phase: CheckDue is a read-only scan that produces a candidate list,
// Settle consumes such a list and re-validates every entry against current
// state before crediting. The list is treated as untrusted input — it may be
// stale, duplicated or entirely fabricated, and settlement degrades
// per-entry instead of failing the batch.
//
// Funds leave the system only through the pull-based withdrawal path, which
// commits the ledger side before attempting the external transfer and rolls
// back if the transfer fails.
//
// All entry points are strictly serialized by a single mutex; no operation
// observes another call's partial state.
package ledger
