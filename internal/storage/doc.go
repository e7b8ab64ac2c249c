// Package storage is the optional persistence layer.
//
// The in-memory ledger is authoritative at runtime; storage exists so the
// daemon can restart without losing the recipient registry, schedules,
// escrow balances and the contract balance. It also keeps an append-only
// audit log of ledger events and the notifier's dedup table.
//
// Two drivers:
//   - "file": dependency-free snapshot + append-only journal (jsonl)
//   - "sqlite": SQLite database file (build tag "sqlite")
package storage
