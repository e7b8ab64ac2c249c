// Package payout abstracts the external fund transfer.
//
// The ledger only accounts; actually moving money is delegated to a Sender,
// which is allowed to fail. The ledger's withdrawal path is written around
// that: it commits its own state first and rolls back if Send returns an
// error, so a failed or misbehaving executor can never inflate what a
// recipient can drain.
package payout
