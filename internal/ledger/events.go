package ledger

// Event types published on the bus. The audit writer persists all of them;
// the notifier alerts on a subset.
const (
	EventDeposit          = "ledger.deposit"
	EventRecipientAdded   = "ledger.recipient_added"
	EventRecipientRemoved = "ledger.recipient_removed"

	// EventPaymentAccrued: a due payment was credited to escrow.
	EventPaymentAccrued = "ledger.payment_accrued"
	// EventAccrualDeferred: a due payment exceeded the contract balance and
	// was left due for a later settlement pass.
	EventAccrualDeferred = "ledger.accrual_deferred"

	EventWithdrawal = "ledger.withdrawal"
	// EventWithdrawalDeferred: escrow balance exceeds the live contract
	// balance; nothing was changed.
	EventWithdrawalDeferred = "ledger.withdrawal_deferred"
	// EventWithdrawalFailed: the external transfer was rejected and the
	// ledger was rolled back.
	EventWithdrawalFailed = "ledger.withdrawal_failed"

	EventAdminWithdrawal = "ledger.admin_withdrawal"
)
