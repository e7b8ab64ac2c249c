package ledger

import "errors"

var (
	// ErrInvalidRecipient rejects an empty recipient identifier.
	ErrInvalidRecipient = errors.New("invalid recipient")

	// ErrInvalidSchedule rejects a zero amount or non-positive interval.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrDuplicateRecipient rejects adding a recipient that already has an
	// active schedule.
	ErrDuplicateRecipient = errors.New("recipient already registered")

	// ErrInvalidAmount rejects a zero deposit or one that would overflow the
	// contract balance.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrWithdrawalFailed reports a rejected external transfer. The ledger
	// state is rolled back to its pre-attempt value, so the withdrawal can be
	// retried.
	ErrWithdrawalFailed = errors.New("withdrawal transfer failed")

	// ErrInvalidToken reports a selection token that cannot be decoded.
	ErrInvalidToken = errors.New("invalid selection token")
)
