package notifier

import (
	"context"
	"fmt"

	"paystream/internal/eventbus"
	"paystream/internal/ledger"
)

// consumeLoop turns ledger events into alerts. It drops nothing the ledger
// hasn't already accounted for: missing an alert never affects balances.
func (s *Service) consumeLoop(ctx context.Context) {
	ch, unsub := s.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			a, alertable := formatAlert(e)
			if !alertable {
				continue
			}
			_ = s.Notify(ctx, a)
		}
	}
}

// formatAlert maps the alert-worthy subset of ledger events to messages.
// Routine traffic (deposits, accruals, successful withdrawals) stays out of
// the operator's chat.
func formatAlert(e eventbus.Event) (Alert, bool) {
	d := e.Data
	switch e.Type {
	case ledger.EventAccrualDeferred:
		return Alert{
			Priority: 7,
			Text: fmt.Sprintf("payment deferred: %s needs %d but contract holds %d",
				d.Recipient, d.Amount, d.Balance),
		}, true
	case ledger.EventWithdrawalDeferred:
		return Alert{
			Priority: 7,
			Text: fmt.Sprintf("withdrawal deferred: %s escrow %d exceeds contract balance %d",
				d.Recipient, d.Amount, d.Balance),
		}, true
	case ledger.EventWithdrawalFailed:
		return Alert{
			Priority: 9,
			Text: fmt.Sprintf("withdrawal FAILED for %s (amount %d, rolled back): %s",
				d.Recipient, d.Amount, d.Detail),
		}, true
	case ledger.EventAdminWithdrawal:
		return Alert{
			Priority: 5,
			Text:     fmt.Sprintf("admin sweep: %d sent to %s", d.Amount, d.Recipient),
		}, true
	default:
		return Alert{}, false
	}
}
