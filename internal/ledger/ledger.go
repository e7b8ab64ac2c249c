package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"paystream/internal/eventbus"
	"paystream/internal/payout"
	"paystream/internal/storage"
	logx "paystream/pkg/logx"
)

// Ledger holds the registry, schedules, escrow book and contract balance.
//
// Entry points are serialized by a single mutex; the lock is held across the
// external transfer in the withdrawal paths so no other operation can
// observe the ledger mid-withdrawal.
type Ledger struct {
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	sender payout.Sender
	now    func() time.Time

	mu sync.Mutex
	// registry is ordered; removal shifts (never swaps) so the relative
	// order of the remaining recipients is preserved.
	registry  []string
	schedules map[string]Schedule
	escrow    map[string]uint64
	balance   uint64
}

type Option func(*Ledger)

func WithLogger(log logx.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(l *Ledger) { l.bus = bus }
}

// WithStore enables write-through persistence. The in-memory state stays
// authoritative: storage errors are logged, not surfaced to callers.
func WithStore(store storage.Store) Option {
	return func(l *Ledger) { l.store = store }
}

// WithSender sets the external transfer executor used by the withdrawal
// paths. Without one, withdrawals fail cleanly (and roll back).
func WithSender(sender payout.Sender) Option {
	return func(l *Ledger) { l.sender = sender }
}

// WithClock overrides the time source. Tests use this; production code
// never should.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		log:       logx.Nop(),
		now:       time.Now,
		schedules: map[string]Schedule{},
		escrow:    map[string]uint64{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Restore replaces the ledger state wholesale. Called once at boot, before
// any traffic, with the state loaded from storage.
func (l *Ledger) Restore(st *storage.LedgerState) {
	if st == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.registry = append([]string(nil), st.Registry...)
	l.schedules = make(map[string]Schedule, len(st.Schedules))
	for r, rec := range st.Schedules {
		l.schedules[r] = Schedule{Amount: rec.Amount, Interval: rec.Interval, LastPaid: rec.LastPaid}
	}
	l.escrow = make(map[string]uint64, len(st.Escrow))
	for r, b := range st.Escrow {
		l.escrow[r] = b
	}
	l.balance = st.Balance
}

// Deposit adds funds to the contract balance. Anyone may deposit.
func (l *Ledger) Deposit(ctx context.Context, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: zero deposit", ErrInvalidAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if amount > math.MaxUint64-l.balance {
		return fmt.Errorf("%w: deposit overflows contract balance", ErrInvalidAmount)
	}
	l.balance += amount

	l.persistBalance(ctx)
	l.publish(EventDeposit, eventbus.EventData{Amount: amount, Balance: l.balance})
	l.log.Info("deposit", logx.Uint64("amount", amount), logx.Uint64("balance", l.balance))
	return nil
}

// AddRecipient registers a recipient with a fresh schedule whose LastPaid is
// now, so the first payment falls due one full interval from registration.
//
// Privilege gating is the caller's job (the HTTP layer guards this with the
// admin token).
func (l *Ledger) AddRecipient(ctx context.Context, recipient string, amount uint64, interval time.Duration) error {
	if recipient == "" {
		return ErrInvalidRecipient
	}
	if amount == 0 || interval <= 0 {
		return fmt.Errorf("%w: amount and interval must be positive", ErrInvalidSchedule)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.schedules[recipient].Active() {
		return fmt.Errorf("%w: %s", ErrDuplicateRecipient, recipient)
	}

	s := Schedule{Amount: amount, Interval: interval, LastPaid: l.now()}
	l.registry = append(l.registry, recipient)
	l.schedules[recipient] = s

	l.persistRegistry(ctx)
	l.persistSchedule(ctx, recipient, s)
	l.publish(EventRecipientAdded, eventbus.EventData{Recipient: recipient, Amount: amount, Balance: l.balance})
	l.log.Info("recipient added",
		logx.String("recipient", recipient),
		logx.Uint64("amount", amount),
		logx.Duration("interval", interval),
	)
	return nil
}

// RemoveRecipient deletes a recipient's schedule and its registry slot,
// shifting later entries left. Unknown recipients are a silent no-op
// (reported via the return value so transports can answer 404).
//
// Escrow is untouched: an accrued balance survives removal and remains
// withdrawable.
func (l *Ledger) RemoveRecipient(ctx context.Context, recipient string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i, r := range l.registry {
		if r == recipient {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	copy(l.registry[idx:], l.registry[idx+1:])
	l.registry = l.registry[:len(l.registry)-1]
	delete(l.schedules, recipient)

	l.persistRegistry(ctx)
	if l.store != nil {
		if err := l.store.DeleteSchedule(ctx, recipient); err != nil {
			l.log.Warn("schedule delete not persisted", logx.String("recipient", recipient), logx.Err(err))
		}
	}
	l.publish(EventRecipientRemoved, eventbus.EventData{Recipient: recipient, Escrow: l.escrow[recipient], Balance: l.balance})
	l.log.Info("recipient removed", logx.String("recipient", recipient))
	return true
}

// CheckDue is the read-only scan phase: it walks the registry in order and
// collects every recipient whose payment is due. Safe to call arbitrarily
// often; the result is a snapshot and may be stale by settlement time.
func (l *Ledger) CheckDue() (bool, Candidates) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var due Candidates
	for _, r := range l.registry {
		if l.schedules[r].DueAt(now) {
			due = append(due, r)
		}
	}
	return len(due) > 0, due
}

// Settle is the mutating phase. The candidate list is untrusted: entries are
// re-validated one by one against current state, in list order, and invalid
// ones (stale, removed, unknown, duplicated) are skipped silently.
//
// For a valid entry the schedule's LastPaid is advanced BEFORE the escrow
// credit, so a duplicate later in the same list is no longer due — at most
// one credit per recipient per call, whatever the list contains.
//
// Accrual is gated on the contract balance: a due payment the contract
// cannot cover is deferred (LastPaid untouched) and retried on a later pass.
func (l *Ledger) Settle(ctx context.Context, candidates Candidates) Report {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var rep Report
	for _, r := range candidates {
		s := l.schedules[r]
		if !s.DueAt(now) {
			rep.Skipped++
			l.log.Debug("settle skip", logx.String("recipient", r))
			continue
		}

		if s.Amount > l.balance {
			rep.Deferred++
			l.publish(EventAccrualDeferred, eventbus.EventData{Recipient: r, Amount: s.Amount, Escrow: l.escrow[r], Balance: l.balance})
			l.log.Warn("accrual deferred: insufficient contract balance",
				logx.String("recipient", r),
				logx.Uint64("amount", s.Amount),
				logx.Uint64("balance", l.balance),
			)
			continue
		}

		// Same guard as Deposit: a credit that would wrap the escrow entry is
		// deferred, never applied. The payment stays due until the recipient
		// withdraws and makes room.
		if s.Amount > math.MaxUint64-l.escrow[r] {
			rep.Deferred++
			l.publish(EventAccrualDeferred, eventbus.EventData{Recipient: r, Amount: s.Amount, Escrow: l.escrow[r], Balance: l.balance, Detail: "escrow credit would overflow"})
			l.log.Warn("accrual deferred: escrow credit would overflow",
				logx.String("recipient", r),
				logx.Uint64("amount", s.Amount),
				logx.Uint64("escrow", l.escrow[r]),
			)
			continue
		}

		// Advance the schedule first; this is the anti-replay step.
		s.LastPaid = now
		l.schedules[r] = s
		l.escrow[r] += s.Amount
		rep.Settled++

		l.persistSchedule(ctx, r, s)
		l.persistEscrow(ctx, r)
		l.publish(EventPaymentAccrued, eventbus.EventData{Recipient: r, Amount: s.Amount, Escrow: l.escrow[r], Balance: l.balance})
		l.log.Info("payment accrued",
			logx.String("recipient", r),
			logx.Uint64("amount", s.Amount),
			logx.Uint64("escrow", l.escrow[r]),
		)
	}
	return rep
}

// Withdraw pays out a recipient's full escrow balance through the external
// sender.
//
// Zero balance is a no-op. If the live contract balance cannot cover the
// escrow entry (possible after an admin sweep) nothing changes and the
// insufficiency is reported as an event, not an error. Otherwise the escrow
// entry is zeroed and the balance deducted BEFORE the transfer; a rejected
// transfer restores both and returns ErrWithdrawalFailed.
func (l *Ledger) Withdraw(ctx context.Context, recipient string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	amount := l.escrow[recipient]
	if amount == 0 {
		return 0, nil
	}
	if amount > l.balance {
		l.publish(EventWithdrawalDeferred, eventbus.EventData{Recipient: recipient, Amount: amount, Escrow: amount, Balance: l.balance})
		l.log.Warn("withdrawal deferred: insufficient contract balance",
			logx.String("recipient", recipient),
			logx.Uint64("amount", amount),
			logx.Uint64("balance", l.balance),
		)
		return 0, nil
	}

	// Commit the ledger side first. A reentrant or failing executor can
	// never drain more than the true balance.
	l.escrow[recipient] = 0
	l.balance -= amount

	if err := l.send(ctx, recipient, amount); err != nil {
		l.escrow[recipient] = amount
		l.balance += amount
		l.publish(EventWithdrawalFailed, eventbus.EventData{Recipient: recipient, Amount: amount, Escrow: amount, Balance: l.balance, Detail: err.Error()})
		l.log.Error("withdrawal transfer rejected", logx.String("recipient", recipient), logx.Uint64("amount", amount), logx.Err(err))
		return 0, fmt.Errorf("%w: %s", ErrWithdrawalFailed, err)
	}

	l.persistEscrow(ctx, recipient)
	l.persistBalance(ctx)
	l.publish(EventWithdrawal, eventbus.EventData{Recipient: recipient, Amount: amount, Balance: l.balance})
	l.log.Info("withdrawal", logx.String("recipient", recipient), logx.Uint64("amount", amount), logx.Uint64("balance", l.balance))
	return amount, nil
}

// AdminWithdraw sweeps the entire contract balance to dest. It is
// deliberately unaware of escrow accounting: sweeping funds out from under
// accrued balances is possible, which is why Withdraw always re-checks the
// live balance.
func (l *Ledger) AdminWithdraw(ctx context.Context, dest string) (uint64, error) {
	if dest == "" {
		return 0, ErrInvalidRecipient
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	amount := l.balance
	if amount == 0 {
		return 0, nil
	}
	l.balance = 0

	if err := l.send(ctx, dest, amount); err != nil {
		l.balance = amount
		l.log.Error("admin sweep transfer rejected", logx.String("destination", dest), logx.Uint64("amount", amount), logx.Err(err))
		return 0, fmt.Errorf("%w: %s", ErrWithdrawalFailed, err)
	}

	l.persistBalance(ctx)
	l.publish(EventAdminWithdrawal, eventbus.EventData{Recipient: dest, Amount: amount, Balance: 0})
	l.log.Info("admin sweep", logx.String("destination", dest), logx.Uint64("amount", amount))
	return amount, nil
}

func (l *Ledger) send(ctx context.Context, dest string, amount uint64) error {
	if l.sender == nil {
		return fmt.Errorf("no payout sender configured")
	}
	return l.sender.Send(ctx, dest, amount)
}

// ---- Queries ----

// Schedule returns the recipient's current schedule. ok is false when the
// recipient has no active schedule.
func (l *Ledger) Schedule(recipient string) (Schedule, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.schedules[recipient]
	return s, s.Active()
}

// Recipients returns the registry in order.
func (l *Ledger) Recipients() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.registry...)
}

// EscrowBalance returns the recipient's accrued, unwithdrawn balance.
func (l *Ledger) EscrowBalance(recipient string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.escrow[recipient]
}

// ContractBalance returns the total funds currently held.
func (l *Ledger) ContractBalance() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// RecipientStatus is one row of the status surface.
type RecipientStatus struct {
	Recipient string   `json:"recipient"`
	Schedule  Schedule `json:"schedule"`
	Escrow    uint64   `json:"escrow"`
}

// Snapshot is a point-in-time view for status endpoints.
type Snapshot struct {
	Recipients  []RecipientStatus `json:"recipients"`
	Balance     uint64            `json:"balance"`
	EscrowTotal uint64            `json:"escrow_total"`
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{Balance: l.balance}
	for _, r := range l.registry {
		snap.Recipients = append(snap.Recipients, RecipientStatus{
			Recipient: r,
			Schedule:  l.schedules[r],
			Escrow:    l.escrow[r],
		})
	}
	for _, b := range l.escrow {
		snap.EscrowTotal += b
	}
	return snap
}

// ---- internals (called with l.mu held) ----

func (l *Ledger) publish(typ string, data eventbus.EventData) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func (l *Ledger) persistRegistry(ctx context.Context) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveRegistry(ctx, l.registry); err != nil {
		l.log.Warn("registry not persisted", logx.Err(err))
	}
}

func (l *Ledger) persistSchedule(ctx context.Context, recipient string, s Schedule) {
	if l.store == nil {
		return
	}
	rec := storage.ScheduleRecord{Amount: s.Amount, Interval: s.Interval, LastPaid: s.LastPaid}
	if err := l.store.UpsertSchedule(ctx, recipient, rec); err != nil {
		l.log.Warn("schedule not persisted", logx.String("recipient", recipient), logx.Err(err))
	}
}

func (l *Ledger) persistEscrow(ctx context.Context, recipient string) {
	if l.store == nil {
		return
	}
	if err := l.store.PutEscrow(ctx, recipient, l.escrow[recipient]); err != nil {
		l.log.Warn("escrow not persisted", logx.String("recipient", recipient), logx.Err(err))
	}
}

func (l *Ledger) persistBalance(ctx context.Context) {
	if l.store == nil {
		return
	}
	if err := l.store.PutBalance(ctx, l.balance); err != nil {
		l.log.Warn("balance not persisted", logx.Err(err))
	}
}
