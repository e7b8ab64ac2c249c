package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"paystream/internal/eventbus"
	"paystream/internal/storage"
)

// fakeClock lets tests move time explicitly.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// captureBus records published events for assertions.
type captureBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *captureBus) Publish(e eventbus.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *captureBus) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	ch := make(chan eventbus.Event)
	return ch, func() {}
}

func (b *captureBus) typesSince(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.events[n:] {
		out = append(out, e.Type)
	}
	return out
}

func (b *captureBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// fakeSender records transfers and can be told to reject them.
type fakeSender struct {
	mu   sync.Mutex
	fail bool
	sent []struct {
		dest   string
		amount uint64
	}
}

func (s *fakeSender) Send(ctx context.Context, dest string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("executor rejected transfer")
	}
	s.sent = append(s.sent, struct {
		dest   string
		amount uint64
	}{dest, amount})
	return nil
}

func newTestLedger(t *testing.T) (*Ledger, *fakeClock, *captureBus, *fakeSender) {
	t.Helper()
	clock := newFakeClock()
	bus := &captureBus{}
	sender := &fakeSender{}
	l := New(WithClock(clock.Now), WithBus(bus), WithSender(sender))
	return l, clock, bus, sender
}

func TestAddRecipientValidation(t *testing.T) {
	t.Parallel()
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		recipient string
		amount    uint64
		interval  time.Duration
		want      error
	}{
		{name: "empty recipient", recipient: "", amount: 10, interval: time.Minute, want: ErrInvalidRecipient},
		{name: "zero amount", recipient: "0xaa", amount: 0, interval: time.Minute, want: ErrInvalidSchedule},
		{name: "zero interval", recipient: "0xaa", amount: 10, interval: 0, want: ErrInvalidSchedule},
		{name: "negative interval", recipient: "0xaa", amount: 10, interval: -time.Second, want: ErrInvalidSchedule},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := l.AddRecipient(ctx, tt.recipient, tt.amount, tt.interval)
			if !errors.Is(err, tt.want) {
				t.Fatalf("AddRecipient error = %v, want %v", err, tt.want)
			}
		})
	}

	if got := l.Recipients(); len(got) != 0 {
		t.Fatalf("rejected adds must not touch the registry, got %v", got)
	}
}

func TestAddRecipientDuplicate(t *testing.T) {
	t.Parallel()
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.AddRecipient(ctx, "0xaa", 10, time.Minute); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := l.AddRecipient(ctx, "0xaa", 20, time.Hour)
	if !errors.Is(err, ErrDuplicateRecipient) {
		t.Fatalf("duplicate add error = %v, want ErrDuplicateRecipient", err)
	}

	// The failed add must not have changed the original schedule.
	s, ok := l.Schedule("0xaa")
	if !ok || s.Amount != 10 || s.Interval != time.Minute {
		t.Fatalf("schedule changed by rejected add: %+v", s)
	}
}

func TestRemoveRecipientPreservesOrder(t *testing.T) {
	t.Parallel()
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	for _, r := range []string{"0xaa", "0xbb", "0xcc", "0xdd"} {
		if err := l.AddRecipient(ctx, r, 1, time.Minute); err != nil {
			t.Fatalf("add %s: %v", r, err)
		}
	}

	if !l.RemoveRecipient(ctx, "0xbb") {
		t.Fatal("remove of registered recipient reported not found")
	}

	got := l.Recipients()
	want := []string{"0xaa", "0xcc", "0xdd"}
	if len(got) != len(want) {
		t.Fatalf("registry = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("registry = %v, want %v (order must be preserved)", got, want)
		}
	}

	if _, ok := l.Schedule("0xbb"); ok {
		t.Fatal("removed recipient still has an active schedule")
	}

	// Unknown recipient: silent no-op.
	if l.RemoveRecipient(ctx, "0xzz") {
		t.Fatal("remove of unknown recipient reported found")
	}
}

func TestDuePredicateStrictness(t *testing.T) {
	t.Parallel()
	l, clock, _, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.AddRecipient(ctx, "0xaa", 10, 30*time.Second); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Fresh schedule is never due.
	if has, _ := l.CheckDue(); has {
		t.Fatal("freshly created schedule reported due")
	}

	// Exactly at the interval: still not due (strict >).
	clock.Advance(30 * time.Second)
	if has, _ := l.CheckDue(); has {
		t.Fatal("schedule due exactly at interval; predicate must be strict")
	}

	// Strictly after the interval: due.
	clock.Advance(time.Second)
	has, cands := l.CheckDue()
	if !has || len(cands) != 1 || cands[0] != "0xaa" {
		t.Fatalf("CheckDue = (%v, %v), want (true, [0xaa])", has, cands)
	}
}

func TestSettleBasicScenario(t *testing.T) {
	t.Parallel()
	l, clock, _, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.Deposit(ctx, 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.AddRecipient(ctx, "0xaa", 10, 30*time.Second); err != nil {
		t.Fatalf("add: %v", err)
	}

	clock.Advance(31 * time.Second)
	has, cands := l.CheckDue()
	if !has {
		t.Fatal("expected a due payment at t+31s")
	}

	rep := l.Settle(ctx, cands)
	if rep.Settled != 1 || rep.Skipped != 0 || rep.Deferred != 0 {
		t.Fatalf("report = %+v, want 1 settled", rep)
	}
	if got := l.EscrowBalance("0xaa"); got != 10 {
		t.Fatalf("escrow = %d, want 10", got)
	}

	s, _ := l.Schedule("0xaa")
	if !s.LastPaid.Equal(clock.Now()) {
		t.Fatalf("LastPaid = %v, want %v", s.LastPaid, clock.Now())
	}

	// Immediately after settlement nothing is due.
	if has, _ := l.CheckDue(); has {
		t.Fatal("recipient still due immediately after settlement")
	}
}

func TestSettleDuplicateCreditsOnce(t *testing.T) {
	t.Parallel()
	l, clock, _, _ := newTestLedger(t)
	ctx := context.Background()

	_ = l.Deposit(ctx, 100)
	_ = l.AddRecipient(ctx, "0xaa", 10, 30*time.Second)
	clock.Advance(31 * time.Second)

	rep := l.Settle(ctx, Candidates{"0xaa", "0xaa", "0xaa"})
	if rep.Settled != 1 || rep.Skipped != 2 {
		t.Fatalf("report = %+v, want 1 settled / 2 skipped", rep)
	}
	if got := l.EscrowBalance("0xaa"); got != 10 {
		t.Fatalf("escrow = %d, want 10 (duplicate entries must credit once)", got)
	}
}

func TestSettleIgnoresBogusCandidates(t *testing.T) {
	t.Parallel()
	l, clock, bus, _ := newTestLedger(t)
	ctx := context.Background()

	_ = l.Deposit(ctx, 100)
	_ = l.AddRecipient(ctx, "0xaa", 10, 30*time.Second)
	_ = l.AddRecipient(ctx, "0xbb", 5, 30*time.Second)
	l.RemoveRecipient(ctx, "0xbb")

	// Not yet due, removed, and never-existed entries: all silent skips.
	before := bus.count()
	rep := l.Settle(ctx, Candidates{"0xaa", "0xbb", "0xzz"})
	if rep.Settled != 0 || rep.Skipped != 3 {
		t.Fatalf("report = %+v, want 3 skipped", rep)
	}
	if got := bus.typesSince(before); len(got) != 0 {
		t.Fatalf("silent skips must emit no events, got %v", got)
	}

	// A stale candidate list from before a settlement pass is also harmless.
	clock.Advance(31 * time.Second)
	_, stale := l.CheckDue()
	l.Settle(ctx, stale)
	rep = l.Settle(ctx, stale)
	if rep.Settled != 0 {
		t.Fatalf("stale list re-settled: %+v", rep)
	}
	if got := l.EscrowBalance("0xaa"); got != 10 {
		t.Fatalf("escrow = %d, want 10", got)
	}
}

func TestSettleOrderAcrossRecipients(t *testing.T) {
	t.Parallel()
	l, clock, _, _ := newTestLedger(t)
	ctx := context.Background()

	_ = l.Deposit(ctx, 100)
	_ = l.AddRecipient(ctx, "0xr1", 1, 25*time.Second)
	_ = l.AddRecipient(ctx, "0xr2", 2, 35*time.Second)

	clock.Advance(31 * time.Second)
	_, cands := l.CheckDue()
	if len(cands) != 1 || cands[0] != "0xr1" {
		t.Fatalf("candidates at t+31s = %v, want [0xr1]", cands)
	}

	// Without settling, both are due at t+36s, in registry order.
	clock.Advance(5 * time.Second)
	_, cands = l.CheckDue()
	if len(cands) != 2 || cands[0] != "0xr1" || cands[1] != "0xr2" {
		t.Fatalf("candidates at t+36s = %v, want [0xr1 0xr2]", cands)
	}

	rep := l.Settle(ctx, cands)
	if rep.Settled != 2 {
		t.Fatalf("report = %+v, want 2 settled", rep)
	}

	// After settling r1, only r2 would have shown up had r1 been settled at
	// t+31s; verify the equivalent: immediately re-scanning finds nothing.
	if has, _ := l.CheckDue(); has {
		t.Fatal("recipients due immediately after settlement")
	}
}

func TestSettleInsufficientBalanceDefers(t *testing.T) {
	t.Parallel()
	l, clock, bus, _ := newTestLedger(t)
	ctx := context.Background()

	_ = l.Deposit(ctx, 1)
	_ = l.AddRecipient(ctx, "0xaa", 2, 30*time.Second)
	clock.Advance(31 * time.Second)
	dueAt := clock.Now()

	before := bus.count()
	_, cands := l.CheckDue()
	rep := l.Settle(ctx, cands)
	if rep.Deferred != 1 || rep.Settled != 0 {
		t.Fatalf("report = %+v, want 1 deferred", rep)
	}
	types := bus.typesSince(before)
	if len(types) != 1 || types[0] != EventAccrualDeferred {
		t.Fatalf("events = %v, want [%s]", types, EventAccrualDeferred)
	}
	if got := l.EscrowBalance("0xaa"); got != 0 {
		t.Fatalf("escrow = %d, want 0 (deferred accrual must not credit)", got)
	}
	s, _ := l.Schedule("0xaa")
	if s.LastPaid.Equal(dueAt) {
		t.Fatal("deferred accrual advanced LastPaid; payment must stay due")
	}

	// The payment stays due and succeeds once funded.
	if err := l.Deposit(ctx, 10); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	has, cands := l.CheckDue()
	if !has {
		t.Fatal("deferred payment no longer due")
	}
	rep = l.Settle(ctx, cands)
	if rep.Settled != 1 {
		t.Fatalf("report after funding = %+v, want 1 settled", rep)
	}
	if got := l.EscrowBalance("0xaa"); got != 2 {
		t.Fatalf("escrow = %d, want 2", got)
	}
}

func TestSettleEscrowOverflowDefers(t *testing.T) {
	t.Parallel()
	l, clock, bus, _ := newTestLedger(t)
	ctx := context.Background()

	maxAmt := ^uint64(0)
	_ = l.Deposit(ctx, maxAmt)
	_ = l.AddRecipient(ctx, "0xaa", maxAmt, 30*time.Second)

	// First period fills the escrow entry to capacity.
	clock.Advance(31 * time.Second)
	_, cands := l.CheckDue()
	if rep := l.Settle(ctx, cands); rep.Settled != 1 {
		t.Fatalf("report = %+v, want 1 settled", rep)
	}
	if got := l.EscrowBalance("0xaa"); got != maxAmt {
		t.Fatalf("escrow = %d, want %d", got, maxAmt)
	}

	// The balance is not reduced at accrual time, so the next period passes
	// the funding gate; the credit itself would wrap and must be deferred.
	clock.Advance(31 * time.Second)
	before := bus.count()
	_, cands = l.CheckDue()
	rep := l.Settle(ctx, cands)
	if rep.Deferred != 1 || rep.Settled != 0 {
		t.Fatalf("report = %+v, want 1 deferred", rep)
	}
	if got := l.EscrowBalance("0xaa"); got != maxAmt {
		t.Fatalf("escrow = %d, want %d (credit must not wrap)", got, maxAmt)
	}
	types := bus.typesSince(before)
	if len(types) != 1 || types[0] != EventAccrualDeferred {
		t.Fatalf("events = %v, want [%s]", types, EventAccrualDeferred)
	}

	// LastPaid stays put: the payment is still owed.
	if has, _ := l.CheckDue(); !has {
		t.Fatal("overflow-deferred payment no longer due")
	}
}

func TestWithdraw(t *testing.T) {
	t.Parallel()
	l, clock, bus, sender := newTestLedger(t)
	ctx := context.Background()

	// Zero balance: no-op, no events.
	before := bus.count()
	amt, err := l.Withdraw(ctx, "0xaa")
	if err != nil || amt != 0 {
		t.Fatalf("zero-balance withdraw = (%d, %v), want (0, nil)", amt, err)
	}
	if got := bus.typesSince(before); len(got) != 0 {
		t.Fatalf("zero-balance withdraw emitted %v", got)
	}

	_ = l.Deposit(ctx, 100)
	_ = l.AddRecipient(ctx, "0xaa", 10, 30*time.Second)
	clock.Advance(31 * time.Second)
	_, cands := l.CheckDue()
	l.Settle(ctx, cands)

	amt, err = l.Withdraw(ctx, "0xaa")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amt != 10 {
		t.Fatalf("withdraw amount = %d, want the pre-call escrow balance 10", amt)
	}
	if got := l.EscrowBalance("0xaa"); got != 0 {
		t.Fatalf("escrow after withdraw = %d, want 0", got)
	}
	if got := l.ContractBalance(); got != 90 {
		t.Fatalf("contract balance = %d, want 90", got)
	}
	if len(sender.sent) != 1 || sender.sent[0].dest != "0xaa" || sender.sent[0].amount != 10 {
		t.Fatalf("sender transfers = %+v", sender.sent)
	}
}

func TestWithdrawTransferFailureRollsBack(t *testing.T) {
	t.Parallel()
	l, clock, _, sender := newTestLedger(t)
	ctx := context.Background()

	_ = l.Deposit(ctx, 100)
	_ = l.AddRecipient(ctx, "0xaa", 10, 30*time.Second)
	clock.Advance(31 * time.Second)
	_, cands := l.CheckDue()
	l.Settle(ctx, cands)

	sender.fail = true
	_, err := l.Withdraw(ctx, "0xaa")
	if !errors.Is(err, ErrWithdrawalFailed) {
		t.Fatalf("withdraw error = %v, want ErrWithdrawalFailed", err)
	}
	if got := l.EscrowBalance("0xaa"); got != 10 {
		t.Fatalf("escrow after failed transfer = %d, want 10 (rollback)", got)
	}
	if got := l.ContractBalance(); got != 100 {
		t.Fatalf("contract balance after failed transfer = %d, want 100 (rollback)", got)
	}

	// Retry succeeds once the executor recovers.
	sender.fail = false
	amt, err := l.Withdraw(ctx, "0xaa")
	if err != nil || amt != 10 {
		t.Fatalf("retried withdraw = (%d, %v), want (10, nil)", amt, err)
	}
}

func TestWithdrawInsufficientContractBalance(t *testing.T) {
	t.Parallel()
	l, clock, bus, _ := newTestLedger(t)
	ctx := context.Background()

	_ = l.Deposit(ctx, 10)
	_ = l.AddRecipient(ctx, "0xaa", 10, 30*time.Second)
	clock.Advance(31 * time.Second)
	_, cands := l.CheckDue()
	l.Settle(ctx, cands)

	// Sweep the funds out from under the escrow entry.
	if _, err := l.AdminWithdraw(ctx, "0xadmin"); err != nil {
		t.Fatalf("admin withdraw: %v", err)
	}

	before := bus.count()
	amt, err := l.Withdraw(ctx, "0xaa")
	if err != nil || amt != 0 {
		t.Fatalf("underfunded withdraw = (%d, %v), want (0, nil)", amt, err)
	}
	types := bus.typesSince(before)
	if len(types) != 1 || types[0] != EventWithdrawalDeferred {
		t.Fatalf("events = %v, want [%s]", types, EventWithdrawalDeferred)
	}
	if got := l.EscrowBalance("0xaa"); got != 10 {
		t.Fatalf("escrow = %d, want 10 (no partial payout)", got)
	}

	// Funding the contract again unblocks the withdrawal.
	_ = l.Deposit(ctx, 10)
	amt, err = l.Withdraw(ctx, "0xaa")
	if err != nil || amt != 10 {
		t.Fatalf("withdraw after refunding = (%d, %v), want (10, nil)", amt, err)
	}
}

func TestRemovalKeepsEscrow(t *testing.T) {
	t.Parallel()
	l, clock, _, _ := newTestLedger(t)
	ctx := context.Background()

	_ = l.Deposit(ctx, 100)
	_ = l.AddRecipient(ctx, "0xaa", 10, 30*time.Second)
	clock.Advance(31 * time.Second)
	_, cands := l.CheckDue()
	l.Settle(ctx, cands)

	l.RemoveRecipient(ctx, "0xaa")
	if got := l.EscrowBalance("0xaa"); got != 10 {
		t.Fatalf("escrow after removal = %d, want 10", got)
	}

	// The unregistered recipient can still withdraw what it accrued.
	amt, err := l.Withdraw(ctx, "0xaa")
	if err != nil || amt != 10 {
		t.Fatalf("withdraw after removal = (%d, %v), want (10, nil)", amt, err)
	}
}

func TestAdminWithdrawSweepsAll(t *testing.T) {
	t.Parallel()
	l, _, _, sender := newTestLedger(t)
	ctx := context.Background()

	// Empty contract: no-op.
	amt, err := l.AdminWithdraw(ctx, "0xadmin")
	if err != nil || amt != 0 {
		t.Fatalf("empty sweep = (%d, %v), want (0, nil)", amt, err)
	}

	_ = l.Deposit(ctx, 77)
	amt, err = l.AdminWithdraw(ctx, "0xadmin")
	if err != nil || amt != 77 {
		t.Fatalf("sweep = (%d, %v), want (77, nil)", amt, err)
	}
	if got := l.ContractBalance(); got != 0 {
		t.Fatalf("contract balance after sweep = %d, want 0", got)
	}
	if len(sender.sent) != 1 || sender.sent[0].amount != 77 {
		t.Fatalf("sender transfers = %+v", sender.sent)
	}

	// Failed sweep restores the balance.
	_ = l.Deposit(ctx, 5)
	sender.fail = true
	_, err = l.AdminWithdraw(ctx, "0xadmin")
	if !errors.Is(err, ErrWithdrawalFailed) {
		t.Fatalf("failed sweep error = %v, want ErrWithdrawalFailed", err)
	}
	if got := l.ContractBalance(); got != 5 {
		t.Fatalf("contract balance after failed sweep = %d, want 5", got)
	}
}

func TestDepositValidation(t *testing.T) {
	t.Parallel()
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.Deposit(ctx, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero deposit error = %v, want ErrInvalidAmount", err)
	}

	if err := l.Deposit(ctx, ^uint64(0)); err != nil {
		t.Fatalf("max deposit: %v", err)
	}
	if err := l.Deposit(ctx, 1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("overflowing deposit error = %v, want ErrInvalidAmount", err)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	l, clock, _, _ := newTestLedger(t)
	ctx := context.Background()

	_ = l.Deposit(ctx, 50)
	_ = l.AddRecipient(ctx, "0xaa", 10, 30*time.Second)
	_ = l.AddRecipient(ctx, "0xbb", 5, time.Minute)
	clock.Advance(31 * time.Second)
	_, cands := l.CheckDue()
	l.Settle(ctx, cands)

	// Rebuild a second ledger from the first one's snapshot.
	snap := l.Snapshot()
	st := &storage.LedgerState{
		Registry:  l.Recipients(),
		Schedules: map[string]storage.ScheduleRecord{},
		Escrow:    map[string]uint64{},
		Balance:   snap.Balance,
	}
	for _, row := range snap.Recipients {
		st.Schedules[row.Recipient] = storage.ScheduleRecord{
			Amount:   row.Schedule.Amount,
			Interval: row.Schedule.Interval,
			LastPaid: row.Schedule.LastPaid,
		}
		st.Escrow[row.Recipient] = row.Escrow
	}
	l2 := New(WithClock(clock.Now))
	l2.Restore(st)

	if got := l2.ContractBalance(); got != 50 {
		t.Fatalf("restored balance = %d, want 50", got)
	}
	if got := l2.EscrowBalance("0xaa"); got != 10 {
		t.Fatalf("restored escrow = %d, want 10", got)
	}
	got := l2.Recipients()
	if len(got) != 2 || got[0] != "0xaa" || got[1] != "0xbb" {
		t.Fatalf("restored registry = %v, want [0xaa 0xbb]", got)
	}
	if has, _ := l2.CheckDue(); has {
		t.Fatal("restored ledger reports due right after settlement")
	}
}
