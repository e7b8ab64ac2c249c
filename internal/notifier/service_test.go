package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"paystream/internal/eventbus"
	"paystream/internal/ledger"
	logx "paystream/pkg/logx"
)

type recordingSender struct {
	mu       sync.Mutex
	failures int // fail this many sends before succeeding
	sent     []string
	attempts int
}

func (r *recordingSender) SendText(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failures > 0 {
		r.failures--
		return errors.New("transport down")
	}
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingSender) delivered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	s := New(Config{Enabled: true, RatePerSec: 1000}, sender, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Alert{Text: "hello", Priority: 9}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, func() bool { return len(sender.delivered()) == 1 })

	if got := sender.delivered()[0]; !strings.HasSuffix(got, "hello") {
		t.Fatalf("delivered = %q", got)
	}
}

func TestNotifyRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{failures: 2}
	s := New(Config{
		Enabled:       true,
		RatePerSec:    1000,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}, sender, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Alert{Text: "flaky"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, func() bool { return len(sender.delivered()) == 1 })

	sender.mu.Lock()
	attempts := sender.attempts
	sender.mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (two failures then success)", attempts)
	}
}

func TestNotifyDedupWindow(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	s := New(Config{Enabled: true, RatePerSec: 1000, DedupWindow: time.Minute}, sender, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	for i := 0; i < 5; i++ {
		if err := s.Notify(context.Background(), Alert{Text: "same alert"}); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	// A different text passes through.
	if err := s.Notify(context.Background(), Alert{Text: "other alert"}); err != nil {
		t.Fatalf("notify other: %v", err)
	}
	waitFor(t, func() bool { return len(sender.delivered()) == 2 })

	time.Sleep(50 * time.Millisecond)
	if got := len(sender.delivered()); got != 2 {
		t.Fatalf("delivered = %d, want 2 (duplicates suppressed)", got)
	}
}

func TestNotifyWhenDisabled(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, &recordingSender{}, logx.Nop(), nil, nil)
	s.Start(context.Background())

	if err := s.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("notify error = %v, want ErrDisabled", err)
	}
}

func TestBusEventsBecomeAlerts(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	bus := eventbus.New()
	s := New(Config{Enabled: true, RatePerSec: 1000}, sender, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	// Routine events are not alert-worthy.
	bus.Publish(eventbus.Event{Type: ledger.EventDeposit, Data: eventbus.EventData{Amount: 5}})
	bus.Publish(eventbus.Event{
		Type: ledger.EventWithdrawalFailed,
		Data: eventbus.EventData{Recipient: "0xaa", Amount: 10, Detail: "executor rejected"},
	})

	waitFor(t, func() bool { return len(sender.delivered()) == 1 })
	got := sender.delivered()[0]
	if !strings.Contains(got, "0xaa") || !strings.Contains(got, "executor rejected") {
		t.Fatalf("alert text = %q", got)
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(sender.delivered()); n != 1 {
		t.Fatalf("delivered = %d, want 1 (deposit must not alert)", n)
	}
}

func TestFormatAlertMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ       string
		alertable bool
	}{
		{ledger.EventDeposit, false},
		{ledger.EventRecipientAdded, false},
		{ledger.EventPaymentAccrued, false},
		{ledger.EventWithdrawal, false},
		{ledger.EventAccrualDeferred, true},
		{ledger.EventWithdrawalDeferred, true},
		{ledger.EventWithdrawalFailed, true},
		{ledger.EventAdminWithdrawal, true},
	}
	for _, tt := range tests {
		_, ok := formatAlert(eventbus.Event{Type: tt.typ, Data: eventbus.EventData{}})
		if ok != tt.alertable {
			t.Fatalf("formatAlert(%s) alertable = %v, want %v", tt.typ, ok, tt.alertable)
		}
	}
}
