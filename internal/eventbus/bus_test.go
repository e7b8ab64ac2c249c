package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: "ledger.deposit", Data: EventData{Amount: 42, Balance: 42}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != "ledger.deposit" || e.Data.Amount != 42 {
				t.Fatalf("event = %+v", e)
			}
			if e.Time.IsZero() {
				t.Fatal("publish must stamp a time")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber got nothing")
		}
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "tick"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered = %d, want 1", len(ch))
	}
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // second call is a no-op

	// Publishing after unsubscribe must not panic even though ch is closed.
	b.Publish(Event{Type: "tick"})

	if _, ok := <-ch; ok {
		t.Fatal("closed subscriber received an event")
	}
}
