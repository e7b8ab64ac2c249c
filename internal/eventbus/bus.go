// Package eventbus decouples the ledger from its observers. The ledger
// publishes every observable state change; the audit writer and the notifier
// consume them independently, and losing an event never affects balances.
package eventbus

import (
	"sync"
	"time"
)

// EventData is the single payload contract for every event on the bus.
// A flat typed struct instead of an any-typed body: consumers read fields
// directly and never type-assert. Fields that don't apply to an event type
// stay zero.
type EventData struct {
	// Ledger figures.
	Recipient string `json:"recipient,omitempty"`
	Amount    uint64 `json:"amount,omitempty"`
	Escrow    uint64 `json:"escrow,omitempty"`
	Balance   uint64 `json:"balance"`

	// Settlement pass counters.
	Settled  int `json:"settled,omitempty"`
	Deferred int `json:"deferred,omitempty"`
	Skipped  int `json:"skipped,omitempty"`

	Detail string `json:"detail,omitempty"`
}

type Event struct {
	Type string
	Time time.Time
	Data EventData
}

type Bus interface {
	// Publish never blocks; subscribers that cannot keep up lose events.
	Publish(e Event)
	// Subscribe returns a buffered receive channel and an idempotent
	// unsubscribe func that also closes the channel.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: make(map[*subscriber]struct{})}
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

// memBus delivers under the read lock. Unsubscribe takes the write lock
// before closing, so a send can never race a close; that makes the
// non-blocking send below panic-free without any recover.
type memBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default: // full subscriber: drop
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		s.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}
