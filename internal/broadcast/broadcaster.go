package broadcast

import (
	"log"
	"sync"
)

// Kind labels one account lifecycle event on the stream.
type Kind string

const (
	KindQR      Kind = "qr"
	KindReady   Kind = "ready"
	KindExpired Kind = "expired"
)

// Event is one entry on an account's event stream. Data carries the encoded
// QR image for KindQR and is empty otherwise.
type Event struct {
	Kind Kind
	Data string
}

// subscriberBuffer bounds how far a slow subscriber may fall behind before
// events are dropped for it. Dropping beats stalling every other subscriber.
const subscriberBuffer = 16

// Subscriber is one live event sink for an account.
type Subscriber struct {
	ch     chan Event
	closed bool
}

// C delivers the account's events in publish order until the subscription is
// cancelled or the account expires.
func (s *Subscriber) C() <-chan Event { return s.ch }

type account struct {
	mu       sync.Mutex
	subs     map[*Subscriber]struct{}
	retained *Event // pending QR replayed to late subscribers
}

// Broadcaster fans account lifecycle events out to any number of subscribers
// per account key. A slow or closed subscriber never blocks the others.
type Broadcaster struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

func New() *Broadcaster {
	return &Broadcaster{accounts: make(map[string]*account)}
}

func (b *Broadcaster) accountFor(key string) *account {
	b.mu.RLock()
	a, ok := b.accounts[key]
	b.mu.RUnlock()
	if ok {
		return a
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok = b.accounts[key]; !ok {
		a = &account{subs: make(map[*Subscriber]struct{})}
		b.accounts[key] = a
	}
	return a
}

// Subscribe attaches a new sink to the account's stream. If a QR code is
// already pending for the key it is replayed immediately, so a subscriber that
// connects after the QR was emitted still sees it. The returned cancel func
// detaches the sink and closes its channel; it is safe to call twice.
func (b *Broadcaster) Subscribe(key string) (*Subscriber, func()) {
	a := b.accountFor(key)

	sub := &Subscriber{ch: make(chan Event, subscriberBuffer)}

	a.mu.Lock()
	a.subs[sub] = struct{}{}
	if a.retained != nil {
		sub.ch <- *a.retained
	}
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if _, ok := a.subs[sub]; !ok {
			return
		}
		delete(a.subs, sub)
		sub.closed = true
		close(sub.ch)
	}
	return sub, cancel
}

// Publish delivers an event to every live subscriber for the key, in publish
// order. A subscriber whose buffer is full has the event dropped for it alone.
// A KindQR event is retained for replay to later subscribers.
func (b *Broadcaster) Publish(key string, ev Event) {
	a := b.accountFor(key)

	a.mu.Lock()
	defer a.mu.Unlock()
	if ev.Kind == KindQR {
		retained := ev
		a.retained = &retained
	}
	for sub := range a.subs {
		select {
		case sub.ch <- ev:
		default:
			log.Printf("broadcast: dropping %s event for %s, subscriber buffer full", ev.Kind, key)
		}
	}
}

// ClearRetained drops the pending QR for the key, so late subscribers no
// longer see a code that was already scanned.
func (b *Broadcaster) ClearRetained(key string) {
	b.mu.RLock()
	a, ok := b.accounts[key]
	b.mu.RUnlock()
	if !ok {
		return
	}
	a.mu.Lock()
	a.retained = nil
	a.mu.Unlock()
}

// CloseAccount publishes an expired event to every subscriber for the key,
// then closes their channels and forgets the account. Part of teardown.
func (b *Broadcaster) CloseAccount(key string) {
	b.mu.Lock()
	a, ok := b.accounts[key]
	if ok {
		delete(b.accounts, key)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.retained = nil
	for sub := range a.subs {
		select {
		case sub.ch <- Event{Kind: KindExpired}:
		default:
			log.Printf("broadcast: dropping expired event for %s, subscriber buffer full", key)
		}
		sub.closed = true
		close(sub.ch)
	}
	a.subs = make(map[*Subscriber]struct{})
}

// SubscriberCount reports how many sinks are attached for the key.
func (b *Broadcaster) SubscriberCount(key string) int {
	b.mu.RLock()
	a, ok := b.accounts[key]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}
