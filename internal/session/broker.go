package session

import (
	"sync"

	"github.com/alexjbarnes/ums-client/internal/models"
)

// subscriberBuffer is the number of undelivered events a subscriber may
// fall behind by before the oldest is dropped.
const subscriberBuffer = 8

// Event is the published view of the session.
type Event struct {
	State         State               `json:"state"`
	Authenticated bool                `json:"authenticated"`
	Method        models.AuthMethod   `json:"method,omitempty"`
	User          *models.SessionUser `json:"user,omitempty"`
}

// Broker fans session events out to subscribers. Publishing never blocks:
// a subscriber that is not keeping up loses its oldest pending event.
type Broker struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	current Event
	closed  bool
}

// NewBroker returns a broker whose current value is initial.
func NewBroker(initial Event) *Broker {
	return &Broker{
		subs:    make(map[int]chan Event),
		current: initial,
	}
}

// Subscribe registers a subscriber. The current value is delivered
// immediately. The returned function unsubscribes and closes the channel.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch
	ch <- b.current

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish records e as the current value and delivers it.
func (b *Broker) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.current = e

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			select {
			case <-ch:
			default:
			}

			select {
			case ch <- e:
			default:
			}
		}
	}
}

// Current returns the last published value.
func (b *Broker) Current() Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.current
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
