// Package events defines the notifications the connection layer publishes
// to its collaborators and a small synchronous bus to deliver them.
package events

import (
	"sync"
	"time"

	"github.com/rickgao/dashlink/internal/router"
)

// Kind identifies a notification.
type Kind string

const (
	Connected          Kind = "connected"
	Disconnected       Kind = "disconnected"
	Message            Kind = "message"
	ReconnectScheduled Kind = "reconnect_scheduled"
	ReconnectFailed    Kind = "reconnect_failed"
	ReconnectExhausted Kind = "reconnect_exhausted"
	PollingEnabled     Kind = "polling_enabled"
	PollingDisabled    Kind = "polling_disabled"
	ItemBuffered       Kind = "item_buffered"
	ItemDropped        Kind = "item_dropped"
	HealthCheckFailed  Kind = "health_check_failed"
	Degraded           Kind = "degraded"
	StateChanged       Kind = "state_changed"
)

// Source identifies the publishing component.
type Source string

const (
	SourceChannel    Source = "channel"
	SourceDependency Source = "dependency"
)

// Notification is a single event. Only the fields relevant to Kind are set.
type Notification struct {
	Kind   Kind
	Source Source
	At     time.Time

	Attempt     int           // connected, reconnect_scheduled, reconnect_failed
	Delay       time.Duration // reconnect_scheduled
	MaxAttempts int           // reconnect_exhausted
	Reason      string        // disconnected, degraded
	Err         error         // reconnect_failed, health_check_failed
	BufferSize  int           // item_buffered
	Item        any           // item_dropped
	State       string        // state_changed
	PrevState   string        // state_changed

	Envelope *router.Envelope // message
}

// Handler receives notifications.
type Handler func(Notification)

// Publisher is implemented by Bus.
type Publisher interface {
	Publish(n Notification)
}

// Bus delivers notifications to subscribers synchronously, in subscription
// order, on the publisher's goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id      int
	kinds   map[Kind]struct{} // nil = all kinds
	handler Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h for the given kinds, or for every kind when none
// are given. The returned function removes the subscription.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscription{id: b.nextID, handler: h}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	b.subs = append(b.subs, sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers n to every matching subscriber.
func (b *Bus) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		if s.kinds != nil {
			if _, ok := s.kinds[n.Kind]; !ok {
				continue
			}
		}
		s.handler(n)
	}
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Notification) {}
