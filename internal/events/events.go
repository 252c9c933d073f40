// Package events broadcasts WAL listener core lifecycle events
// (worker start/stop, reconnects, reconcile failures) to any number
// of subscribers. The Supervisor publishes worker start/stop events;
// no other package subscribes yet.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of lifecycle event.
type Type string

const (
	TypeWorkerStarted     Type = "worker.started"
	TypeWorkerStopped     Type = "worker.stopped"
	TypeWorkerReconnected Type = "worker.reconnected"
	TypeSlotDisabled      Type = "slot.disabled"
	TypeReconcileFailed   Type = "reconcile.failed"
	TypeLeadershipGained  Type = "leadership.gained"
	TypeLeadershipLost    Type = "leadership.lost"
)

// Event is one occurrence on the broker's feed.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	DBID      string
	Message   string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans one internal event stream out to any number of
// subscribers, dropping to a subscriber whose buffer is full rather
// than blocking the publisher.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker returns a Broker that is not yet running; call Start.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop in its own goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution. Subscriber channels are left open; each is
// closed only by Unsubscribe.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscriber with a 50-event buffer.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish assigns an ID and timestamp if absent, then hands the event
// to the distribution loop.
func (b *Broker) Publish(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- ev:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case ev := <-b.eventCh:
			b.broadcast(ev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are currently registered.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
