package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventWorkloadCreated   EventType = "workload.created"
	EventWorkloadUpdated   EventType = "workload.updated"
	EventWorkloadDeleted   EventType = "workload.deleted"
	EventStarting          EventType = "workload.starting"
	EventStarted           EventType = "workload.started"
	EventRunning           EventType = "workload.running"
	EventStopping          EventType = "workload.stopping"
	EventExited            EventType = "workload.exited"
	EventStopped           EventType = "workload.stopped"
	EventFailed            EventType = "workload.failed"
	EventBackingOff        EventType = "workload.backing_off"
	EventUnhealthy         EventType = "workload.unhealthy"
	EventSkippedConcurrent EventType = "schedule.skipped_concurrent"
	EventScheduleFired     EventType = "schedule.fired"
	EventLostOnRecovery    EventType = "workload.lost_on_recovery"
	EventLogDropped        EventType = "log.dropped"
	EventPersistenceLag    EventType = "persistence.lag"
	EventPersistenceDrop   EventType = "persistence.dropped"
	EventSubscriberLagged  EventType = "subscriber.lagged"
)

// Event represents a daemon event
type Event struct {
	Type       EventType
	Timestamp  time.Time
	WorkloadID string
	Message    string
	Metadata   map[string]string
}

// Subscription receives events on C until Cancel is called or the
// subscriber falls too far behind, at which point C is closed and Lagged
// reports true.
type Subscription struct {
	C      chan *Event
	filter func(*Event) bool

	mu     sync.Mutex
	closed bool
	lagged bool

	broker *Broker
}

// Lagged reports whether the subscription was dropped for falling behind
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Cancel removes the subscription from the broker
func (s *Subscription) Cancel() {
	s.broker.unsubscribe(s)
}

// Broker manages event subscriptions and distribution. Publishing never
// blocks: a subscriber whose queue is full is dropped, not waited on.
type Broker struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	bufSize int
	eventCh chan *Event
	stopCh  chan struct{}
	stopped sync.Once

	onLagged func(*Subscription)
}

// NewBroker creates a new event broker with the given per-subscriber buffer
func NewBroker(bufSize int) *Broker {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broker{
		subs:    make(map[*Subscription]struct{}),
		bufSize: bufSize,
		eventCh: make(chan *Event, 256),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and closes all subscriptions
func (b *Broker) Stop() {
	b.stopped.Do(func() {
		close(b.stopCh)
		b.mu.Lock()
		for sub := range b.subs {
			b.closeLocked(sub, false)
		}
		b.mu.Unlock()
	})
}

// OnLagged registers a callback invoked when a subscriber is dropped
func (b *Broker) OnLagged(fn func(*Subscription)) {
	b.mu.Lock()
	b.onLagged = fn
	b.mu.Unlock()
}

// Subscribe creates a subscription; a nil filter receives every event
func (b *Broker) Subscribe(filter func(*Event) bool) *Subscription {
	sub := &Subscription{
		C:      make(chan *Event, b.bufSize),
		filter: filter,
		broker: b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	b.closeLocked(sub, false)
	b.mu.Unlock()
}

// closeLocked removes and closes a subscription; callers hold b.mu
func (b *Broker) closeLocked(sub *Subscription, lagged bool) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		sub.lagged = lagged
		close(sub.C)
	}
	sub.mu.Unlock()
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.Lock()
	var lagged []*Subscription
	for sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.C <- event:
		default:
			// Queue full: drop the subscriber, never the emitter
			lagged = append(lagged, sub)
		}
	}
	onLagged := b.onLagged
	for _, sub := range lagged {
		b.closeLocked(sub, true)
	}
	b.mu.Unlock()

	if onLagged != nil {
		for _, sub := range lagged {
			onLagged(sub)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
