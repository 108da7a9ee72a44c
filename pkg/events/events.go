package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventSessionCreated   EventType = "session.created"
	EventSessionState     EventType = "session.state"
	EventSessionProgress  EventType = "session.progress"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"
	EventSessionCancelled EventType = "session.cancelled"
	EventStagingState     EventType = "staging.state"
	EventPlanUpdated      EventType = "plan.updated"
)

// Event represents a session event. Delivery is at-least-once: consumers
// deduplicate on SessionID plus Sequence, which increases monotonically
// within a session.
type Event struct {
	ID        string
	Type      EventType
	SessionID string
	Sequence  uint64
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	seqMu       sync.Mutex
	sequences   map[string]uint64
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		sequences:   make(map[string]uint64),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. The broker fills in the
// event id, timestamp and the per-session sequence number.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.seqMu.Lock()
	b.sequences[event.SessionID]++
	event.Sequence = b.sequences[event.SessionID]
	b.seqMu.Unlock()

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Forget drops the sequence counter of a finished session so the map does
// not grow across session lifetimes. Call only once no further events can
// be published for the session.
func (b *Broker) Forget(sessionID string) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	delete(b.sequences, sessionID)
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
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
