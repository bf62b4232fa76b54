// Package events provides the in-process event bus that carries health
// transitions and pipeline notifications between components.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies an event on the bus.
type EventType string

const (
	CacheDown EventType = "CACHE_DOWN"
	CacheUp   EventType = "CACHE_UP"
	StoreDown EventType = "STORE_DOWN"
	StoreUp   EventType = "STORE_UP"

	BatchProcessed  EventType = "BATCH_PROCESSED"
	EntryDeadLetter EventType = "ENTRY_DEAD_LETTERED"
	CacheRebuilt    EventType = "CACHE_REBUILT"
)

// Event is a single notification delivered to subscribers.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Handler receives a published event.
type Handler func(event *Event)

const queueSize = 256

// Bus is a minimal pub/sub bus with a single ordered dispatch goroutine.
// Subscribers observe events in publish order across all event types, which
// the health transitions depend on: a DOWN published before an UP must never
// be handled after it, or a component ends up paused against an UP monitor
// with no further transition coming.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	queue     chan *Event
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	log zerolog.Logger
}

// NewBus creates an event bus and starts its dispatcher.
func NewBus(log zerolog.Logger) *Bus {
	b := &Bus{
		handlers: make(map[EventType][]Handler),
		queue:    make(chan *Event, queueSize),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
	go b.dispatchLoop()
	return b
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish enqueues an event for all subscribers of its type. Delivery is
// asynchronous but strictly ordered: two publishes from the same goroutine
// are always handled in that order.
func (b *Bus) Publish(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}

	select {
	case b.queue <- event:
	case <-b.stop:
	}
}

// Close stops the dispatcher. Events still queued are dropped.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.stopped
	})
}

func (b *Bus) dispatchLoop() {
	defer close(b.stopped)
	for {
		select {
		case <-b.stop:
			return
		case event := <-b.queue:
			b.dispatch(event)
		}
	}
}

func (b *Bus) dispatch(event *Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	b.log.Debug().
		Str("event_type", string(event.Type)).
		Str("module", event.Module).
		Int("subscribers", len(handlers)).
		Msg("Event dispatched")

	for _, handler := range handlers {
		handler(event)
	}
}
