// Package health tracks the availability of the ranking cache and the
// durable store, and publishes state transitions on the event bus.
package health

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/pms/leaderboard/internal/events"
)

// Monitor is an atomically-updated availability flag for one dependency.
// Compare-and-set transitions guarantee each down/up notification fires
// exactly once per state change, no matter how many callers report failures
// concurrently. The transition and its publish happen under one lock so
// notifications always reach the bus in the order the transitions occurred.
type Monitor struct {
	name      string
	mu        sync.Mutex
	available atomic.Bool
	bus       *events.Bus
	downEvent events.EventType
	upEvent   events.EventType
	log       zerolog.Logger
}

// NewCacheMonitor creates the ranking-cache availability monitor.
func NewCacheMonitor(bus *events.Bus, log zerolog.Logger) *Monitor {
	return newMonitor("cache", bus, events.CacheDown, events.CacheUp, log)
}

// NewStoreMonitor creates the durable-store availability monitor.
func NewStoreMonitor(bus *events.Bus, log zerolog.Logger) *Monitor {
	return newMonitor("store", bus, events.StoreDown, events.StoreUp, log)
}

func newMonitor(name string, bus *events.Bus, down, up events.EventType, log zerolog.Logger) *Monitor {
	m := &Monitor{
		name:      name,
		bus:       bus,
		downEvent: down,
		upEvent:   up,
		log:       log.With().Str("component", "health").Str("dependency", name).Logger(),
	}
	m.available.Store(true)
	return m
}

// Available reports whether the dependency is currently considered up.
func (m *Monitor) Available() bool {
	return m.available.Load()
}

// Status returns "UP" or "DOWN" for status endpoints.
func (m *Monitor) Status() string {
	if m.available.Load() {
		return "UP"
	}
	return "DOWN"
}

// Down marks the dependency unavailable. Only the transition publishes an
// event; repeated reports while already down are no-ops.
func (m *Monitor) Down(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.available.CompareAndSwap(true, false) {
		m.log.Warn().Str("reason", reason).Msg("Dependency marked DOWN")
		m.bus.Publish(m.downEvent, "health", map[string]interface{}{
			"dependency": m.name,
			"reason":     reason,
		})
	}
}

// Up marks the dependency available again. Only the transition publishes.
func (m *Monitor) Up() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.available.CompareAndSwap(false, true) {
		m.log.Info().Msg("Dependency marked UP")
		m.bus.Publish(m.upEvent, "health", map[string]interface{}{
			"dependency": m.name,
		})
	}
}
