// Package eventbus implements the process-local typed publish/subscribe
// dispatcher at the head of the trading pipeline.
package eventbus

import (
	"fmt"
	"sort"
	"sync"

	"options_trader/internal/core"
)

// subscription pairs a handler with its declared priority. Lower priority
// runs earlier.
type subscription struct {
	name     string
	priority int
	handler  func(core.Event)
}

// Bus implements core.IEventBus. Dispatch is synchronous on the publishing
// goroutine so a later subscriber observes every state change written by an
// earlier subscriber within the same event.
type Bus struct {
	logger core.ILogger

	mu   sync.RWMutex
	subs map[core.EventType][]subscription
}

// NewBus creates a new event bus
func NewBus(logger core.ILogger) *Bus {
	return &Bus{
		logger: logger.WithField("component", "event_bus"),
		subs:   make(map[core.EventType][]subscription),
	}
}

// Subscribe registers a handler for one event type at the given priority.
// Registration order breaks priority ties.
func (b *Bus) Subscribe(eventType core.EventType, priority int, name string, handler func(core.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := append(b.subs[eventType], subscription{name: name, priority: priority, handler: handler})
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].priority < subs[j].priority })
	b.subs[eventType] = subs

	b.logger.Debug("Subscriber registered",
		"event_type", eventType,
		"name", name,
		"priority", priority)
}

// Publish dispatches the event to every subscriber in priority order. A
// panicking subscriber is logged and the remaining subscribers still run.
func (b *Bus) Publish(event core.Event) {
	b.mu.RLock()
	subs := b.subs[event.EventType()]
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(sub, event)
	}
}

func (b *Bus) dispatch(sub subscription, event core.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber panicked, continuing with remaining subscribers",
				"event_type", event.EventType(),
				"subscriber", sub.name,
				"panic", fmt.Sprintf("%v", r))
		}
	}()
	sub.handler(event)
}

// SubscriberCount returns the number of handlers for an event type.
func (b *Bus) SubscriberCount(eventType core.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}
