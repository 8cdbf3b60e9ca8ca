// Package events is the publish/subscribe hub the widget layers react
// through. A Bus is explicitly constructed and injected; it is not a
// package global, so tests build a fresh one per case.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies a bus event. The set is closed.
type Type string

const (
	MessageSent      Type = "message:sent"
	MessageStreaming Type = "message:streaming"
	MessageReceived  Type = "message:received"
	MessageComplete  Type = "message:complete"
	MessageQueued    Type = "message:queued"
	ChatOpened       Type = "chat:opened"
	ChatClosed       Type = "chat:closed"
	SessionReset     Type = "session:reset"
	ConnectionError  Type = "connection:error"
	QueueProcessed   Type = "queue:processed"
	ErrorOccurred    Type = "error"
)

// Event is one bus emission. Never mutated after creation.
type Event struct {
	Type       Type           `json:"type"`
	InstanceID string         `json:"instance_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Handler receives events. Handlers run synchronously on the emitter's
// goroutine; a panicking handler is recovered and logged, and delivery to
// the remaining handlers continues.
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

// Bus routes events to type-specific, wildcard, and per-instance
// subscribers, in that order, and keeps a bounded history of recent
// emissions for diagnostics.
type Bus struct {
	mu         sync.Mutex
	nextID     int
	byType     map[Type][]subscription
	wildcard   []subscription
	byInstance map[string][]subscription
	history    *ring
	logger     *slog.Logger
}

const DefaultHistorySize = 100

// NewBus creates a bus whose history keeps the most recent historySize
// events (DefaultHistorySize when <= 0).
func NewBus(historySize int, logger *slog.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		byType:     make(map[Type][]subscription),
		byInstance: make(map[string][]subscription),
		history:    newRing(historySize),
		logger:     logger,
	}
}

// Subscribe registers fn for one event type. The returned function
// removes the subscription.
func (b *Bus) Subscribe(t Type, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.byType[t] = append(b.byType[t], subscription{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byType[t] = removeSub(b.byType[t], id)
	}
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.wildcard = append(b.wildcard, subscription{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = removeSub(b.wildcard, id)
	}
}

// SubscribeInstance registers fn for every event of one widget instance.
func (b *Bus) SubscribeInstance(instanceID string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.byInstance[instanceID] = append(b.byInstance[instanceID], subscription{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byInstance[instanceID] = removeSub(b.byInstance[instanceID], id)
	}
}

// Emit delivers an event to type listeners, then wildcard listeners, then
// instance listeners, and records it in the history.
func (b *Bus) Emit(t Type, instanceID string, data map[string]any) {
	evt := Event{Type: t, InstanceID: instanceID, Timestamp: time.Now().UTC(), Data: data}

	b.mu.Lock()
	listeners := make([]subscription, 0,
		len(b.byType[t])+len(b.wildcard)+len(b.byInstance[instanceID]))
	listeners = append(listeners, b.byType[t]...)
	listeners = append(listeners, b.wildcard...)
	listeners = append(listeners, b.byInstance[instanceID]...)
	b.history.push(evt)
	b.mu.Unlock()

	for _, sub := range listeners {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked", "type", evt.Type, "panic", r)
		}
	}()
	sub.fn(evt)
}

// HistoryFilter narrows a History query. Zero values match everything;
// Limit <= 0 returns all retained events.
type HistoryFilter struct {
	Type       Type
	InstanceID string
	Limit      int
}

// History returns retained events, oldest first, matching the filter.
func (b *Bus) History(f HistoryFilter) []Event {
	b.mu.Lock()
	all := b.history.snapshot()
	b.mu.Unlock()

	matched := all[:0:0]
	for _, evt := range all {
		if f.Type != "" && evt.Type != f.Type {
			continue
		}
		if f.InstanceID != "" && evt.InstanceID != f.InstanceID {
			continue
		}
		matched = append(matched, evt)
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[len(matched)-f.Limit:]
	}
	return matched
}

// RemoveAllListeners drops every subscription. For widget destruction and
// test isolation.
func (b *Bus) RemoveAllListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType = make(map[Type][]subscription)
	b.wildcard = nil
	b.byInstance = make(map[string][]subscription)
}

// ClearHistory empties the event history.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history.clear()
}

func removeSub(subs []subscription, id int) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
