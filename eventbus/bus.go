// Package eventbus routes live progress events from agent loops to
// subscribers. Delivery is fire-and-forget to current subscribers only;
// there is no backlog or replay. Durable history is the store's job.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic identifies the kind of event.
type Topic string

const (
	TopicStreamStart     Topic = "stream.start"
	TopicStreamText      Topic = "stream.text"
	TopicStreamReasoning Topic = "stream.reasoning"
	TopicToolCall        Topic = "stream.tool.call"
	TopicToolResult      Topic = "stream.tool.result"
	TopicStreamCompleted Topic = "stream.completed"
	TopicStreamError     Topic = "stream.error"
	TopicConnected       Topic = "server.connected"
	TopicHeartbeat       Topic = "server.heartbeat"
)

// Event is a transient progress notification.
type Event struct {
	Topic      Topic                  `json:"type"`
	SessionUID string                 `json:"sessionId"`
	MessageUID string                 `json:"messageId,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block; slow consumers decouple with their own
// buffered channel (the SSE transport does this).
type Handler func(Event)

// Subscription is the handle returned by subscribe calls. Unsubscribe is
// idempotent and safe to call concurrently.
type Subscription struct {
	bus     *Bus
	id      uint64
	session string // empty for global subscriptions
	once    sync.Once
}

// Unsubscribe removes the handler from the bus. Subsequent calls are no-ops.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Bus is an in-process publish/subscribe router with a global channel and
// per-session channels.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	global    map[uint64]Handler
	bySession map[string]map[uint64]Handler

	panics atomic.Int64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		global:    make(map[uint64]Handler),
		bySession: make(map[string]map[uint64]Handler),
	}
}

// SubscribeGlobal registers a handler for every published event.
func (b *Bus) SubscribeGlobal(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{bus: b, id: b.nextID}
	b.global[sub.id] = h
	return sub
}

// SubscribeSession registers a handler for events of a single session.
func (b *Bus) SubscribeSession(sessionUID string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{bus: b, id: b.nextID, session: sessionUID}
	handlers, ok := b.bySession[sessionUID]
	if !ok {
		handlers = make(map[uint64]Handler)
		b.bySession[sessionUID] = handlers
	}
	handlers[sub.id] = h
	return sub
}

// Publish delivers the event to all current subscribers. A handler that
// panics is isolated: the panic is swallowed, counted, and delivery to the
// remaining subscribers continues.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.global))
	for _, h := range b.global {
		handlers = append(handlers, h)
	}
	if event.SessionUID != "" {
		for _, h := range b.bySession[event.SessionUID] {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, event)
	}
}

func (b *Bus) deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
		}
	}()
	h(event)
}

// PanicCount reports how many subscriber panics have been swallowed.
func (b *Bus) PanicCount() int64 {
	return b.panics.Load()
}

// SubscriberCount reports the number of live subscriptions for a session
// (plus globals when sessionUID is empty). Diagnostic only.
func (b *Bus) SubscriberCount(sessionUID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sessionUID == "" {
		return len(b.global)
	}
	return len(b.bySession[sessionUID])
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.session == "" {
		delete(b.global, sub.id)
		return
	}
	handlers := b.bySession[sub.session]
	delete(handlers, sub.id)
	if len(handlers) == 0 {
		delete(b.bySession, sub.session)
	}
}
