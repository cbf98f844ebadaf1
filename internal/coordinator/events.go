package coordinator

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventAdapterInfo     = "adapter_info"
	EventMessageReceived = "message_received"
	EventSendResult      = "send_result"
	EventPeerSeen        = "peer_seen"
	EventBridgeState     = "bridge_state"
	EventOTAProgress     = "ota_progress"
)

// Event represents a bridge event.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for bridge events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// Subscribe returns a channel fed with events of the given types, or all
// events when none are given. Events are dropped while the channel is full.
// The returned function unsubscribes and closes the channel.
func (eb *EventBus) Subscribe(size int, types ...string) (<-chan Event, func()) {
	ch := make(chan Event, size)
	var mu sync.Mutex
	closed := false
	deliver := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			eb.logger.Debug("event subscriber full, dropping event", "type", e.Type)
		}
	}

	var unsubs []func()
	if len(types) == 0 {
		unsubs = append(unsubs, eb.OnAll(deliver))
	}
	for _, t := range types {
		unsubs = append(unsubs, eb.On(t, deliver))
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}
