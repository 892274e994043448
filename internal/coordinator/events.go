package coordinator

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventStatus            = "status"
	EventGroupStatus       = "group_status"
	EventConnection        = "connection"
	EventChannelDiscovered = "channel_discovered"
	EventCommand           = "command"
)

// Event represents a coordinator event.
type Event struct {
	Type string      `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// StatusEvent is the payload of EventStatus.
type StatusEvent struct {
	Channel  int    `json:"channel"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Position int    `json:"position"`
	Moving   bool   `json:"moving"`
}

// GroupStatusEvent is the payload of EventGroupStatus.
type GroupStatusEvent struct {
	Group    string `json:"group"`
	Channels []int  `json:"channels"`
	Status   string `json:"status"`
	Position int    `json:"position"`
	Moving   bool   `json:"moving"`
}

// ConnectionEvent is the payload of EventConnection.
type ConnectionEvent struct {
	Connected     bool   `json:"connected"`
	Port          string `json:"port"`
	KnownChannels []int  `json:"known_channels,omitempty"`
	Error         string `json:"error,omitempty"`
}

// CommandEvent is the payload of EventCommand, emitted when a command is queued.
type CommandEvent struct {
	Channels []int  `json:"channels"`
	Command  string `json:"command"`
	Group    string `json:"group,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for coordinator events.
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
// A zero Time is set to the current time.
func (eb *EventBus) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
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
