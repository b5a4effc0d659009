package library

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType distinguishes the three event streams the engine publishes.
type EventType string

const (
	EventDriveChanged     EventType = "DriveChanged"
	EventMediaChanged     EventType = "MediaChanged"
	EventOperationLogging EventType = "OperationLogging"
)

// Event is one published notification. Only the fields relevant to its Type
// are populated.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Slot          *int      `json:"slot,omitempty"`
	OperationName string    `json:"operation_name,omitempty"`
	VolumeTag     string    `json:"volume_tag,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

const eventChannelBufferSize = 50

// EventBus fans out engine events to subscriber channels, keeping a capped
// history so late subscribers (e.g. an SSE client connecting mid-run) see
// recent context.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	history     []Event
	maxHistory  int
}

// NewEventBus returns an EventBus retaining the last 200 events.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[chan Event]struct{}),
		maxHistory:  200,
	}
}

// Subscribe returns a new channel that receives every subsequently
// published event.
func (eb *EventBus) Subscribe() chan Event {
	ch := make(chan Event, eventChannelBufferSize)
	eb.mu.Lock()
	eb.subscribers[ch] = struct{}{}
	eb.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (eb *EventBus) Unsubscribe(ch chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if _, ok := eb.subscribers[ch]; ok {
		delete(eb.subscribers, ch)
		close(ch)
	}
}

// Publish fans event out to every subscriber without blocking; slow
// subscribers drop events rather than stall the engine.
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	eb.mu.Lock()
	eb.history = append(eb.history, event)
	if len(eb.history) > eb.maxHistory {
		eb.history = eb.history[len(eb.history)-eb.maxHistory:]
	}
	subs := make([]chan Event, 0, len(eb.subscribers))
	for ch := range eb.subscribers {
		subs = append(subs, ch)
	}
	eb.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// History returns a copy of recently published events.
func (eb *EventBus) History() []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make([]Event, len(eb.history))
	copy(out, eb.history)
	return out
}

func driveChangedEvent(slot int, op string) Event {
	s := slot
	return Event{Type: EventDriveChanged, Slot: &s, OperationName: op}
}

func mediaChangedEvent(tag string) Event {
	return Event{Type: EventMediaChanged, VolumeTag: tag}
}

func operationLoggingEvent(traceID, message string) Event {
	return Event{Type: EventOperationLogging, TraceID: traceID, Message: message}
}

// publishSafely invokes publish and recovers from any panic raised by a
// handler further down the fan-out, matching the fire-and-forget contract:
// a misbehaving sink must never take down an in-flight operation.
func publishSafely(eb *EventBus, event Event) {
	defer func() {
		if r := recover(); r != nil {
			_ = fmt.Sprint(r)
		}
	}()
	if eb != nil {
		eb.Publish(event)
	}
}
