package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventDispatchOK     EventType = "dispatch_ok"
	EventDispatchError  EventType = "dispatch_error"
	EventFallback       EventType = "fallback"
	EventCostDowngrade  EventType = "cost_downgrade"
	EventProviderStatus EventType = "provider_status"
	EventAlertRaised    EventType = "alert_raised"
	EventAlertResolved  EventType = "alert_resolved"
	EventBatchStarted   EventType = "batch_started"
	EventBatchCompleted EventType = "batch_completed"
	EventBatchFailed    EventType = "batch_failed"
)

// Event is a single gateway event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Dispatch fields.
	RequestID string  `json:"request_id,omitempty"`
	Provider  string  `json:"provider,omitempty"`
	ModelType string  `json:"model_type,omitempty"`
	Score     float64 `json:"score,omitempty"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
	ErrorCode string  `json:"error_code,omitempty"`
	ErrorMsg  string  `json:"error_msg,omitempty"`
	Reason    string  `json:"reason,omitempty"`

	// Provider status fields.
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`

	// Alert fields.
	AlertID   string `json:"alert_id,omitempty"`
	AlertKind string `json:"alert_kind,omitempty"`
	Severity  string `json:"severity,omitempty"`

	// Batch fields.
	BatchID    string `json:"batch_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Queries    int    `json:"queries,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Done is closed when the subscriber is removed from the bus.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Bus is an in-memory pub/sub event bus for gateway events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
