package events

import (
	"log/slog"
	"sync"
	"time"
)

type Type string

const (
	ProxyStatusChanged Type = "proxy-status-changed"
	AuthStatusChanged  Type = "auth-status-changed"
	RequestLog         Type = "request-log"
	OAuthCallback      Type = "oauth-callback"
)

type Event struct {
	Type    Type      `json:"type"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Sink receives outbound notifications. Publish must not block.
type Sink interface {
	Publish(t Type, payload any)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Type, any) {}

// Hub fans events out to subscribers. A subscriber that falls behind loses
// events rather than stalling the publisher.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: map[int]chan Event{}}
}

func (h *Hub) Publish(t Type, payload any) {
	event := Event{Type: t, Payload: payload, At: time.Now().UTC()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.logger.Debug("event dropped for slow subscriber", "subscriber", id, "type", t)
		}
	}
}

// Subscribe registers a buffered receiver. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
