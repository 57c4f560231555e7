// Package broadcast fans version state and log events out to subscribers.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/labvisor/internal/metrics"
	"github.com/loykin/labvisor/internal/version"
)

// EventType names the two message kinds on the wire.
type EventType string

const (
	EventState EventType = "state-update"
	EventLog   EventType = "log"
)

// LogKind classifies a log event.
type LogKind string

const (
	LogInfo    LogKind = "info"
	LogSuccess LogKind = "success"
	LogWarn    LogKind = "warn"
	LogError   LogKind = "error"
)

// LogEvent is one line of operator-facing activity.
type LogEvent struct {
	ID        string    `json:"id"`
	VersionID string    `json:"versionId,omitempty"`
	Text      string    `json:"text"`
	Kind      LogKind   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is what a subscriber receives. Exactly one of State or Log is set.
type Message struct {
	Type  EventType         `json:"type"`
	State []version.Version `json:"state,omitempty"`
	Log   *LogEvent         `json:"log,omitempty"`
}

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// Subscription is a live event stream. C is closed when the subscriber is
// removed, either by Cancel, by Hub.Close or after falling behind.
type Subscription struct {
	C <-chan Message

	id   uint64
	ch   chan Message
	hub  *Hub
	once sync.Once
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() { s.hub.remove(s.id) }

// Hub delivers every published message to every subscriber in publish order.
// A subscriber whose queue is full is evicted instead of blocking publishers.
type Hub struct {
	snapshot func() []version.Version
	buffer   int
	log      *slog.Logger

	// stateMu orders snapshots; mu guards subscribers. Lock order: stateMu, mu.
	stateMu sync.Mutex

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewHub creates a hub. snapshot supplies the full version list sent to new
// subscribers and with every state update.
func NewHub(snapshot func() []version.Version, buffer int, log *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		snapshot: snapshot,
		buffer:   buffer,
		log:      log.With("component", "broadcast"),
		subs:     make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber. Its first message is the current state.
func (h *Hub) Subscribe() *Subscription {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	first := h.stateMessage()

	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Message, h.buffer)
	s := &Subscription{C: ch, ch: ch, hub: h}
	if h.closed {
		close(ch)
		return s
	}
	h.nextID++
	s.id = h.nextID
	ch <- first
	h.subs[s.id] = s
	metrics.SetSubscribers(len(h.subs))
	return s
}

// PublishState sends the full current version list to every subscriber.
// State updates are snapshotted and delivered one at a time, so subscribers
// never see an older list after a newer one. Log events keep flowing while a
// snapshot reads the disk.
func (h *Hub) PublishState() {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	m := h.stateMessage()
	h.publish(m)
}

// PublishLog sends a log event and returns it.
func (h *Hub) PublishLog(versionID string, kind LogKind, text string) LogEvent {
	ev := LogEvent{
		ID:        uuid.NewString(),
		VersionID: versionID,
		Text:      text,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
	h.publish(Message{Type: EventLog, Log: &ev})
	return ev
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
	metrics.SetSubscribers(0)
}

// stateMessage must be called with h.stateMu held.
func (h *Hub) stateMessage() Message {
	var state []version.Version
	if h.snapshot != nil {
		state = h.snapshot()
	}
	if state == nil {
		state = []version.Version{}
	}
	return Message{Type: EventState, State: state}
}

func (h *Hub) publish(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliver(m)
}

func (h *Hub) deliver(m Message) {
	for id, s := range h.subs {
		select {
		case s.ch <- m:
		default:
			metrics.IncDropped()
			metrics.IncEviction()
			h.log.Warn("subscriber fell behind, disconnecting", "subscriber", id, "buffer", h.buffer)
			delete(h.subs, id)
			s.once.Do(func() { close(s.ch) })
		}
	}
	metrics.SetSubscribers(len(h.subs))
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	s.once.Do(func() { close(s.ch) })
	metrics.SetSubscribers(len(h.subs))
}
