package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the gateway components.
const (
	ConnectionReady   = "connection.ready"
	ConnectionDropped = "connection.dropped"

	RouterQueued     = "router.queued"
	RouterTransition = "router.transition"

	DispatchStage    = "dispatch.stage"
	DispatchDeferred = "dispatch.deferred"
	DispatchRejected = "dispatch.rejected"

	JournalPruned = "journal.pruned"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher is the narrow view components use to emit events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

type subscriber struct {
	prefix string
	ch     chan Event
}

var _ Publisher = (*Hub)(nil)

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if !strings.HasPrefix(ev.Type, sub.prefix) {
			continue
		}
		// Don't let slow clients block producers.
		select {
		case sub.ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel receiving every event whose type starts with
// prefix ("" for all events) and a cancel func that closes it.
func (h *Hub) Subscribe(prefix string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = subscriber{prefix: prefix, ch: ch}

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

// Nop discards everything published to it.
type Nop struct{}

func (Nop) Publish(string, any) {}
