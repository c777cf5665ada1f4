// Package connection tracks the worker connections (shards) that are
// currently live and able to execute routed actions.
package connection

import (
	"log/slog"
	"sort"
	"sync"
)

// Connection is an externally-owned worker connection handle. The registry and
// router keep non-owning references only.
type Connection interface {
	ID() int64
}

// Predicate selects connections able to run a routed action.
type Predicate func(Connection) bool

// Listener is notified after a connection becomes available or drops.
type Listener interface {
	ConnectionReady(conn Connection)
	ConnectionDropped(id int64)
}

// Worker is a simple Connection carrying a label set (guild membership,
// capabilities) that predicates can inspect.
type Worker struct {
	id     int64
	labels map[string]struct{}
}

// NewWorker creates a Worker with the given id and labels.
func NewWorker(id int64, labels ...string) *Worker {
	w := &Worker{id: id, labels: make(map[string]struct{}, len(labels))}
	for _, l := range labels {
		w.labels[l] = struct{}{}
	}
	return w
}

func (w *Worker) ID() int64 { return w.id }

// HasLabel reports whether the worker carries label.
func (w *Worker) HasLabel(label string) bool {
	_, ok := w.labels[label]
	return ok
}

// Labels returns the worker's labels, sorted.
func (w *Worker) Labels() []string {
	out := make([]string, 0, len(w.labels))
	for l := range w.labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// WithLabel matches connections that expose HasLabel and carry label.
func WithLabel(label string) Predicate {
	return func(c Connection) bool {
		lc, ok := c.(interface{ HasLabel(string) bool })
		return ok && lc.HasLabel(label)
	}
}

// Registry holds the live connections keyed by id.
//
// Ready and Drop are serialized together with their listener notifications,
// so a listener never sees a ready connection that a concurrent Drop already
// removed. Listeners must not call Ready or Drop.
type Registry struct {
	logger *slog.Logger

	lifecycleMu sync.Mutex

	mu    sync.RWMutex
	conns map[int64]Connection
	order []int64 // registration order

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("component", "connections"),
		conns:  make(map[int64]Connection),
	}
}

// AddListener registers l for ready/drop notifications.
func (r *Registry) AddListener(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Ready registers conn, replacing any previous handle with the same id, and
// then notifies listeners.
func (r *Registry) Ready(conn Connection) {
	id := conn.ID()

	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	if _, exists := r.conns[id]; !exists {
		r.order = append(r.order, id)
	}
	r.conns[id] = conn
	r.mu.Unlock()

	r.logger.Info("Connection ready", "connection_id", id)
	for _, l := range r.snapshotListeners() {
		l.ConnectionReady(conn)
	}
}

// Drop removes the connection with id and notifies listeners. It reports
// whether the id was registered.
func (r *Registry) Drop(id int64) bool {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	_, exists := r.conns[id]
	if exists {
		delete(r.conns, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	r.logger.Info("Connection dropped", "connection_id", id)
	for _, l := range r.snapshotListeners() {
		l.ConnectionDropped(id)
	}
	return true
}

// Get returns the connection registered under id.
func (r *Registry) Get(id int64) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Snapshot returns the live connections in registration order.
func (r *Registry) Snapshot() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.conns[id])
	}
	return out
}

// First returns the earliest registered live connection.
func (r *Registry) First() (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, false
	}
	return r.conns[r.order[0]], true
}

// FirstMatch returns the earliest registered connection satisfying pred.
func (r *Registry) FirstMatch(pred Predicate) (Connection, bool) {
	for _, c := range r.Snapshot() {
		if pred(c) {
			return c, true
		}
	}
	return nil, false
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) snapshotListeners() []Listener {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	return append([]Listener(nil), r.listeners...)
}
