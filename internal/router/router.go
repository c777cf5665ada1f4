// Package router queues actions for worker connections and hands them out as
// connections become ready.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/shardline/internal/connection"
	"github.com/mattjoyce/shardline/internal/core"
	"github.com/mattjoyce/shardline/internal/events"
)

type predicateEntry struct {
	pred connection.Predicate
	ev   *RoutedEvent
}

// Stats reports queue depths.
type Stats struct {
	ByID      map[int64]int `json:"by_id"`
	Predicate int           `json:"predicate"`
	Global    int           `json:"global"`
}

// Total is the number of queued events across all queues.
func (s Stats) Total() int {
	n := s.Predicate + s.Global
	for _, d := range s.ByID {
		n += d
	}
	return n
}

// Router holds the per-connection, predicate and global queues.
type Router struct {
	rc            *core.RouterContext
	expiryTimeout time.Duration
	logger        *slog.Logger

	mu         sync.Mutex
	idQueues   map[int64][]*RoutedEvent
	predicates []predicateEntry
	global     []*RoutedEvent
}

var _ connection.Listener = (*Router)(nil)

// New creates a Router and subscribes it to rc.Connections. A non-positive
// expiryTimeout disables expiry.
func New(rc *core.RouterContext, expiryTimeout time.Duration) *Router {
	r := &Router{
		rc:            rc,
		expiryTimeout: expiryTimeout,
		logger:        rc.Logger.With("component", "router"),
		idQueues:      make(map[int64][]*RoutedEvent),
	}
	rc.Connections.AddListener(r)
	return r
}

// Queue routes action to target. If a matching connection is already known
// the action runs immediately on a pool task, otherwise the event waits in the
// matching queue until a connection becomes ready or it expires.
func (r *Router) Queue(target Target, action Action) *RoutedEvent {
	if action == nil {
		action = func(context.Context, connection.Connection) error { return nil }
	}
	ev := newRoutedEvent(target, action, r.logger)
	ev.OnTransition(r.publishTransition)

	// The lookup and the append share the lock with Ready's drain, so an
	// event can never land in a queue that was just drained.
	r.mu.Lock()
	conn, ok := r.match(target)
	if ok {
		r.mu.Unlock()
		r.logger.Debug("Routing to known connection", "event_id", ev.id, "target", target.String(), "connection_id", conn.ID())
		r.dispatch(ev, conn)
		return ev
	}

	switch target.kind {
	case targetID:
		r.idQueues[target.id] = append(r.idQueues[target.id], ev)
	case targetPredicate:
		r.predicates = append(r.predicates, predicateEntry{pred: target.pred, ev: ev})
	default:
		r.global = append(r.global, ev)
	}
	if r.expiryTimeout > 0 {
		h, ok := r.rc.Scheduler.RunAfter(r.expiryTimeout, func(context.Context) {
			r.expire(ev)
		})
		ev.expiry = h
		if !ok {
			// Nothing could ever expire or drain the event.
			r.remove(ev)
			r.mu.Unlock()
			r.refuse(ev)
			return ev
		}
	}
	r.mu.Unlock()

	r.logger.Debug("Queued routed event", "event_id", ev.id, "target", target.String())
	r.rc.Events.Publish(events.RouterQueued, map[string]any{
		"event_id": ev.id,
		"target":   target.String(),
	})
	return ev
}

// ConnectionReady drains work for conn.
func (r *Router) ConnectionReady(conn connection.Connection) { r.Ready(conn) }

// ConnectionDropped only logs; the id keeps its queue in case it reconnects.
func (r *Router) ConnectionDropped(id int64) {
	r.mu.Lock()
	depth := len(r.idQueues[id])
	r.mu.Unlock()
	r.logger.Info("Connection dropped", "connection_id", id, "queued", depth)
}

// Ready hands queued work to conn: every event queued for its id in FIFO
// order, at most one predicate match, and at most one global event.
func (r *Router) Ready(conn connection.Connection) {
	id := conn.ID()

	r.mu.Lock()
	claimed := r.idQueues[id]
	delete(r.idQueues, id)

	for i, entry := range r.predicates {
		if r.safeMatch(entry.pred, conn) {
			claimed = append(claimed, entry.ev)
			r.predicates = append(r.predicates[:i], r.predicates[i+1:]...)
			break
		}
	}

	if len(r.global) > 0 {
		claimed = append(claimed, r.global[0])
		r.global[0] = nil
		r.global = r.global[1:]
	}

	for _, ev := range claimed {
		if ev.expiry != nil {
			ev.expiry.Cancel(false)
		}
	}
	r.mu.Unlock()

	if len(claimed) > 0 {
		r.logger.Debug("Draining queued events", "connection_id", id, "count", len(claimed))
	}
	for _, ev := range claimed {
		r.dispatch(ev, conn)
	}
}

// Cancel stops ev if it is still waiting. Repeated calls are no-ops. It
// reports whether this call stopped the event.
func (r *Router) Cancel(ev *RoutedEvent) bool {
	r.mu.Lock()
	if r.remove(ev) && ev.expiry != nil {
		ev.expiry.Cancel(false)
	}
	r.mu.Unlock()

	if !ev.transition(Stopped, ErrRoutingCancelled) {
		return false
	}
	r.logger.Debug("Routed event cancelled", "event_id", ev.id)
	return true
}

// Stats returns the current queue depths.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		ByID:      make(map[int64]int, len(r.idQueues)),
		Predicate: len(r.predicates),
		Global:    len(r.global),
	}
	for id, q := range r.idQueues {
		if len(q) > 0 {
			s.ByID[id] = len(q)
		}
	}
	return s
}

// QueuedIDs returns the connection ids that have events waiting, sorted.
func (r *Router) QueuedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.idQueues))
	for id := range r.idQueues {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Router) expire(ev *RoutedEvent) {
	r.mu.Lock()
	held := r.remove(ev)
	r.mu.Unlock()
	if !held {
		// Already dequeued for processing or cancelled.
		return
	}
	if ev.transition(Expired, ErrRoutingExpired) {
		r.logger.Warn("Routed event expired", "event_id", ev.id, "target", ev.target.String(), "timeout", r.expiryTimeout.String())
	}
}

func (r *Router) dispatch(ev *RoutedEvent, conn connection.Connection) {
	ok := r.rc.Scheduler.Run(func(ctx context.Context) {
		r.process(ctx, ev, conn)
	})
	if !ok {
		r.refuse(ev)
	}
}

// refuse stops an event the scheduler will no longer run.
func (r *Router) refuse(ev *RoutedEvent) {
	if ev.transition(Stopped, ErrRoutingCancelled) {
		r.logger.Warn("Scheduler stopped, routed event cancelled", "event_id", ev.id, "target", ev.target.String())
	}
}

func (r *Router) process(ctx context.Context, ev *RoutedEvent, conn connection.Connection) {
	if !ev.transition(Processing, nil) {
		r.logger.Debug("Skipping routed event", "event_id", ev.id, "status", ev.Status().String())
		return
	}
	err := r.invoke(ctx, ev, conn)
	if err != nil {
		r.logger.Error("Routed action failed", "event_id", ev.id, "connection_id", conn.ID(), "error", err)
	}
	ev.transition(Finished, err)
}

func (r *Router) invoke(ctx context.Context, ev *RoutedEvent, conn connection.Connection) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("routed action panicked: %v", p)
		}
	}()
	return ev.action(ctx, conn)
}

// match finds a live connection for target. Caller holds r.mu.
func (r *Router) match(target Target) (connection.Connection, bool) {
	switch target.kind {
	case targetID:
		return r.rc.Connections.Get(target.id)
	case targetPredicate:
		for _, c := range r.rc.Connections.Snapshot() {
			if r.safeMatch(target.pred, c) {
				return c, true
			}
		}
		return nil, false
	default:
		return r.rc.Connections.First()
	}
}

func (r *Router) safeMatch(pred connection.Predicate, conn connection.Connection) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Routing predicate panicked", "connection_id", conn.ID(), "panic", p)
			ok = false
		}
	}()
	return pred(conn)
}

// remove deletes ev from whichever queue holds it. Caller holds r.mu.
func (r *Router) remove(ev *RoutedEvent) bool {
	switch ev.target.kind {
	case targetID:
		q := r.idQueues[ev.target.id]
		for i, e := range q {
			if e == ev {
				q = append(q[:i], q[i+1:]...)
				if len(q) == 0 {
					delete(r.idQueues, ev.target.id)
				} else {
					r.idQueues[ev.target.id] = q
				}
				return true
			}
		}
	case targetPredicate:
		for i, entry := range r.predicates {
			if entry.ev == ev {
				r.predicates = append(r.predicates[:i], r.predicates[i+1:]...)
				return true
			}
		}
	default:
		for i, e := range r.global {
			if e == ev {
				r.global = append(r.global[:i], r.global[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (r *Router) publishTransition(ev *RoutedEvent, from, to Status) {
	r.rc.Events.Publish(events.RouterTransition, map[string]any{
		"event_id": ev.id,
		"target":   ev.target.String(),
		"from":     from.String(),
		"to":       to.String(),
	})
}
