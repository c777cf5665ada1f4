package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/shardline/internal/connection"
	"github.com/mattjoyce/shardline/internal/scheduler"
)

var (
	// ErrRoutingExpired is returned by Wait when no matching connection
	// claimed the event before its deadline.
	ErrRoutingExpired = errors.New("routed event expired before a connection claimed it")
	// ErrRoutingCancelled is returned by Wait when the event was cancelled
	// while still waiting.
	ErrRoutingCancelled = errors.New("routed event cancelled")
)

// Status is the lifecycle state of a RoutedEvent.
type Status int

const (
	Waiting Status = iota
	Processing
	Finished
	Stopped
	Expired
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Processing:
		return "processing"
	case Finished:
		return "finished"
	case Stopped:
		return "stopped"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == Finished || s == Stopped || s == Expired
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	switch from {
	case Waiting:
		return to == Processing || to == Stopped || to == Expired
	case Processing:
		return to == Finished
	default:
		return false
	}
}

// Action is the routed unit of work, run against the connection that claimed it.
type Action func(ctx context.Context, conn connection.Connection) error

// Observer is called synchronously for every status change of an event.
type Observer func(ev *RoutedEvent, from, to Status)

type targetKind int

const (
	targetAny targetKind = iota
	targetID
	targetPredicate
)

// Target selects which connection may run a routed action.
type Target struct {
	kind targetKind
	id   int64
	pred connection.Predicate
}

// ByID targets the connection with the given id.
func ByID(id int64) Target { return Target{kind: targetID, id: id} }

// ByPredicate targets the first connection satisfying p. A nil predicate is
// the same as Any.
func ByPredicate(p connection.Predicate) Target {
	if p == nil {
		return Any()
	}
	return Target{kind: targetPredicate, pred: p}
}

// Any targets whichever connection is available first.
func Any() Target { return Target{kind: targetAny} }

func (t Target) String() string {
	switch t.kind {
	case targetID:
		return fmt.Sprintf("id:%d", t.id)
	case targetPredicate:
		return "predicate"
	default:
		return "any"
	}
}

// RoutedEvent is one queued action and its lifecycle.
type RoutedEvent struct {
	id        string
	target    Target
	action    Action
	createdAt time.Time
	logger    *slog.Logger

	mu        sync.Mutex
	status    Status
	observers []Observer
	err       error
	expiry    scheduler.Handle // guarded by the router lock

	done chan struct{}
}

func newRoutedEvent(target Target, action Action, logger *slog.Logger) *RoutedEvent {
	id := uuid.NewString()
	return &RoutedEvent{
		id:        id,
		target:    target,
		action:    action,
		createdAt: time.Now(),
		logger:    logger.With("event_id", id, "target", target.String()),
		status:    Waiting,
		done:      make(chan struct{}),
	}
}

func (ev *RoutedEvent) ID() string           { return ev.id }
func (ev *RoutedEvent) Target() Target       { return ev.target }
func (ev *RoutedEvent) CreatedAt() time.Time { return ev.createdAt }

// Status returns the current status.
func (ev *RoutedEvent) Status() Status {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.status
}

// OnTransition registers obs for all later status changes.
func (ev *RoutedEvent) OnTransition(obs Observer) {
	if obs == nil {
		return
	}
	ev.mu.Lock()
	ev.observers = append(ev.observers, obs)
	ev.mu.Unlock()
}

// Done is closed once the event reaches a terminal status.
func (ev *RoutedEvent) Done() <-chan struct{} { return ev.done }

// Wait blocks until the event is terminal or ctx ends. It returns
// ErrRoutingExpired, ErrRoutingCancelled, the action's error, or nil.
func (ev *RoutedEvent) Wait(ctx context.Context) error {
	select {
	case <-ev.done:
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return ev.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition moves the event to `to` if legal. Observers run after the lock is
// released; the winner of a WAITING transition owns every later step, so they
// still see one ordered sequence.
func (ev *RoutedEvent) transition(to Status, cause error) bool {
	ev.mu.Lock()
	from := ev.status
	if !CanTransition(from, to) {
		ev.mu.Unlock()
		return false
	}
	ev.status = to
	if to.Terminal() {
		ev.err = cause
	}
	observers := append([]Observer(nil), ev.observers...)
	ev.mu.Unlock()

	for _, obs := range observers {
		ev.notify(obs, from, to)
	}
	if to.Terminal() {
		close(ev.done)
	}
	return true
}

func (ev *RoutedEvent) notify(obs Observer, from, to Status) {
	defer func() {
		if p := recover(); p != nil {
			ev.logger.Error("Event observer panicked", "from", from.String(), "to", to.String(), "panic", p)
		}
	}()
	obs(ev, from, to)
}
