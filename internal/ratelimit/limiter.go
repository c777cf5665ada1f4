// Package ratelimit provides the built-in cooldown middleware and its
// companion outcome-logging afterware.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/shardline/internal/command"
	"github.com/mattjoyce/shardline/internal/interceptor"
)

// Invocation store keys written by the limiter.
const (
	KeyLimited   = "ratelimit.limited"
	KeyNotified  = "ratelimit.notified"
	KeyRemaining = "ratelimit.remaining"
)

// Names the built-ins are registered under.
const (
	MiddlewareName = "ratelimit"
	AfterwareName  = "outcome-log"
)

// Decision is the result of one limiter check.
type Decision struct {
	Allowed bool
	// Notified is true when the actor was already told about this window,
	// so the block is silent.
	Notified bool
	// Remaining is the whole number of seconds left in the window.
	Remaining int64
}

type entryKey struct {
	command string
	actor   string
}

type window struct {
	lastActivation time.Time
	notified       bool
}

// entry holds the windows of one (command, actor) pair, one per scope.
type entry struct {
	mu     sync.Mutex
	scopes map[string]*window
}

// Limiter is the cooldown middleware. Entries are created on first use and
// kept for the life of the process.
type Limiter struct {
	defaultCooldown time.Duration
	logger          *slog.Logger
	nowFn           func() time.Time

	entries sync.Map // entryKey -> *entry
}

var _ interceptor.Middleware = (*Limiter)(nil)

// New creates a Limiter that falls back to defaultCooldown when a command
// declares none.
func New(defaultCooldown time.Duration, logger *slog.Logger) *Limiter {
	return &Limiter{
		defaultCooldown: defaultCooldown,
		logger:          logger.With("component", "ratelimit"),
		nowFn:           time.Now,
	}
}

// Check applies the cooldown for inv and records the activation when allowed.
func (l *Limiter) Check(inv *command.Invocation) Decision {
	cooldown := inv.Command.CooldownOr(l.defaultCooldown)
	key := entryKey{command: inv.CommandName(), actor: inv.ActorID}
	v, _ := l.entries.LoadOrStore(key, &entry{scopes: make(map[string]*window)})
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()

	scope := inv.Scope()
	w, ok := e.scopes[scope]
	if !ok {
		w = &window{}
		e.scopes[scope] = w
	}

	now := l.nowFn()
	if ok {
		end := w.lastActivation.Add(cooldown)
		if now.Before(end) {
			remaining := int64(end.Sub(now) / time.Second)
			if remaining > 0 {
				if !w.notified {
					w.notified = true
					return Decision{Remaining: remaining}
				}
				return Decision{Notified: true, Remaining: remaining}
			}
			// Less than a second left: release the window early.
			w.notified = false
		}
	}

	w.lastActivation = now
	w.notified = false
	return Decision{Allowed: true}
}

// Before implements interceptor.Middleware.
func (l *Limiter) Before(_ context.Context, inv *command.Invocation, gate *command.Gate) error {
	if inv.Command == nil {
		return nil
	}
	d := l.Check(inv)
	store := inv.EnsureStore()
	store.Set(KeyLimited, !d.Allowed)
	store.Set(KeyNotified, d.Notified)
	store.Set(KeyRemaining, d.Remaining)

	if d.Allowed {
		return nil
	}
	if d.Notified {
		l.logger.Debug("Rate limited, already notified", "command", inv.CommandName(), "scope", inv.Scope(), "remaining", d.Remaining)
		gate.Deny(nil)
		return nil
	}

	l.logger.Info("Rate limited", "command", inv.CommandName(), "scope", inv.Scope(), "remaining", d.Remaining)
	gate.Deny(Notice(d.Remaining))
	return nil
}

// Len returns the number of (command, actor) entries held.
func (l *Limiter) Len() int {
	n := 0
	l.entries.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// Notice is the ephemeral response shown the first time an actor hits a window.
func Notice(remaining int64) *command.Response {
	unit := "seconds"
	if remaining == 1 {
		unit = "second"
	}
	return &command.Response{
		Content:   fmt.Sprintf("This command is on cooldown. Try again in %d %s.", remaining, unit),
		Ephemeral: true,
		Data:      map[string]any{"remaining_seconds": remaining},
	}
}

// OutcomeLogger is the afterware that logs each run's outcome together with
// the limiter flags.
type OutcomeLogger struct {
	logger *slog.Logger
}

var _ interceptor.Afterware = (*OutcomeLogger)(nil)

func NewOutcomeLogger(logger *slog.Logger) *OutcomeLogger {
	return &OutcomeLogger{logger: logger.With("component", "outcome")}
}

func (o *OutcomeLogger) After(_ context.Context, inv *command.Invocation, outcome command.Outcome) error {
	attrs := []any{
		"command", inv.CommandName(),
		"actor_id", inv.ActorID,
		"invocation_id", inv.ID,
		"limited", inv.Store.Bool(KeyLimited),
		"notified", inv.Store.Bool(KeyNotified),
	}
	if v, ok := inv.Store.Get(KeyRemaining); ok {
		attrs = append(attrs, "remaining", v)
	}

	switch outcome {
	case command.Dispatched:
		o.logger.Info("Command dispatched", attrs...)
	default:
		o.logger.Info("Command failed dispatch", attrs...)
	}
	return nil
}

// Install registers the limiter and the outcome logger under their built-in
// names.
func Install(reg *interceptor.Registry, l *Limiter, logger *slog.Logger) error {
	if err := reg.Register(MiddlewareName, l); err != nil {
		return fmt.Errorf("install %s: %w", MiddlewareName, err)
	}
	if err := reg.Register(AfterwareName, NewOutcomeLogger(logger)); err != nil {
		return fmt.Errorf("install %s: %w", AfterwareName, err)
	}
	return nil
}
