// Package interceptor holds the name → interceptor lookup used to resolve a
// command's middleware and afterware chains.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/shardline/internal/command"
)

// ErrNotInterceptor is returned when registering a value that is neither
// middleware nor afterware.
var ErrNotInterceptor = errors.New("value implements neither Middleware nor Afterware")

// Middleware runs before validators and the handler. It stops the chain by
// calling gate.Deny. A returned error is logged and the chain continues.
type Middleware interface {
	Before(ctx context.Context, inv *command.Invocation, gate *command.Gate) error
}

// Afterware runs after handler dispatch, whatever the middleware outcome.
type Afterware interface {
	After(ctx context.Context, inv *command.Invocation, outcome command.Outcome) error
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(ctx context.Context, inv *command.Invocation, gate *command.Gate) error

func (f MiddlewareFunc) Before(ctx context.Context, inv *command.Invocation, gate *command.Gate) error {
	return f(ctx, inv, gate)
}

// AfterwareFunc adapts a function to Afterware.
type AfterwareFunc func(ctx context.Context, inv *command.Invocation, outcome command.Outcome) error

func (f AfterwareFunc) After(ctx context.Context, inv *command.Invocation, outcome command.Outcome) error {
	return f(ctx, inv, outcome)
}

// maxNameAttempts bounds auto-name generation; uuid collisions are not
// expected in practice.
const maxNameAttempts = 16

// Registry maps names to interceptors.
type Registry struct {
	logger *slog.Logger
	newID  func() string

	mu      sync.RWMutex
	entries map[string]any
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "interceptors"),
		newID:   uuid.NewString,
		entries: make(map[string]any),
	}
}

// Register stores ic under name, overwriting any existing entry.
func (r *Registry) Register(name string, ic any) error {
	if name == "" {
		return fmt.Errorf("interceptor name is empty")
	}
	if !isInterceptor(ic) {
		return fmt.Errorf("register %q: %w", name, ErrNotInterceptor)
	}

	r.mu.Lock()
	_, replaced := r.entries[name]
	r.entries[name] = ic
	r.mu.Unlock()

	r.logger.Debug("Registered interceptor", "name", name, "replaced", replaced)
	return nil
}

// RegisterAuto stores ic under a generated name and returns it.
func (r *Registry) RegisterAuto(ic any) (string, error) {
	if !isInterceptor(ic) {
		return "", ErrNotInterceptor
	}
	prefix := kindOf(ic)

	r.mu.Lock()
	defer r.mu.Unlock()
	for range maxNameAttempts {
		name := prefix + "-" + shortID(r.newID())
		if _, taken := r.entries[name]; taken {
			continue
		}
		r.entries[name] = ic
		r.logger.Debug("Registered interceptor", "name", name, "generated", true)
		return name, nil
	}
	return "", fmt.Errorf("could not generate a free interceptor name after %d attempts", maxNameAttempts)
}

// Get returns the interceptor registered under name.
func (r *Registry) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ic, ok := r.entries[name]
	return ic, ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for n := range r.entries {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Middlewares resolves names in order. Unknown names and interceptors
// without the middleware capability are skipped.
func (r *Registry) Middlewares(names ...[]string) []Middleware {
	var out []Middleware
	r.forEach(names, func(name string, ic any) {
		if m, ok := ic.(Middleware); ok {
			out = append(out, m)
			return
		}
		r.logger.Debug("Interceptor is not middleware, skipping", "name", name)
	})
	return out
}

// Afterwares resolves names in order. Unknown names and interceptors
// without the afterware capability are skipped.
func (r *Registry) Afterwares(names ...[]string) []Afterware {
	var out []Afterware
	r.forEach(names, func(name string, ic any) {
		if a, ok := ic.(Afterware); ok {
			out = append(out, a)
			return
		}
		r.logger.Debug("Interceptor is not afterware, skipping", "name", name)
	})
	return out
}

func (r *Registry) forEach(lists [][]string, fn func(name string, ic any)) {
	type entry struct {
		name string
		ic   any
	}
	var (
		resolved []entry
		missing  []string
	)

	r.mu.RLock()
	for _, list := range lists {
		for _, name := range list {
			ic, ok := r.entries[name]
			if !ok {
				missing = append(missing, name)
				continue
			}
			resolved = append(resolved, entry{name, ic})
		}
	}
	r.mu.RUnlock()

	if len(missing) > 0 {
		r.logger.Debug("Unknown interceptor names skipped", "names", missing)
	}
	for _, e := range resolved {
		fn(e.name, e.ic)
	}
}

func isInterceptor(ic any) bool {
	if ic == nil {
		return false
	}
	_, isMW := ic.(Middleware)
	_, isAW := ic.(Afterware)
	return isMW || isAW
}

func kindOf(ic any) string {
	_, isMW := ic.(Middleware)
	_, isAW := ic.(Afterware)
	switch {
	case isMW && isAW:
		return "interceptor"
	case isMW:
		return "middleware"
	default:
		return "afterware"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
