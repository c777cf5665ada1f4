// Package gateway is the connector-facing surface: it wires the router,
// dispatcher and built-in interceptors from configuration.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/shardline/internal/command"
	"github.com/mattjoyce/shardline/internal/config"
	"github.com/mattjoyce/shardline/internal/connection"
	"github.com/mattjoyce/shardline/internal/core"
	"github.com/mattjoyce/shardline/internal/dispatch"
	"github.com/mattjoyce/shardline/internal/events"
	"github.com/mattjoyce/shardline/internal/journal"
	"github.com/mattjoyce/shardline/internal/ratelimit"
	"github.com/mattjoyce/shardline/internal/router"
	"github.com/mattjoyce/shardline/internal/scheduler"
)

var (
	// ErrUnknownCommand is returned when an inbound invocation names no
	// registered command.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrDuplicateCommand is returned when registering a name twice.
	ErrDuplicateCommand = errors.New("command already registered")
)

// Inbound is an invocation as delivered by the connector.
type Inbound struct {
	Command      string
	ActorID      string
	CollectiveID string
	// CreatedAt is the platform's creation time; zero means now.
	CreatedAt time.Time
}

// Deps are the collaborators New does not build itself.
type Deps struct {
	Responder command.Responder
	Logger    *slog.Logger
	// Events receives router, dispatch and connection events. Optional.
	Events *events.Hub
	// Journal enables the "journal" afterware and periodic pruning. Optional.
	Journal *journal.Store
}

// Gateway owns the process-wide routing and dispatch state.
type Gateway struct {
	cfg        *config.Config
	pool       *scheduler.Pool
	rc         *core.RouterContext
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	journal    *journal.Store
	responder  command.Responder
	pruner     scheduler.Handle
	logger     *slog.Logger
	startedAt  time.Time

	mu       sync.RWMutex
	commands map[string]*command.Descriptor
}

// New builds a Gateway from cfg.
func New(cfg *config.Config, deps Deps) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if deps.Responder == nil {
		return nil, fmt.Errorf("responder is nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var pub events.Publisher = events.Nop{}
	if deps.Events != nil {
		pub = deps.Events
	}

	pool := scheduler.New(logger)
	rc := core.New(pool, logger, pub)

	limiter := ratelimit.New(cfg.RateLimit.DefaultCooldown, logger)
	if err := ratelimit.Install(rc.Interceptors, limiter, logger); err != nil {
		pool.Stop()
		return nil, err
	}

	opts := dispatch.OptionsFromConfig(cfg.Dispatch)
	g := &Gateway{
		cfg:       cfg,
		pool:      pool,
		rc:        rc,
		router:    router.New(rc, cfg.Router.ExpiryTimeout),
		limiter:   limiter,
		journal:   deps.Journal,
		responder: deps.Responder,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		commands:  make(map[string]*command.Descriptor),
	}

	if deps.Journal != nil {
		if err := rc.Interceptors.Register(journal.AfterwareName, journal.NewRecorder(deps.Journal, logger)); err != nil {
			pool.Stop()
			return nil, err
		}
		if !slices.Contains(opts.GlobalAfterwares, journal.AfterwareName) {
			opts.GlobalAfterwares = append(opts.GlobalAfterwares, journal.AfterwareName)
		}
		if cfg.Journal.Retention > 0 {
			g.pruner = journal.StartPruning(pool, deps.Journal, cfg.Journal.Retention, cfg.Journal.PruneEvery, pub, logger)
		}
	}
	g.dispatcher = dispatch.New(rc, deps.Responder, opts)

	g.logger.Info("Gateway ready",
		"expiry_timeout", cfg.Router.ExpiryTimeout.String(),
		"auto_defer", cfg.Dispatch.AutoDefer.Enabled,
		"global_middlewares", opts.GlobalMiddlewares,
		"global_afterwares", opts.GlobalAfterwares,
		"journal", deps.Journal != nil,
	)
	return g, nil
}

// OnConnectionReady registers conn and drains work waiting for it.
func (g *Gateway) OnConnectionReady(conn connection.Connection) {
	g.rc.Connections.Ready(conn)
	g.rc.Events.Publish(events.ConnectionReady, map[string]any{"connection_id": conn.ID()})
}

// OnConnectionDropped forgets the connection with id.
func (g *Gateway) OnConnectionDropped(id int64) bool {
	if !g.rc.Connections.Drop(id) {
		g.logger.Debug("Drop for unknown connection", "connection_id", id)
		return false
	}
	g.rc.Events.Publish(events.ConnectionDropped, map[string]any{"connection_id": id})
	return true
}

// OnInvocation dispatches an inbound command invocation.
func (g *Gateway) OnInvocation(ctx context.Context, in Inbound) (*dispatch.Execution, error) {
	desc, ok := g.Command(in.Command)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, in.Command)
	}
	if in.ActorID == "" {
		return nil, fmt.Errorf("invocation of %q has no actor", in.Command)
	}
	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	inv := command.NewInvocation(desc, in.ActorID, in.CollectiveID, created)
	return g.dispatcher.Dispatch(ctx, inv), nil
}

// Route queues action for target.
func (g *Gateway) Route(target router.Target, action router.Action) *router.RoutedEvent {
	return g.router.Queue(target, action)
}

// Cancel stops a routed event that is still waiting.
func (g *Gateway) Cancel(ev *router.RoutedEvent) bool {
	return g.router.Cancel(ev)
}

// RegisterCommand builds spec and makes it invocable.
func (g *Gateway) RegisterCommand(spec command.Spec) (*command.Descriptor, error) {
	desc, err := command.Build(spec)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.commands[desc.Name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateCommand, desc.Name)
	}
	g.commands[desc.Name] = desc
	g.logger.Debug("Registered command", "command", desc.Name, "middlewares", desc.Middlewares, "afterwares", desc.Afterwares)
	return desc, nil
}

// Use registers an interceptor under name, replacing any previous one.
func (g *Gateway) Use(name string, ic any) error {
	return g.rc.Interceptors.Register(name, ic)
}

// Command looks up a registered descriptor.
func (g *Gateway) Command(name string) (*command.Descriptor, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.commands[name]
	return d, ok
}

// Commands returns the registered command names, sorted.
func (g *Gateway) Commands() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.commands))
	for n := range g.commands {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Connections returns the live connections in registration order.
func (g *Gateway) Connections() []connection.Connection {
	return g.rc.Connections.Snapshot()
}

// RouterStats returns queue depths.
func (g *Gateway) RouterStats() router.Stats {
	return g.router.Stats()
}

// Uptime is the time since New.
func (g *Gateway) Uptime() time.Duration {
	return time.Since(g.startedAt)
}

// Close stops pruning and waits for running tasks.
func (g *Gateway) Close() {
	if g.pruner != nil {
		g.pruner.Cancel(false)
	}
	g.pool.Stop()
	g.logger.Info("Gateway stopped")
}
