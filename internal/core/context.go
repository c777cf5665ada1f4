// Package core bundles the process-wide collaborators shared by the router and
// the dispatcher so they are injected explicitly instead of living in globals.
package core

import (
	"log/slog"

	"github.com/mattjoyce/shardline/internal/connection"
	"github.com/mattjoyce/shardline/internal/events"
	"github.com/mattjoyce/shardline/internal/interceptor"
	"github.com/mattjoyce/shardline/internal/scheduler"
)

// RouterContext carries the shared registries, the scheduler, the logger and
// the event publisher.
type RouterContext struct {
	Connections  *connection.Registry
	Interceptors *interceptor.Registry
	Scheduler    scheduler.Scheduler
	Logger       *slog.Logger
	Events       events.Publisher
}

// New builds a RouterContext with fresh registries.
func New(sched scheduler.Scheduler, logger *slog.Logger, pub events.Publisher) *RouterContext {
	if pub == nil {
		pub = events.Nop{}
	}
	return &RouterContext{
		Connections:  connection.NewRegistry(logger),
		Interceptors: interceptor.NewRegistry(logger),
		Scheduler:    sched,
		Logger:       logger,
		Events:       pub,
	}
}
