package main

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/shardline/internal/command"
)

// logResponder stands in for a platform connector when shardline runs on its
// own: responses are logged instead of delivered.
type logResponder struct {
	logger *slog.Logger
}

var _ command.Responder = (*logResponder)(nil)

func newLogResponder(logger *slog.Logger) *logResponder {
	return &logResponder{logger: logger.With("component", "responder")}
}

func (r *logResponder) Respond(_ context.Context, inv *command.Invocation, resp command.Response) error {
	r.logger.Info("Response", "invocation_id", inv.ID, "command", inv.CommandName(), "content", resp.Content, "ephemeral", resp.Ephemeral)
	return nil
}

func (r *logResponder) Defer(_ context.Context, inv *command.Invocation, ephemeral bool) error {
	r.logger.Info("Deferred response", "invocation_id", inv.ID, "command", inv.CommandName(), "ephemeral", ephemeral)
	return nil
}

func (r *logResponder) Update(_ context.Context, inv *command.Invocation, resp command.Response) error {
	r.logger.Info("Updated response", "invocation_id", inv.ID, "command", inv.CommandName(), "content", resp.Content)
	return nil
}
