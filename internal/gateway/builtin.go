package gateway

import (
	"context"
	"fmt"

	"github.com/mattjoyce/shardline/internal/command"
)

// Built-in command names.
const (
	CommandPing  = "ping"
	CommandStats = "stats"
)

// RegisterBuiltins registers the commands every deployment answers: ping
// replies "Pong!", stats reports live connections and queued routed events.
func (g *Gateway) RegisterBuiltins() error {
	specs := []command.Spec{
		{
			Name: CommandPing,
			Handler: func(ctx context.Context, inv *command.Invocation) error {
				return g.Reply(ctx, inv, command.Response{Content: "Pong!"})
			},
		},
		{
			Name:      CommandStats,
			Ephemeral: true,
			Handler: func(ctx context.Context, inv *command.Invocation) error {
				stats := g.RouterStats()
				conns := len(g.Connections())
				return g.Reply(ctx, inv, command.Response{
					Content: fmt.Sprintf("%d connections live, %d routed events waiting.", conns, stats.Total()),
					Data: map[string]any{
						"connections": conns,
						"queued":      stats.Total(),
					},
				})
			},
		},
	}
	for _, spec := range specs {
		if _, err := g.RegisterCommand(spec); err != nil {
			return err
		}
	}
	return nil
}

// Reply answers inv from a handler: an update when a provisional
// acknowledgement went out, a first response otherwise.
func (g *Gateway) Reply(ctx context.Context, inv *command.Invocation, resp command.Response) error {
	if inv.Command != nil && inv.Command.Ephemeral {
		resp.Ephemeral = true
	}
	if inv.Deferred() {
		return g.responder.Update(ctx, inv, resp)
	}
	return g.responder.Respond(ctx, inv, resp)
}
