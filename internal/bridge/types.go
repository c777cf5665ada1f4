package bridge

import (
	"context"
	"time"

	"github.com/mattjoyce/shardline/internal/connection"
	"github.com/mattjoyce/shardline/internal/dispatch"
	"github.com/mattjoyce/shardline/internal/gateway"
)

// Gateway is the part of gateway.Gateway the bridge drives.
type Gateway interface {
	OnConnectionReady(conn connection.Connection)
	OnConnectionDropped(id int64) bool
	OnInvocation(ctx context.Context, in gateway.Inbound) (*dispatch.Execution, error)
}

// ReadyRequest announces a connection.
type ReadyRequest struct {
	Labels []string `json:"labels,omitempty"`
}

// ReadyResponse acknowledges a ready connection.
type ReadyResponse struct {
	ConnectionID int64 `json:"connection_id"`
}

// DropResponse reports whether the connection was known.
type DropResponse struct {
	ConnectionID int64 `json:"connection_id"`
	Dropped      bool  `json:"dropped"`
}

// InvocationRequest carries one command invocation.
type InvocationRequest struct {
	Command      string     `json:"command"`
	ActorID      string     `json:"actor_id"`
	CollectiveID string     `json:"collective_id,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
}

// InvocationAccepted is returned once the invocation has entered the pipeline.
type InvocationAccepted struct {
	InvocationID string `json:"invocation_id"`
}

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error string `json:"error"`
}
