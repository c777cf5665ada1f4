package command

import "context"

//go:generate mockgen -destination=mocks/mock_responder.go -package=mocks github.com/mattjoyce/shardline/internal/command Responder

// Response is what the render layer shows the actor.
type Response struct {
	Content   string         `json:"content"`
	Ephemeral bool           `json:"ephemeral,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Responder is the response layer. Sending nothing is expressed by not
// calling it at all.
type Responder interface {
	// Respond sends an immediate (first) response.
	Respond(ctx context.Context, inv *Invocation, resp Response) error
	// Defer sends a provisional acknowledgement.
	Defer(ctx context.Context, inv *Invocation, ephemeral bool) error
	// Update replaces a previously deferred response.
	Update(ctx context.Context, inv *Invocation, resp Response) error
}

// Outcome is what afterware is told about a run.
type Outcome string

const (
	Dispatched     Outcome = "dispatched"
	FailedDispatch Outcome = "failed_dispatch"
)
