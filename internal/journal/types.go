package journal

import (
	"time"

	"github.com/mattjoyce/shardline/internal/command"
)

// Entry is one recorded dispatch outcome.
type Entry struct {
	ID           string          `json:"id"`
	InvocationID string          `json:"invocation_id"`
	Command      string          `json:"command"`
	ActorID      string          `json:"actor_id"`
	CollectiveID string          `json:"collective_id,omitempty"`
	Outcome      command.Outcome `json:"outcome"`
	RateLimited  bool            `json:"rate_limited"`
	Notified     bool            `json:"notified"`
	Deferred     bool            `json:"deferred"`
	CreatedAt    time.Time       `json:"created_at"`
	RecordedAt   time.Time       `json:"recorded_at"`
}
