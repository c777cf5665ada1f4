package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/shardline/internal/command"
	"github.com/mattjoyce/shardline/internal/events"
	"github.com/mattjoyce/shardline/internal/interceptor"
	"github.com/mattjoyce/shardline/internal/ratelimit"
	"github.com/mattjoyce/shardline/internal/scheduler"
)

// AfterwareName is the name the Recorder is registered under.
const AfterwareName = "journal"

// Recorder is an afterware that writes each outcome to the Store.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

var _ interceptor.Afterware = (*Recorder)(nil)

func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger.With("component", "journal")}
}

func (r *Recorder) After(ctx context.Context, inv *command.Invocation, outcome command.Outcome) error {
	e, err := r.store.Record(ctx, Entry{
		InvocationID: inv.ID,
		Command:      inv.CommandName(),
		ActorID:      inv.ActorID,
		CollectiveID: inv.CollectiveID,
		Outcome:      outcome,
		RateLimited:  inv.Store.Bool(ratelimit.KeyLimited),
		Notified:     inv.Store.Bool(ratelimit.KeyNotified),
		Deferred:     inv.Deferred(),
		CreatedAt:    inv.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	r.logger.Debug("Recorded dispatch outcome", "entry_id", e.ID, "command", e.Command, "outcome", string(outcome))
	return nil
}

// StartPruning removes entries older than retention every interval until the
// returned handle is cancelled or the pool stops.
func StartPruning(pool *scheduler.Pool, store *Store, retention, interval time.Duration, pub events.Publisher, logger *slog.Logger) scheduler.Handle {
	logger = logger.With("component", "journal")
	return pool.Every(interval, func(ctx context.Context) {
		n, err := store.Prune(ctx, retention)
		if err != nil {
			logger.Error("Journal prune failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("Pruned journal entries", "deleted", n, "retention", retention.String())
		}
		pub.Publish(events.JournalPruned, map[string]any{"deleted": n})
	})
}

func commandOutcome(s string) command.Outcome {
	switch command.Outcome(s) {
	case command.Dispatched:
		return command.Dispatched
	default:
		return command.FailedDispatch
	}
}
