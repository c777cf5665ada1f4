package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shardline/internal/command"
	"github.com/mattjoyce/shardline/internal/events"
	"github.com/mattjoyce/shardline/internal/log"
	"github.com/mattjoyce/shardline/internal/ratelimit"
	"github.com/mattjoyce/shardline/internal/scheduler"
	"github.com/mattjoyce/shardline/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	first, err := s.Record(ctx, Entry{
		InvocationID: "inv-1",
		Command:      "ping",
		ActorID:      "alice",
		CollectiveID: "guild-1",
		Outcome:      command.Dispatched,
		CreatedAt:    base,
		RecordedAt:   base.Add(time.Second),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	_, err = s.Record(ctx, Entry{
		InvocationID: "inv-2",
		Command:      "ping",
		ActorID:      "alice",
		Outcome:      command.FailedDispatch,
		RateLimited:  true,
		Notified:     true,
		Deferred:     true,
		CreatedAt:    base,
		RecordedAt:   base.Add(2 * time.Second),
	})
	require.NoError(t, err)

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "inv-2", got[0].InvocationID, "newest first")
	assert.Equal(t, command.FailedDispatch, got[0].Outcome)
	assert.True(t, got[0].RateLimited)
	assert.True(t, got[0].Notified)
	assert.True(t, got[0].Deferred)
	assert.Empty(t, got[0].CollectiveID)

	assert.Equal(t, first.ID, got[1].ID)
	assert.Equal(t, "guild-1", got[1].CollectiveID)
	assert.True(t, got[1].CreatedAt.Equal(base))

	one, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestRecordValidates(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Record(context.Background(), Entry{Outcome: command.Dispatched})
	assert.ErrorContains(t, err, "command is empty")
	_, err = s.Record(context.Background(), Entry{Command: "ping"})
	assert.ErrorContains(t, err, "outcome is empty")
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC)
	s.nowFn = func() time.Time { return now }

	for i, age := range []time.Duration{10 * 24 * time.Hour, 8 * 24 * time.Hour, time.Hour} {
		_, err := s.Record(ctx, Entry{
			InvocationID: string(rune('a' + i)),
			Command:      "ping",
			ActorID:      "alice",
			Outcome:      command.Dispatched,
			RecordedAt:   now.Add(-age),
		})
		require.NoError(t, err)
	}

	n, err := s.Prune(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = s.Prune(ctx, 0)
	assert.Error(t, err)
}

func TestRecorderWritesRateLimitFlags(t *testing.T) {
	s := newTestStore(t)
	r := NewRecorder(s, log.Discard())

	cmd, err := command.Build(command.Spec{
		Name:    "ping",
		Handler: func(context.Context, *command.Invocation) error { return nil },
	})
	require.NoError(t, err)
	inv := command.NewInvocation(cmd, "alice", "guild-1", time.Now())
	inv.Store.Set(ratelimit.KeyLimited, true)
	inv.Store.Set(ratelimit.KeyNotified, false)
	inv.MarkDeferred()

	require.NoError(t, r.After(context.Background(), inv, command.FailedDispatch))

	got, err := s.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, inv.ID, got[0].InvocationID)
	assert.Equal(t, "ping", got[0].Command)
	assert.Equal(t, "guild-1", got[0].CollectiveID)
	assert.True(t, got[0].RateLimited)
	assert.False(t, got[0].Notified)
	assert.True(t, got[0].Deferred)
	assert.Equal(t, command.FailedDispatch, got[0].Outcome)
}

func TestStartPruning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Record(ctx, Entry{
		Command:    "ping",
		ActorID:    "alice",
		Outcome:    command.Dispatched,
		RecordedAt: time.Now().Add(-48 * time.Hour),
	})
	require.NoError(t, err)

	pool := scheduler.New(log.Discard())
	t.Cleanup(pool.Stop)
	hub := events.NewHub(16)
	ch, cancel := hub.Subscribe(events.JournalPruned)
	defer cancel()

	h := StartPruning(pool, s, 24*time.Hour, 20*time.Millisecond, hub, log.Discard())
	defer h.Cancel(false)

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("prune never ran")
	}
	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
