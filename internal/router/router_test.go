package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shardline/internal/connection"
	"github.com/mattjoyce/shardline/internal/core"
	"github.com/mattjoyce/shardline/internal/events"
	"github.com/mattjoyce/shardline/internal/log"
	"github.com/mattjoyce/shardline/internal/scheduler"
)

func newTestRouter(t *testing.T, timeout time.Duration) (*Router, *core.RouterContext, *scheduler.Pool) {
	t.Helper()
	pool := scheduler.New(log.Discard())
	t.Cleanup(pool.Stop)
	rc := core.New(pool, log.Discard(), events.NewHub(256))
	return New(rc, timeout), rc, pool
}

func waitDone(t *testing.T, ev *RoutedEvent) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := ev.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "event %s did not finish", ev.ID())
	return err
}

type transitionLog struct {
	mu   sync.Mutex
	seen [][2]Status
}

func (l *transitionLog) observe(_ *RoutedEvent, from, to Status) {
	l.mu.Lock()
	l.seen = append(l.seen, [2]Status{from, to})
	l.mu.Unlock()
}

func (l *transitionLog) get() [][2]Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][2]Status(nil), l.seen...)
}

func counting(n *atomic.Int32) Action {
	return func(context.Context, connection.Connection) error {
		n.Add(1)
		return nil
	}
}

func TestCanTransition(t *testing.T) {
	all := []Status{Waiting, Processing, Finished, Stopped, Expired}
	legal := map[[2]Status]bool{
		{Waiting, Processing}:  true,
		{Waiting, Stopped}:     true,
		{Waiting, Expired}:     true,
		{Processing, Finished}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	for _, s := range []Status{Finished, Stopped, Expired} {
		assert.True(t, s.Terminal(), s.String())
	}
	assert.False(t, Waiting.Terminal())
	assert.False(t, Processing.Terminal())
}

func TestTransitionRejectsIllegalSteps(t *testing.T) {
	ev := newRoutedEvent(Any(), nil, log.Discard())
	rec := &transitionLog{}
	ev.OnTransition(rec.observe)

	assert.False(t, ev.transition(Finished, nil), "waiting cannot finish directly")
	require.True(t, ev.transition(Processing, nil))
	assert.False(t, ev.transition(Stopped, ErrRoutingCancelled), "processing cannot be stopped")
	require.True(t, ev.transition(Finished, nil))
	assert.False(t, ev.transition(Expired, ErrRoutingExpired))

	assert.Equal(t, [][2]Status{{Waiting, Processing}, {Processing, Finished}}, rec.get())
	assert.NoError(t, waitDone(t, ev))
}

func TestQueueRunsImmediatelyWhenTargetKnown(t *testing.T) {
	r, rc, _ := newTestRouter(t, 0)
	rc.Connections.Ready(connection.NewWorker(3, "guild-a"))

	tests := []struct {
		name   string
		target Target
	}{
		{"by id", ByID(3)},
		{"by predicate", ByPredicate(connection.WithLabel("guild-a"))},
		{"any", Any()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ranOn atomic.Int64
			ev := r.Queue(tt.target, func(_ context.Context, c connection.Connection) error {
				ranOn.Store(c.ID())
				return nil
			})
			require.NoError(t, waitDone(t, ev))
			assert.Equal(t, Finished, ev.Status())
			assert.Equal(t, int64(3), ranOn.Load())
		})
	}
	assert.Zero(t, r.Stats().Total())
}

func TestAnyUsesFirstRegisteredConnection(t *testing.T) {
	r, rc, _ := newTestRouter(t, 0)
	rc.Connections.Ready(connection.NewWorker(9))
	rc.Connections.Ready(connection.NewWorker(2))

	var ranOn atomic.Int64
	ev := r.Queue(Any(), func(_ context.Context, c connection.Connection) error {
		ranOn.Store(c.ID())
		return nil
	})
	require.NoError(t, waitDone(t, ev))
	assert.Equal(t, int64(9), ranOn.Load())
}

func TestQueuedByIDDrainsWhenConnectionReady(t *testing.T) {
	r, rc, _ := newTestRouter(t, 0)

	var n atomic.Int32
	evs := []*RoutedEvent{
		r.Queue(ByID(5), counting(&n)),
		r.Queue(ByID(5), counting(&n)),
		r.Queue(ByID(5), counting(&n)),
	}
	other := r.Queue(ByID(6), counting(&n))

	assert.Equal(t, map[int64]int{5: 3, 6: 1}, r.Stats().ByID)
	for _, ev := range evs {
		assert.Equal(t, Waiting, ev.Status())
	}

	rc.Connections.Ready(connection.NewWorker(5))
	for _, ev := range evs {
		require.NoError(t, waitDone(t, ev))
	}
	assert.Equal(t, int32(3), n.Load())
	assert.Equal(t, Waiting, other.Status())
	assert.Equal(t, []int64{6}, r.QueuedIDs())
}

func TestExpiryScenario(t *testing.T) {
	r, _, _ := newTestRouter(t, 100*time.Millisecond)

	var n atomic.Int32
	ev := r.Queue(ByID(3), counting(&n))
	rec := &transitionLog{}
	ev.OnTransition(rec.observe)

	start := time.Now()
	err := waitDone(t, ev)
	assert.ErrorIs(t, err, ErrRoutingExpired)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, Expired, ev.Status())
	assert.Equal(t, [][2]Status{{Waiting, Expired}}, rec.get())
	assert.Zero(t, r.Stats().Total(), "expired event is removed from its queue")

	r.Ready(connection.NewWorker(3))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, n.Load())
}

func TestCancelIsIdempotent(t *testing.T) {
	r, _, pool := newTestRouter(t, time.Minute)

	var n atomic.Int32
	ev := r.Queue(Any(), counting(&n))
	rec := &transitionLog{}
	ev.OnTransition(rec.observe)

	assert.True(t, r.Cancel(ev))
	assert.False(t, r.Cancel(ev))
	assert.ErrorIs(t, waitDone(t, ev), ErrRoutingCancelled)
	assert.Zero(t, r.Stats().Global)

	r.Ready(connection.NewWorker(1))
	pool.Stop()
	assert.Zero(t, n.Load())
	assert.Equal(t, [][2]Status{{Waiting, Stopped}}, rec.get())
}

func TestExpiryAfterProcessingIsNoop(t *testing.T) {
	r, rc, _ := newTestRouter(t, time.Minute)
	rc.Connections.Ready(connection.NewWorker(1))

	ev := r.Queue(ByID(1), nil)
	require.NoError(t, waitDone(t, ev))

	r.expire(ev)
	assert.False(t, r.Cancel(ev))
	assert.Equal(t, Finished, ev.Status())
}

func TestExactlyOnceUnderConcurrentReady(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		worker func(i int) connection.Connection
	}{
		{"by id", ByID(7), func(int) connection.Connection { return connection.NewWorker(7) }},
		{"by predicate", ByPredicate(connection.WithLabel("x")), func(i int) connection.Connection {
			return connection.NewWorker(int64(100+i), "x")
		}},
		{"any", Any(), func(i int) connection.Connection { return connection.NewWorker(int64(200 + i)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, pool := newTestRouter(t, 0)

			var n atomic.Int32
			ev := r.Queue(tt.target, counting(&n))

			const readers = 32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < readers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					r.Ready(tt.worker(i))
				}(i)
			}
			close(start)
			wg.Wait()

			require.NoError(t, waitDone(t, ev))
			pool.Stop()
			assert.Equal(t, int32(1), n.Load())
		})
	}
}

func TestReadyClaimsOnePredicateMatch(t *testing.T) {
	r, _, _ := newTestRouter(t, 0)
	pred := connection.WithLabel("guild-a")

	var n atomic.Int32
	first := r.Queue(ByPredicate(pred), counting(&n))
	second := r.Queue(ByPredicate(pred), counting(&n))

	r.Ready(connection.NewWorker(1, "guild-a"))

	require.NoError(t, waitDone(t, first))
	assert.Equal(t, Waiting, second.Status())
	assert.Equal(t, 1, r.Stats().Predicate)
	assert.Equal(t, int32(1), n.Load())
}

func TestReadySkipsNonMatchingPredicates(t *testing.T) {
	r, _, _ := newTestRouter(t, 0)

	other := r.Queue(ByPredicate(connection.WithLabel("guild-b")), nil)
	mine := r.Queue(ByPredicate(connection.WithLabel("guild-a")), nil)

	r.Ready(connection.NewWorker(1, "guild-a"))
	require.NoError(t, waitDone(t, mine))
	assert.Equal(t, Waiting, other.Status())
}

func TestReadyReleasesOneGlobalEntry(t *testing.T) {
	r, _, _ := newTestRouter(t, 0)

	var n atomic.Int32
	first := r.Queue(Any(), counting(&n))
	r.Queue(Any(), counting(&n))
	r.Queue(Any(), counting(&n))

	r.Ready(connection.NewWorker(1))
	require.NoError(t, waitDone(t, first))
	assert.Equal(t, 2, r.Stats().Global)

	r.Ready(connection.NewWorker(2))
	assert.Equal(t, 1, r.Stats().Global)
}

func TestFailingActionDoesNotBlockDraining(t *testing.T) {
	r, _, _ := newTestRouter(t, 0)
	boom := errors.New("boom")

	var n atomic.Int32
	failing := r.Queue(ByID(4), func(context.Context, connection.Connection) error { return boom })
	panicking := r.Queue(ByID(4), func(context.Context, connection.Connection) error { panic("kaboom") })
	ok := r.Queue(ByID(4), counting(&n))

	r.Ready(connection.NewWorker(4))

	assert.ErrorIs(t, waitDone(t, failing), boom)
	err := waitDone(t, panicking)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.NoError(t, waitDone(t, ok))

	for _, ev := range []*RoutedEvent{failing, panicking, ok} {
		assert.Equal(t, Finished, ev.Status())
	}
	assert.Equal(t, int32(1), n.Load())
}

func TestObserverPanicIsIsolated(t *testing.T) {
	r, rc, _ := newTestRouter(t, 0)

	ev := r.Queue(ByID(1), nil)
	ev.OnTransition(func(*RoutedEvent, Status, Status) { panic("observer") })
	rec := &transitionLog{}
	ev.OnTransition(rec.observe)

	rc.Connections.Ready(connection.NewWorker(1))
	require.NoError(t, waitDone(t, ev))
	assert.Equal(t, [][2]Status{{Waiting, Processing}, {Processing, Finished}}, rec.get())
}

func TestPredicatePanicCountsAsNoMatch(t *testing.T) {
	r, _, _ := newTestRouter(t, 0)

	bad := r.Queue(ByPredicate(func(connection.Connection) bool { panic("bad predicate") }), nil)
	good := r.Queue(ByPredicate(func(connection.Connection) bool { return true }), nil)

	r.Ready(connection.NewWorker(1))
	require.NoError(t, waitDone(t, good))
	assert.Equal(t, Waiting, bad.Status())
}

func TestDroppedConnectionKeepsQueue(t *testing.T) {
	r, rc, _ := newTestRouter(t, 0)
	rc.Connections.Ready(connection.NewWorker(1))
	require.True(t, rc.Connections.Drop(1))

	ev := r.Queue(ByID(1), nil)
	assert.Equal(t, Waiting, ev.Status())

	rc.Connections.Ready(connection.NewWorker(1))
	require.NoError(t, waitDone(t, ev))
}

func TestTransitionsArePublished(t *testing.T) {
	pool := scheduler.New(log.Discard())
	t.Cleanup(pool.Stop)
	hub := events.NewHub(64)
	rc := core.New(pool, log.Discard(), hub)
	r := New(rc, 0)

	ch, cancel := hub.Subscribe("router.")
	defer cancel()

	ev := r.Queue(ByID(2), nil)
	rc.Connections.Ready(connection.NewWorker(2))
	require.NoError(t, waitDone(t, ev))

	var types []string
	timeout := time.After(time.Second)
	for len(types) < 3 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		case <-timeout:
			t.Fatalf("got only %v", types)
		}
	}
	assert.Equal(t, []string{events.RouterQueued, events.RouterTransition, events.RouterTransition}, types)
}

func TestReadyAfterSchedulerStopCancelsClaimedEvents(t *testing.T) {
	r, rc, pool := newTestRouter(t, time.Second)

	var ran atomic.Int32
	ev := r.Queue(ByID(7), counting(&ran))
	require.Equal(t, Waiting, ev.Status())

	pool.Stop()
	rc.Connections.Ready(connection.NewWorker(7))

	assert.ErrorIs(t, waitDone(t, ev), ErrRoutingCancelled)
	assert.Equal(t, Stopped, ev.Status())
	assert.Zero(t, r.Stats().Total())
	assert.Zero(t, ran.Load())
}

func TestQueueAfterSchedulerStop(t *testing.T) {
	r, rc, pool := newTestRouter(t, time.Second)
	pool.Stop()

	var ran atomic.Int32
	waiting := r.Queue(ByID(3), counting(&ran))
	assert.ErrorIs(t, waitDone(t, waiting), ErrRoutingCancelled)
	assert.Zero(t, r.Stats().Total(), "refused event must not stay queued")

	rc.Connections.Ready(connection.NewWorker(4))
	immediate := r.Queue(ByID(4), counting(&ran))
	assert.ErrorIs(t, waitDone(t, immediate), ErrRoutingCancelled)
	assert.Zero(t, ran.Load())
}
