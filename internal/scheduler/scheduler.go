// Package scheduler provides the task pool and delayed-task timers shared by
// the router and the dispatcher.
//
// Tasks submitted with Run start immediately on their own goroutine; the pool
// is unbounded. RunAfter and Every return a Handle that can cancel the task
// before it starts, or interrupt it through its context while it runs. Once
// Stop has begun, Run and RunAfter refuse new work and report it, so callers
// can settle whatever the task would have completed.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of work. The context is cancelled when the scheduler stops or
// when the task's handle is cancelled with interruptIfRunning.
type Task func(ctx context.Context)

// Handle controls a delayed or periodic task.
type Handle interface {
	// Cancel prevents the task from running. It reports whether the call
	// changed anything: true if the task had not started yet, or if it was
	// running and interruptIfRunning cancelled its context.
	Cancel(interruptIfRunning bool) bool
	// Done is closed once the task has finished or been cancelled.
	Done() <-chan struct{}
}

// Scheduler is the collaborator used by the router and dispatcher.
type Scheduler interface {
	// Run reports false when the task was refused because the scheduler is
	// stopping.
	Run(task Task) bool
	// RunAfter reports false when the task was refused; the returned handle
	// is then already done.
	RunAfter(delay time.Duration, task Task) (Handle, bool)
}

const (
	statePending int32 = iota
	stateRunning
	stateDone
	stateCancelled
)

// Pool is the default Scheduler: an unbounded goroutine pool plus timers.
type Pool struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[*delayedTask]struct{}
	stopped bool
}

var _ Scheduler = (*Pool)(nil)

// New creates a new Pool.
func New(logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:  logger.With("component", "scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[*delayedTask]struct{}),
	}
}

// Run executes task on a new goroutine. Tasks submitted after Stop are
// refused.
func (p *Pool) Run(task Task) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.logger.Debug("Refusing task submitted after stop")
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.execute(p.ctx, task)
	}()
	return true
}

// RunAfter executes task once delay has elapsed. A non-positive delay fires
// as soon as the timer goroutine runs.
func (p *Pool) RunAfter(delay time.Duration, task Task) (Handle, bool) {
	taskCtx, taskCancel := context.WithCancel(p.ctx)
	d := &delayedTask{
		pool:   p,
		task:   task,
		ctx:    taskCtx,
		cancel: taskCancel,
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		d.state.Store(stateCancelled)
		taskCancel()
		close(d.done)
		return d, false
	}
	if delay < 0 {
		delay = 0
	}
	p.pending[d] = struct{}{}
	d.timer = time.AfterFunc(delay, d.fire)
	return d, true
}

// Every runs task repeatedly at interval until the handle is cancelled or the
// pool stops. Runs never overlap.
func (p *Pool) Every(interval time.Duration, task Task) Handle {
	taskCtx, taskCancel := context.WithCancel(p.ctx)
	pt := &periodicTask{
		ctx:    taskCtx,
		cancel: taskCancel,
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	if p.stopped || interval <= 0 {
		p.mu.Unlock()
		taskCancel()
		close(pt.done)
		return pt
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer close(pt.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.execute(taskCtx, task)
			case <-taskCtx.Done():
				return
			}
		}
	}()
	return pt
}

// Stop cancels pending delayed tasks, signals running tasks through their
// context and waits for them to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	pending := make([]*delayedTask, 0, len(p.pending))
	for d := range p.pending {
		pending = append(pending, d)
	}
	p.mu.Unlock()

	for _, d := range pending {
		d.Cancel(false)
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Info("Scheduler stopped")
}

// execute runs a task and recovers panics so one faulty task cannot take the
// process down.
func (p *Pool) execute(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Scheduled task panicked", "panic", r)
		}
	}()
	task(ctx)
}

type delayedTask struct {
	pool   *Pool
	task   Task
	timer  *time.Timer
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
	done   chan struct{}
}

func (d *delayedTask) fire() {
	p := d.pool
	p.mu.Lock()
	if p.stopped || !d.state.CompareAndSwap(statePending, stateRunning) {
		p.mu.Unlock()
		return
	}
	delete(p.pending, d)
	p.wg.Add(1)
	p.mu.Unlock()

	defer p.wg.Done()
	defer close(d.done)
	defer d.cancel()
	p.execute(d.ctx, d.task)
	d.state.CompareAndSwap(stateRunning, stateDone)
}

func (d *delayedTask) Cancel(interruptIfRunning bool) bool {
	if d.state.CompareAndSwap(statePending, stateCancelled) {
		if d.timer != nil {
			d.timer.Stop()
		}
		d.pool.mu.Lock()
		delete(d.pool.pending, d)
		d.pool.mu.Unlock()
		d.cancel()
		close(d.done)
		return true
	}
	if interruptIfRunning && d.state.CompareAndSwap(stateRunning, stateCancelled) {
		d.cancel()
		return true
	}
	return false
}

func (d *delayedTask) Done() <-chan struct{} { return d.done }

type periodicTask struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (pt *periodicTask) Cancel(bool) bool {
	if pt.ctx.Err() != nil {
		return false
	}
	pt.cancel()
	return true
}

func (pt *periodicTask) Done() <-chan struct{} { return pt.done }
