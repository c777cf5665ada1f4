package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/shardline/internal/command"
	"github.com/mattjoyce/shardline/internal/config"
	"github.com/mattjoyce/shardline/internal/core"
	"github.com/mattjoyce/shardline/internal/events"
	"github.com/mattjoyce/shardline/internal/interceptor"
	"github.com/mattjoyce/shardline/internal/scheduler"
)

var (
	// ErrMiddlewareFault wraps an error or panic raised by middleware.
	ErrMiddlewareFault = errors.New("middleware fault")
	// ErrAfterwareFault wraps an error or panic raised by afterware.
	ErrAfterwareFault = errors.New("afterware fault")
	// ErrHandlerFault wraps an error or panic raised by a command handler.
	ErrHandlerFault = errors.New("handler fault")
)

// Options configures a Dispatcher.
type Options struct {
	AutoDefer         config.AutoDeferConfig
	GlobalMiddlewares []string
	GlobalAfterwares  []string
}

// OptionsFromConfig extracts dispatcher options from the dispatch config section.
func OptionsFromConfig(cfg config.DispatchConfig) Options {
	return Options{
		AutoDefer:         cfg.AutoDefer,
		GlobalMiddlewares: append([]string(nil), cfg.GlobalMiddlewares...),
		GlobalAfterwares:  append([]string(nil), cfg.GlobalAfterwares...),
	}
}

// Dispatcher orchestrates middleware, validators, the handler and afterware.
type Dispatcher struct {
	rc        *core.RouterContext
	responder command.Responder
	opts      Options
	logger    *slog.Logger
	nowFn     func() time.Time
}

// New creates a Dispatcher that answers through responder.
func New(rc *core.RouterContext, responder command.Responder, opts Options) *Dispatcher {
	return &Dispatcher{
		rc:        rc,
		responder: responder,
		opts:      opts,
		logger:    rc.Logger.With("component", "dispatch"),
		nowFn:     time.Now,
	}
}

// Dispatch starts a run for inv and returns immediately. The returned
// Execution can be joined with Wait.
func (d *Dispatcher) Dispatch(ctx context.Context, inv *command.Invocation) *Execution {
	inv.EnsureStore()
	exec := newExecution(inv)
	ctx = context.WithoutCancel(ctx)
	logger := d.logger.With("command", inv.CommandName(), "invocation_id", inv.ID)

	d.setStage(exec, StageReceived)
	if inv.Command == nil {
		logger.Error("Invocation has no command descriptor")
		exec.path.Store(int32(StageRejected))
		exec.finish()
		return exec
	}

	run := &run{d: d, exec: exec, inv: inv, logger: logger}
	chain := d.rc.Interceptors.Middlewares(d.opts.GlobalMiddlewares, inv.Command.Middlewares)

	if !d.opts.AutoDefer.Enabled {
		d.submit(ctx, func(context.Context) {
			gate := run.middleware(ctx, chain)
			run.afterMiddleware(ctx, gate)
		})
		return exec
	}

	var (
		acted     atomic.Bool
		deferSent = make(chan struct{})
	)
	delay := inv.CreatedAt.Add(d.opts.AutoDefer.GracePeriod).Sub(d.nowFn())
	// A refused deadline never fires, so the middleware path always wins.
	deadline, _ := d.rc.Scheduler.RunAfter(delay, func(context.Context) {
		if !acted.CompareAndSwap(false, true) {
			return
		}
		defer close(deferSent)
		run.sendDefer(ctx)
	})

	d.submit(ctx, func(context.Context) {
		gate := run.middleware(ctx, chain)
		if acted.CompareAndSwap(false, true) {
			deadline.Cancel(false)
		} else {
			// The acknowledgement must be out before any update follows it.
			<-deferSent
		}
		run.afterMiddleware(ctx, gate)
	})
	return exec
}

// submit runs task on the scheduler, or inline on the caller once the
// scheduler refuses work, so every run still reaches DONE during shutdown.
func (d *Dispatcher) submit(ctx context.Context, task scheduler.Task) {
	if d.rc.Scheduler.Run(task) {
		return
	}
	d.logger.Debug("Scheduler refused task, running inline")
	task(ctx)
}

func (d *Dispatcher) setStage(exec *Execution, s Stage) {
	exec.stage.Store(int32(s))
	d.rc.Events.Publish(events.DispatchStage, map[string]any{
		"invocation_id": exec.inv.ID,
		"command":       exec.inv.CommandName(),
		"stage":         s.String(),
	})
}

// run carries one invocation through the pipeline.
type run struct {
	d      *Dispatcher
	exec   *Execution
	inv    *command.Invocation
	logger *slog.Logger
}

func (r *run) sendDefer(ctx context.Context) {
	if !r.inv.MarkDeferred() {
		return
	}
	ephemeral := r.d.opts.AutoDefer.Ephemeral
	if err := r.d.responder.Defer(ctx, r.inv, ephemeral); err != nil {
		r.logger.Error("Failed to send provisional acknowledgement", "error", err)
	}
	r.logger.Debug("Deadline reached before middleware finished, deferred response", "ephemeral", ephemeral)
	r.d.rc.Events.Publish(events.DispatchDeferred, map[string]any{
		"invocation_id": r.inv.ID,
		"command":       r.inv.CommandName(),
		"ephemeral":     ephemeral,
	})
}

func (r *run) middleware(ctx context.Context, chain []interceptor.Middleware) *command.Gate {
	r.d.setStage(r.exec, StageMiddleware)
	gate := command.NewGate()
	for i, mw := range chain {
		if err := callMiddleware(ctx, mw, r.inv, gate); err != nil {
			r.logger.Error("Middleware failed, continuing", "index", i, "error", err)
		}
		if !gate.Allowed() {
			r.logger.Debug("Middleware stopped the invocation", "index", i)
			break
		}
	}
	return gate
}

func (r *run) afterMiddleware(ctx context.Context, gate *command.Gate) {
	if !gate.Allowed() {
		r.stop(ctx, StageStopped, gate.Response())
		return
	}

	r.d.setStage(r.exec, StageValidating)
	for i, v := range r.inv.Command.Validators {
		ok, payload := callValidator(ctx, v, r.inv, r.logger)
		if !ok {
			r.logger.Info("Invocation rejected", "validator", i, "error", command.ErrValidationRejected)
			r.stop(ctx, StageRejected, payload)
			return
		}
	}

	r.d.setStage(r.exec, StageExecuting)
	r.exec.path.Store(int32(StageExecuting))
	r.exec.pending.Add(2)
	r.d.submit(ctx, func(context.Context) {
		defer r.exec.taskDone()
		r.handle(ctx)
	})
	r.d.submit(ctx, func(context.Context) {
		defer r.exec.taskDone()
		r.afterware(ctx, command.Dispatched)
	})
}

// stop ends the run at a STOPPED or REJECTED stage.
func (r *run) stop(ctx context.Context, stage Stage, resp *command.Response) {
	r.d.setStage(r.exec, stage)
	r.exec.path.Store(int32(stage))
	r.d.rc.Events.Publish(events.DispatchRejected, map[string]any{
		"invocation_id": r.inv.ID,
		"command":       r.inv.CommandName(),
		"stage":         stage.String(),
		"responded":     resp != nil,
	})
	r.deliver(ctx, resp)

	r.exec.pending.Add(1)
	r.d.submit(ctx, func(context.Context) {
		defer r.exec.taskDone()
		r.afterware(ctx, command.FailedDispatch)
	})
}

// deliver sends resp through whichever channel is open. A nil resp sends
// nothing.
func (r *run) deliver(ctx context.Context, resp *command.Response) {
	if resp == nil {
		return
	}
	out := *resp
	if r.inv.Command.Ephemeral {
		out.Ephemeral = true
	}

	var err error
	if r.inv.Deferred() {
		err = r.d.responder.Update(ctx, r.inv, out)
	} else {
		err = r.d.responder.Respond(ctx, r.inv, out)
	}
	if err != nil {
		r.logger.Error("Failed to deliver response", "deferred", r.inv.Deferred(), "error", err)
	}
}

func (r *run) handle(ctx context.Context) {
	if err := callHandler(ctx, r.inv); err != nil {
		r.exec.setErr(err)
		r.logger.Error("Command handler failed", "error", err)
	}
}

func (r *run) afterware(ctx context.Context, outcome command.Outcome) {
	r.d.setStage(r.exec, StageAfterware)
	chain := r.d.rc.Interceptors.Afterwares(r.d.opts.GlobalAfterwares, r.inv.Command.Afterwares)
	for i, aw := range chain {
		if err := callAfterware(ctx, aw, r.inv, outcome); err != nil {
			r.logger.Error("Afterware failed", "index", i, "outcome", string(outcome), "error", err)
		}
	}
}

func callMiddleware(ctx context.Context, mw interceptor.Middleware, inv *command.Invocation, gate *command.Gate) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrMiddlewareFault, p)
		}
	}()
	if err := mw.Before(ctx, inv, gate); err != nil {
		return fmt.Errorf("%w: %w", ErrMiddlewareFault, err)
	}
	return nil
}

func callAfterware(ctx context.Context, aw interceptor.Afterware, inv *command.Invocation, outcome command.Outcome) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrAfterwareFault, p)
		}
	}()
	if err := aw.After(ctx, inv, outcome); err != nil {
		return fmt.Errorf("%w: %w", ErrAfterwareFault, err)
	}
	return nil
}

func callHandler(ctx context.Context, inv *command.Invocation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandlerFault, p)
		}
	}()
	if err := inv.Command.Handler(ctx, inv); err != nil {
		return fmt.Errorf("%w: %w", ErrHandlerFault, err)
	}
	return nil
}

// callValidator treats a panicking validator as a silent rejection.
func callValidator(ctx context.Context, v command.Validator, inv *command.Invocation, logger *slog.Logger) (ok bool, payload *command.Response) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Validator panicked", "panic", p)
			ok, payload = false, nil
		}
	}()
	return v.Validate(ctx, inv)
}

// Execution tracks one dispatched invocation.
type Execution struct {
	inv     *command.Invocation
	stage   atomic.Int32
	path    atomic.Int32
	pending atomic.Int32

	mu  sync.Mutex
	err error

	done chan struct{}
}

func newExecution(inv *command.Invocation) *Execution {
	e := &Execution{inv: inv, done: make(chan struct{})}
	e.path.Store(int32(StageReceived))
	return e
}

// Invocation returns the invocation being run.
func (e *Execution) Invocation() *command.Invocation { return e.inv }

// Stage returns the most recent stage.
func (e *Execution) Stage() Stage { return Stage(e.stage.Load()) }

// Done is closed after the handler and afterware tasks have finished.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Wait blocks until the run is DONE or ctx ends, and returns the branch the
// run took: StageStopped, StageRejected or StageExecuting.
func (e *Execution) Wait(ctx context.Context) (Stage, error) {
	select {
	case <-e.done:
		return Stage(e.path.Load()), nil
	case <-ctx.Done():
		return e.Stage(), ctx.Err()
	}
}

// Err returns the handler fault, if any. It is only meaningful after Done.
func (e *Execution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Execution) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *Execution) taskDone() {
	if e.pending.Add(-1) == 0 {
		e.finish()
	}
}

func (e *Execution) finish() {
	e.stage.Store(int32(StageDone))
	close(e.done)
}
