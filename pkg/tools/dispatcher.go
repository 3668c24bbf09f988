package tools

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/protocol"
	"github.com/harunnryd/duplex/pkg/resilience"
)

type Options struct {
	// Concurrency is the number of workers. One keeps calls in dispatch
	// order.
	Concurrency int
	// Timeout bounds a call from dispatch to completion, queueing and
	// retries included. A call that runs out gets a synthesized error
	// result.
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	QueueSize    int
	Logger       *slog.Logger
	Observer     metrics.Observer
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = 8 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = metrics.NoopObserver{}
	}
	return o
}

// Completion is the single outcome of a dispatched call.
type Completion struct {
	ID       string
	Name     string
	Result   protocol.ToolResult
	Err      error
	Duration time.Duration
}

type task struct {
	call     protocol.ToolCall
	queued   time.Time
	deadline time.Time
}

// Dispatcher runs tool calls on a worker pool and reports exactly one
// Completion per accepted call id.
type Dispatcher struct {
	registry Registry
	opts     Options
	retry    resilience.RetryPolicy
	tasks    chan task
	out      chan Completion

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	// handlers tracks handler calls that outlive their worker after a
	// timeout, and immediate queue-full completions.
	handlers sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool

	outMu     sync.RWMutex
	outClosed bool
}

func NewDispatcher(registry Registry, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	retry := resilience.NewRetryPolicy(opts.Retries, opts.RetryBackoff)
	retry.Retryable = func(err error) bool {
		return !errors.Is(err, ErrToolNotFound) && !errors.Is(err, resilience.ErrCircuitOpen)
	}
	d := &Dispatcher{
		registry: registry,
		opts:     opts,
		retry:    retry,
		tasks:    make(chan task, opts.QueueSize),
		out:      make(chan Completion, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
	for i := 0; i < opts.Concurrency; i++ {
		d.group.Go(d.worker)
	}
	return d
}

func (d *Dispatcher) Completions() <-chan Completion { return d.out }

// Dispatch accepts call without blocking. A call whose id is already in
// flight is ignored. When the queue is full the call completes at once
// with an error result.
func (d *Dispatcher) Dispatch(call protocol.ToolCall) error {
	now := time.Now()
	t := task{call: call, queued: now, deadline: now.Add(d.opts.Timeout)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if _, dup := d.inflight[call.ID]; dup {
		d.mu.Unlock()
		d.opts.Logger.Warn("tool_call_duplicate", frames.MetaToolCallID, call.ID, frames.MetaToolName, call.Name)
		return nil
	}
	d.inflight[call.ID] = struct{}{}
	d.mu.Unlock()

	d.opts.Observer.RecordEvent(metrics.NewEvent(metrics.EventToolCall, 1, map[string]string{
		frames.MetaToolName: call.Name,
	}))
	d.opts.Logger.Info("tool_call_dispatched", frames.MetaToolCallID, call.ID, frames.MetaToolName, call.Name)

	select {
	case d.tasks <- t:
		return nil
	default:
	}
	d.opts.Logger.Warn("tool_dispatcher_queue_full", frames.MetaToolCallID, call.ID, frames.MetaToolName, call.Name)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.forget(call.ID)
		return ErrClosed
	}
	d.handlers.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.handlers.Done()
		d.complete(t, protocol.ErrorResult("tool queue full"), errors.New("tool queue full"))
	}()
	return nil
}

// Close stops the workers, abandons queued calls, waits for running
// handlers to return and closes Completions.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	err := d.group.Wait()
	d.handlers.Wait()
	d.outMu.Lock()
	d.outClosed = true
	close(d.out)
	d.outMu.Unlock()
	return err
}

func (d *Dispatcher) worker() error {
	for {
		select {
		case <-d.ctx.Done():
			return nil
		case t := <-d.tasks:
			d.exec(t)
		}
	}
}

func (d *Dispatcher) exec(t task) {
	if !time.Now().Before(t.deadline) {
		d.complete(t, nil, errorsx.Wrap(ErrToolTimeout, errorsx.ReasonToolTimeout))
		return
	}
	ctx, cancel := context.WithDeadline(d.ctx, t.deadline)
	defer cancel()

	type outcome struct {
		result protocol.ToolResult
		err    error
	}
	ch := make(chan outcome, 1)
	d.handlers.Add(1)
	go func() {
		defer d.handlers.Done()
		var res protocol.ToolResult
		err := d.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			res, err = d.registry.HandleTool(ctx, t.call.Name, t.call.Parameters)
			return err
		})
		ch <- outcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		d.complete(t, out.result, out.err)
	case <-ctx.Done():
		if d.ctx.Err() != nil {
			d.forget(t.call.ID)
			return
		}
		d.complete(t, nil, errorsx.Wrap(ErrToolTimeout, errorsx.ReasonToolTimeout))
	}
}

func (d *Dispatcher) complete(t task, result protocol.ToolResult, err error) {
	name := t.call.Name
	switch {
	case errors.Is(err, ErrToolNotFound):
		result = NotFound(name)
	case errors.Is(err, ErrToolTimeout):
		result = protocol.ToolResult{"status": protocol.StatusError, "message": "Tool '" + name + "' timed out"}
	case err != nil && result == nil:
		result = protocol.ErrorResult(err.Error())
	case result == nil:
		result = protocol.ToolResult{"status": protocol.StatusSuccess}
	}
	if err != nil && result.Status() != protocol.StatusError {
		result["status"] = protocol.StatusError
	}

	c := Completion{ID: t.call.ID, Name: name, Result: result, Err: err, Duration: time.Since(t.queued)}
	d.logCompletion(c)
	d.opts.Observer.RecordEvent(metrics.NewEvent(metrics.EventToolResult, float64(c.Duration.Milliseconds()), map[string]string{
		frames.MetaToolName:   name,
		frames.MetaToolStatus: result.Status(),
	}))

	d.forget(t.call.ID)
	d.outMu.RLock()
	defer d.outMu.RUnlock()
	if d.outClosed {
		return
	}
	select {
	case d.out <- c:
	case <-d.ctx.Done():
	}
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

func (d *Dispatcher) logCompletion(c Completion) {
	attrs := []any{
		frames.MetaToolCallID, c.ID,
		frames.MetaToolName, c.Name,
		frames.MetaToolStatus, c.Result.Status(),
		"duration_ms", strconv.FormatInt(c.Duration.Milliseconds(), 10),
	}
	switch {
	case errors.Is(c.Err, ErrToolTimeout):
		d.opts.Logger.Warn("tool_call_timeout", append(attrs, "reason_code", errorsx.ReasonToolTimeout)...)
	case errors.Is(c.Err, ErrToolNotFound):
		d.opts.Logger.Warn("tool_not_found", append(attrs, "reason_code", errorsx.ReasonToolNotFound)...)
	case c.Err != nil:
		reason := errorsx.Reason(c.Err)
		if resilience.IsRateLimit(c.Err) || errors.Is(c.Err, resilience.ErrCircuitOpen) {
			reason = errorsx.ReasonToolRateLimit
		} else if reason == errorsx.ReasonUnknown {
			reason = errorsx.ReasonToolFailed
		}
		d.opts.Logger.Warn("tool_call_failed", append(attrs, "reason_code", reason, "error", c.Err.Error())...)
	default:
		d.opts.Logger.Info("tool_call_completed", attrs...)
	}
}
