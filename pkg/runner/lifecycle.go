package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrDrainTimeout = errors.New("drain timeout")
)

type Options struct {
	Hooks   Hooks
	Drainer Drainer

	// DrainTimeout bounds Drainer.Drain on shutdown.
	DrainTimeout time.Duration

	// Banner receives the startup banner. Nil skips it.
	Banner io.Writer
}

type LifecycleRunner struct {
	state    atomic.Int32
	service  Service
	opts     Options
	mu       sync.Mutex
	cancel   context.CancelFunc
	onceStop sync.Once
	stopErr  error
}

func NewLifecycleRunner(service Service, opts Options) *LifecycleRunner {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	return &LifecycleRunner{service: service, opts: opts}
}

// Run starts the service and blocks until it returns or ctx ends, then
// drains. The service error wins over a drain error.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return ErrInvalidState
	}
	if ctx == nil {
		ctx = context.Background()
	}
	PrintBanner(r.opts.Banner)
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	if r.opts.Hooks.OnStart != nil {
		r.opts.Hooks.OnStart()
	}
	r.setState(StateRunning)

	errCh := make(chan error, 1)
	go func() { errCh <- r.service.Run(runCtx) }()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-runCtx.Done():
		drainErr := r.stop()
		runErr = <-errCh
		if runErr == nil {
			runErr = drainErr
		}
		return runErr
	}
	if err := r.stop(); runErr == nil {
		runErr = err
	}
	return runErr
}

// Stop cancels the service and drains it.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		if r.opts.Drainer != nil {
			done := make(chan struct{})
			go func() {
				_ = r.opts.Drainer.Drain()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(r.opts.DrainTimeout):
				r.stopErr = ErrDrainTimeout
			}
		}
		if r.opts.Hooks.OnStop != nil {
			r.opts.Hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	r.state.Store(int32(s))
}
