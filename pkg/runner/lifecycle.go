package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrDrainTimeout = errors.New("runner: drain timeout")

// LifecycleRunner blocks in Run until its context ends or Stop is called,
// then drains exactly once. The drain is bounded by timeout.
type LifecycleRunner struct {
	state   atomic.Int32
	stopCh  chan struct{}
	stopReq sync.Once
	drained sync.Once
	hooks   Hooks
	drainer Drainer
	stopErr error
	timeout time.Duration
	log     *slog.Logger

	bannerOut   io.Writer
	bannerTitle string
	quiet       bool
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &LifecycleRunner{
		stopCh:  make(chan struct{}),
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		log:     slog.Default().With("component", "runner"),
	}
	r.state.Store(int32(StateNew))
	return r
}

// WithBanner sets where and under which title the startup banner is printed.
func (r *LifecycleRunner) WithBanner(w io.Writer, title string) *LifecycleRunner {
	r.bannerOut = w
	r.bannerTitle = title
	return r
}

// Quiet disables the startup banner.
func (r *LifecycleRunner) Quiet() *LifecycleRunner {
	r.quiet = true
	return r
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return errors.New("runner: already started")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !r.quiet {
		PrintBanner(r.bannerOut, r.bannerTitle)
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.Store(int32(StateRunning))
	select {
	case <-ctx.Done():
	case <-r.stopCh:
	}
	return r.drain()
}

// Stop ends Run, or drains directly when Run was never called. It returns
// the drain result either way.
func (r *LifecycleRunner) Stop() error {
	r.stopReq.Do(func() { close(r.stopCh) })
	return r.drain()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) drain() error {
	r.drained.Do(func() {
		r.state.Store(int32(StateDraining))
		start := time.Now()
		if r.drainer != nil {
			done := make(chan error, 1)
			go func() {
				done <- r.drainer.Drain()
			}()
			select {
			case err := <-done:
				r.stopErr = err
			case <-time.After(r.timeout):
				r.stopErr = ErrDrainTimeout
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
		if r.stopErr != nil {
			r.log.Warn("runner_drain_failed", "error", r.stopErr.Error(), "elapsed_ms", time.Since(start).Milliseconds())
			return
		}
		r.log.Info("runner_drained", "elapsed_ms", time.Since(start).Milliseconds())
	})
	return r.stopErr
}
