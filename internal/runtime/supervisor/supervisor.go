// Package supervisor runs the bot's long-lived goroutines (pollers, update
// workers, background broadcasts) under one cancellable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"cinebot/internal/metrics"
	logx "cinebot/pkg/logx"
)

// Supervisor tracks named goroutines. Panics are recovered and reported as
// errors; the first error is kept.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	clock       clockwork.Clock
	cancelOnErr bool

	started  atomic.Uint64
	active   atomic.Int64
	restarts atomic.Uint64
	panics   atomic.Uint64

	errOnce  sync.Once
	firstErr atomic.Value // error

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}
}

type Option func(*Supervisor)

// Counters are operational signals only (/stats).
type Counters struct {
	Active   int64
	Started  uint64
	Restarts uint64
	Panics   uint64
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithClock replaces the clock used for restart backoff.
func WithClock(c clockwork.Clock) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithCancelOnError cancels the shared context on the first non-nil error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, clock: clockwork.NewRealClock(), doneCh: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:   s.active.Load(),
		Started:  s.started.Load(),
		Restarts: s.restarts.Load(),
		Panics:   s.panics.Load(),
	}
}

// Go runs fn once. A non-nil error other than context.Canceled is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.track(name, func() {
		if err := s.call(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	})
}

// Go0 runs fn once; it cannot fail except by panicking.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) track(name string, body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// call runs fn and converts a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			metrics.GoroutinePanicsTotal.WithLabelValues(name).Inc()
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int
	stopOnCleanExit bool
	// healthyAfter is how long a run must last to reset the backoff.
	healthyAfter time.Duration
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. n <= 0 means unlimited.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithStopOnCleanExit controls whether a nil return ends the loop (default true).
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// GoRestart runs fn and restarts it on error or panic until the context
// ends. Giving up after WithMaxRestarts is recorded as an error.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
		healthyAfter:    30 * time.Second,
	}
	for _, o := range opts {
		o(&p)
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)

	s.track(name, func() {
		if err := s.restartLoop(name, fn, p); err != nil {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	})
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, p restartPolicy) error {
	backoff := p.minBackoff
	for n := 0; ; n++ {
		startedAt := s.clock.Now()
		err := s.call(name, fn)
		switch {
		case s.ctx.Err() != nil, errors.Is(err, context.Canceled):
			return nil
		case err == nil && p.stopOnCleanExit:
			return nil
		case err == nil:
			err = errors.New("exited")
		}
		if p.maxRestarts > 0 && n >= p.maxRestarts {
			s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", n), logx.Err(err))
			return err
		}
		if s.clock.Since(startedAt) >= p.healthyAfter {
			backoff = p.minBackoff
		}
		s.restarts.Add(1)
		metrics.GoroutineRestartsTotal.WithLabelValues(name).Inc()
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))

		t := s.clock.NewTimer(backoff)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return nil
		case <-t.Chan():
		}
		backoff = min(backoff*2, p.maxBackoff)
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}
