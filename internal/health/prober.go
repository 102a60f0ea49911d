// Package health decides whether the backend is reachable. A Prober runs a
// bounded number of attempts with linear backoff and records the outcome in
// a Status cell that the rest of the bot reads.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"cinebot/internal/backend"
	"cinebot/internal/metrics"
	logx "cinebot/pkg/logx"
)

// Target is the dependency being probed. A nil error means HTTP 200.
type Target interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

type Option func(*Prober)

func WithClock(c clockwork.Clock) Option {
	return func(p *Prober) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithOnRetry installs a hook called after a failed attempt, before waiting.
func WithOnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(p *Prober) { p.onRetry = fn }
}

// WithCountdown replaces the default countdown reporter, which logs at debug.
func WithCountdown(fn func(attempt, elapsed, remaining int)) Option {
	return func(p *Prober) { p.countdown = fn }
}

type flight struct {
	done chan struct{}
	ok   bool
}

type Prober struct {
	target Target
	status *Status
	cfg    Config
	clock  clockwork.Clock
	log    logx.Logger

	onRetry   func(attempt int, err error, wait time.Duration)
	countdown func(attempt, elapsed, remaining int)

	mu     sync.Mutex
	flight *flight
}

func NewProber(target Target, status *Status, cfg Config, log logx.Logger, opts ...Option) *Prober {
	if log.IsZero() {
		log = logx.Nop()
	}
	if status == nil {
		status = NewStatus()
	}
	p := &Prober{
		target: target,
		status: status,
		cfg:    cfg.withDefaults(),
		clock:  clockwork.NewRealClock(),
		log:    log.With(logx.String("comp", "health")),
	}
	p.countdown = func(attempt, elapsed, remaining int) {
		p.log.Debug("waiting for backend",
			logx.Int("attempt", attempt), logx.Int("elapsed_s", elapsed), logx.Int("remaining_s", remaining))
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Prober) Status() *Status { return p.status }

// SetConfig swaps timing for subsequent probes.
func (p *Prober) SetConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Prober) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Probe runs up to MaxRetries attempts and reports whether one of them got
// HTTP 200. It never fails: every problem is logged. Waits between attempts
// grow linearly (RetryDelay * attempt) and there is no wait after the last.
func (p *Prober) Probe(ctx context.Context) bool {
	cfg := p.config()
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		p.log.Info("probing backend", logx.Int("attempt", attempt), logx.Duration("timeout", cfg.Timeout))

		err := p.attempt(ctx, attempt, cfg.Timeout)
		p.status.store(Snapshot{Connected: err == nil, CheckedAt: p.clock.Now(), Attempts: attempt})
		metrics.BackendConnected.Set(metrics.Bool(err == nil))

		if err == nil {
			metrics.ProbeAttemptsTotal.WithLabelValues("ok").Inc()
			p.log.Info("backend connected", logx.Int("attempt", attempt))
			return true
		}
		var se *backend.StatusError
		if errors.As(err, &se) {
			metrics.ProbeAttemptsTotal.WithLabelValues("status").Inc()
			p.log.Warn("backend rejected probe", logx.Int("attempt", attempt), logx.Int("status", se.StatusCode), logx.String("body", se.Body))
		} else {
			metrics.ProbeAttemptsTotal.WithLabelValues("error").Inc()
			p.log.Warn("backend probe failed", logx.Int("attempt", attempt), logx.Err(err))
		}

		if attempt == cfg.MaxRetries {
			break
		}
		wait := cfg.RetryDelay * time.Duration(attempt)
		if p.onRetry != nil {
			p.onRetry(attempt, err, wait)
		}
		p.log.Info("retrying backend probe", logx.Duration("wait", wait))
		select {
		case <-p.clock.After(wait):
		case <-ctx.Done():
			p.log.Warn("backend probe cancelled", logx.Err(ctx.Err()))
			return false
		}
	}
	p.log.Error("all backend probe attempts failed", logx.Int("attempts", cfg.MaxRetries))
	return false
}

func (p *Prober) attempt(ctx context.Context, attempt int, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The countdown is purely observational; it is stopped before the result
	// is recorded so no tick outlives the attempt.
	tk := p.clock.NewTicker(time.Second)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		total := int(timeout / time.Second)
		for sec := 1; sec <= total; sec++ {
			select {
			case <-stop:
				return
			case <-tk.Chan():
				p.countdown(attempt, sec, total-sec)
			}
		}
	}()

	err := p.target.Ping(actx)
	tk.Stop()
	close(stop)
	wg.Wait()
	return err
}

// Trigger runs a probe off the caller's goroutine. Concurrent triggers share
// the in-flight probe; ctx of the first caller bounds it.
func (p *Prober) Trigger(ctx context.Context) <-chan bool {
	p.mu.Lock()
	f := p.flight
	if f == nil {
		f = &flight{done: make(chan struct{})}
		p.flight = f
		go func() {
			f.ok = p.Probe(ctx)
			p.mu.Lock()
			p.flight = nil
			p.mu.Unlock()
			close(f.done)
		}()
	}
	p.mu.Unlock()

	out := make(chan bool, 1)
	go func() {
		<-f.done
		out <- f.ok
	}()
	return out
}
