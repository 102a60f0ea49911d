// Package jobs runs the bot's periodic maintenance (session expiry, inactive
// recipient cleanup) on robfig/cron.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"cinebot/internal/metrics"
	logx "cinebot/pkg/logx"
)

var (
	ErrUnknownJob = errors.New("jobs: unknown job")
	// ErrSkipped is returned by RunNow while the previous run is still going.
	ErrSkipped = errors.New("jobs: previous run still in progress")
)

type Func func(ctx context.Context) error

type def struct {
	name    string
	spec    string
	timeout time.Duration
	fn      Func
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	lastErr atomic.Pointer[string]
	lastRun atomic.Pointer[time.Time]
}

// Info describes one registered job.
type Info struct {
	Name    string
	Spec    string
	Next    time.Time
	LastRun time.Time
	LastErr string
	Runs    uint64
}

type Option func(*Scheduler)

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

type Scheduler struct {
	mu     sync.Mutex
	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*def

	// ctx bounds job runs; cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		log:    log.With(logx.String("comp", "jobs")),
		loc:    time.Local,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*def{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Add registers or replaces the job called name. The schedule accepts
// anything NormalizeSpec does.
func (s *Scheduler) Add(name, schedule string, timeout time.Duration, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("jobs: name required")
	}
	if fn == nil {
		return errors.New("jobs: func required")
	}
	spec, err := NormalizeSpec(schedule)
	if err != nil {
		return fmt.Errorf("jobs: %s: %w", name, err)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("jobs: %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.defs[name]; ok && s.c != nil {
		s.c.Remove(old.entryID)
	}
	d := &def{name: name, spec: spec, timeout: timeout, fn: fn}
	s.defs[name] = d
	if s.c != nil {
		if err := s.scheduleLocked(d); err != nil {
			return err
		}
	}
	s.log.Debug("job registered", logx.String("job", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return nil
}

func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Scheduler) scheduleLocked(d *def) error {
	id, err := s.c.AddFunc(d.spec, func() { _ = s.run(d) })
	if err != nil {
		return fmt.Errorf("jobs: %s: %w", d.name, err)
	}
	d.entryID = id
	return nil
}

// Start begins triggering registered jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc), cron.WithLogger(cronLogger{s.log}))
	for _, d := range s.defs {
		if err := s.scheduleLocked(d); err != nil {
			s.log.Error("job register failed", logx.String("job", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop stops triggering, cancels running jobs and waits for them until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	s.cancel()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// RunNow runs name synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(d)
}

func (s *Scheduler) run(d *def) (err error) {
	if !d.running.CompareAndSwap(false, true) {
		metrics.JobRunsTotal.WithLabelValues(d.name, "skipped").Inc()
		s.log.Debug("job skipped, still running", logx.String("job", d.name))
		return ErrSkipped
	}
	defer d.running.Store(false)

	ctx := s.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobs: %s panicked: %v", d.name, r)
			s.log.Error("job panicked", logx.String("job", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		d.runs.Add(1)
		d.lastRun.Store(&start)
		status := "ok"
		if err != nil {
			status = "error"
			msg := err.Error()
			d.lastErr.Store(&msg)
			s.log.Warn("job failed", logx.String("job", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		} else {
			d.lastErr.Store(nil)
			s.log.Debug("job done", logx.String("job", d.name), logx.Duration("took", time.Since(start)))
		}
		metrics.JobRunsTotal.WithLabelValues(d.name, status).Inc()
	}()
	return d.fn(ctx)
}

// Snapshot lists jobs sorted by name.
func (s *Scheduler) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		info := Info{Name: d.name, Spec: d.spec, Runs: d.runs.Load()}
		if s.c != nil {
			info.Next = s.c.Entry(d.entryID).Next
		}
		if t := d.lastRun.Load(); t != nil {
			info.LastRun = *t
		}
		if e := d.lastErr.Load(); e != nil {
			info.LastErr = *e
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
