// Package broadcast pushes one payload to every known recipient, one at a
// time and throttled. Each failure is either permanent (the recipient is
// evicted from the directory) or transient (counted, never retried).
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cinebot/internal/directory"
	"cinebot/internal/metrics"
	"cinebot/internal/storage"
	"cinebot/internal/transport"
	logx "cinebot/pkg/logx"
)

type run struct {
	job    Job
	cancel context.CancelFunc
}

type Engine struct {
	sender  Sender
	dir     Deleter
	auditor Auditor
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	active  *run
	last    *Result
}

func limitFor(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// New builds an engine. auditor may be nil.
func New(sender Sender, dir Deleter, auditor Auditor, cfg Config, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		sender:  sender,
		dir:     dir,
		auditor: auditor,
		log:     log.With(logx.String("comp", "broadcast")),
		cfg:     cfg,
		limiter: rate.NewLimiter(limitFor(cfg.Delay), 1),
	}
}

// Apply changes the throttle and progress cadence, including for a run in
// progress.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	e.cfg = cfg
	e.limiter.SetLimit(limitFor(cfg.Delay))
	e.mu.Unlock()
}

// NewJob stamps a job id.
func (e *Engine) NewJob(actorID int64, actorName string, p transport.Payload, expected int) Job {
	return Job{ID: uuid.NewString(), ActorID: actorID, ActorName: actorName, Payload: p, Expected: expected, Created: time.Now()}
}

// Active returns the running job, if any.
func (e *Engine) Active() (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return Job{}, false
	}
	return e.active.job, true
}

// Last returns the result of the most recent finished run.
func (e *Engine) Last() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Result{}, false
	}
	return *e.last, true
}

// Cancel stops the running broadcast and reports whether there was one.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return false
	}
	e.active.cancel()
	return true
}

func (e *Engine) acquire(ctx context.Context, job Job) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return nil, ErrBusy
	}
	rctx, cancel := context.WithCancel(ctx)
	e.active = &run{job: job, cancel: cancel}
	metrics.BroadcastActive.Set(1)
	return rctx, nil
}

func (e *Engine) release(res Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		e.active.cancel()
	}
	e.active = nil
	e.last = &res
	metrics.BroadcastActive.Set(0)
}

func (e *Engine) settings() (Config, *rate.Limiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.limiter
}

// Run delivers job.Payload to every recipient yielded by recipients, in
// order. Only one run may be active; a concurrent call fails with ErrBusy.
//
// A scan error before the first send returns ErrDirectoryUnavailable and
// sends nothing. A scan error later stops the run and is returned together
// with the partial result. Cancellation (ctx or Cancel) is not an error:
// the result is marked Cancelled.
func (e *Engine) Run(ctx context.Context, job Job, recipients iter.Seq2[directory.Recipient, error], rep Reporter) (Result, error) {
	if job.Payload.Empty() {
		metrics.BroadcastRunsTotal.WithLabelValues("rejected").Inc()
		return Result{}, ErrEmptyPayload
	}
	rctx, err := e.acquire(ctx, job)
	if err != nil {
		metrics.BroadcastRunsTotal.WithLabelValues("rejected").Inc()
		e.log.Warn("broadcast rejected", logx.String("job", job.ID), logx.Err(err))
		return Result{}, err
	}

	start := time.Now()
	log := e.log.With(logx.String("job", job.ID))
	log.Info("broadcast started", logx.Int("expected", job.Expected), logx.String("kind", string(job.Payload.Kind)))

	res := Result{Expected: job.Expected}
	runErr := e.loop(rctx, log, job, recipients, rep, &res)

	res.Took = time.Since(start)
	res.Finished = time.Now()
	e.release(res)
	metrics.BroadcastDuration.Observe(res.Took.Seconds())

	status := "completed"
	switch {
	case runErr != nil:
		status = "failed"
	case res.Cancelled:
		status = "cancelled"
	}
	metrics.BroadcastRunsTotal.WithLabelValues(status).Inc()

	fields := []logx.Field{
		logx.String("status", status),
		logx.Int("sent", res.Sent),
		logx.Int("permanent", res.PermanentlyFailed),
		logx.Int("transient", res.TransientlyFailed),
		logx.Int("total", res.Total),
		logx.Int("expected", res.Expected),
		logx.Duration("took", res.Took),
	}
	if runErr != nil {
		log.Error("broadcast finished", append(fields, logx.Err(runErr))...)
	} else {
		log.Info("broadcast finished", fields...)
	}

	// The run context may be cancelled by now; bookkeeping uses the caller's.
	e.audit(context.WithoutCancel(ctx), log, job, res, runErr)
	if rep != nil {
		rep.Done(context.WithoutCancel(ctx), job, res, runErr)
	}
	return res, runErr
}

func (e *Engine) loop(ctx context.Context, log logx.Logger, job Job, recipients iter.Seq2[directory.Recipient, error], rep Reporter, res *Result) error {
	to := job.Payload
	for r, err := range recipients {
		if err != nil {
			if ctx.Err() != nil {
				res.Cancelled = true
				return nil
			}
			if res.Total == 0 {
				return fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
			}
			return fmt.Errorf("broadcast: recipient scan interrupted after %d: %w", res.Total, err)
		}
		if ctx.Err() != nil {
			res.Cancelled = true
			return nil
		}

		cfg, lim := e.settings()
		if err := lim.Wait(ctx); err != nil {
			res.Cancelled = true
			return nil
		}

		_, sendErr := e.sender.Send(ctx, transport.ChatTarget{ChatID: r.ID}, to)
		res.Total++
		switch {
		case sendErr == nil:
			res.Sent++
			metrics.BroadcastDeliveriesTotal.WithLabelValues("sent").Inc()
		case transport.IsPermanent(sendErr):
			res.PermanentlyFailed++
			metrics.BroadcastDeliveriesTotal.WithLabelValues("permanent").Inc()
			log.Warn("recipient unreachable, evicting",
				logx.Int64("chat_id", r.ID), logx.String("class", "permanent"), logx.Err(sendErr))
			if err := e.dir.Delete(context.WithoutCancel(ctx), r.ID); err != nil {
				log.Error("evict recipient failed", logx.Int64("chat_id", r.ID), logx.Err(err))
			} else {
				metrics.RecipientsEvictedTotal.WithLabelValues("permanent").Inc()
			}
		default:
			res.TransientlyFailed++
			metrics.BroadcastDeliveriesTotal.WithLabelValues("transient").Inc()
			fields := []logx.Field{logx.Int64("chat_id", r.ID), logx.String("class", "transient"), logx.Err(sendErr)}
			var de *transport.DeliveryError
			if errors.As(sendErr, &de) && de.RetryAfter > 0 {
				fields = append(fields, logx.Duration("retry_after", de.RetryAfter))
			}
			log.Warn("broadcast send failed", fields...)
		}

		if rep != nil && res.Total%cfg.BatchSize == 0 {
			rep.Progress(ctx, job, *res)
		}
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, log logx.Logger, job Job, res Result, runErr error) {
	if e.auditor == nil {
		return
	}
	entry := storage.AuditEntry{
		At:                res.Finished,
		ActorID:           job.ActorID,
		ActorName:         job.ActorName,
		Action:            "broadcast",
		Target:            job.ID,
		Kind:              string(job.Payload.Kind),
		Body:              job.Payload.Body(),
		Sent:              res.Sent,
		PermanentlyFailed: res.PermanentlyFailed,
		TransientlyFailed: res.TransientlyFailed,
		Total:             res.Total,
		TookMS:            res.Took.Milliseconds(),
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	} else if res.Cancelled {
		entry.Error = "cancelled"
	}
	if err := e.auditor.AppendAudit(ctx, entry); err != nil {
		log.Warn("audit append failed", logx.Err(err))
	}
}
