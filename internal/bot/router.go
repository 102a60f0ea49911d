package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"cinebot/internal/metrics"
	rtsup "cinebot/internal/runtime/supervisor"
	"cinebot/internal/transport"
	logx "cinebot/pkg/logx"
)

// Request is one routed update.
type Request struct {
	Update transport.Update
	Chat   transport.ChatTarget
	From   transport.User
	// Route is the command name ("broadcast"), "search" for free text, or
	// "cb:<data>" for callbacks.
	Route string
	// Args is the raw text after the command word.
	Args  string
	ReqID string
	Log   logx.Logger
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Log.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			route := metricRoute(req.Route)
			metrics.HandlerDuration.WithLabelValues(route).Observe(d.Seconds())
			status := "ok"
			if err != nil {
				status = "error"
			}
			metrics.UpdatesTotal.WithLabelValues(route, status).Inc()

			fields := []logx.Field{logx.String("kind", string(req.Update.Kind)), logx.Duration("dur", d)}
			switch {
			case err != nil:
				req.Log.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				req.Log.Info("request ok", fields...)
			default:
				req.Log.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// metricRoute keeps label cardinality bounded.
func metricRoute(route string) string {
	if strings.HasPrefix(route, "cb:") {
		return "callback"
	}
	if _, ok := commandNames[route]; ok || route == "search" {
		return route
	}
	return "other"
}

// Run dispatches updates to a bounded worker pool until ctx ends or updates
// is closed. A slow handler only occupies its own worker.
func (b *Bot) Run(ctx context.Context, updates <-chan transport.Update) error {
	workers := b.config().Workers
	if workers <= 0 {
		workers = 16
	}
	jobs := make(chan func(context.Context), workers*4)

	sup := rtsup.New(ctx,
		rtsup.WithLogger(b.log.With(logx.String("comp", "bot.dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	b.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("queue_cap", cap(jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					job(c)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		b.bg.Cancel()
		bctx, bcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.bg.Wait(bctx); err != nil {
			b.log.Warn("background work did not stop in time", logx.Err(err))
		}
		bcancel()
		b.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case jobs <- func(c context.Context) { b.Handle(c, up) }:
			default:
				metrics.UpdatesDropped.Inc()
				b.rejectBusy(ctx, up)
			}
		}
	}
}

func (b *Bot) rejectBusy(ctx context.Context, up transport.Update) {
	switch {
	case up.Message != nil:
		_, _ = transport.SendText(ctx, b.gw, transport.ChatTarget{ChatID: up.Message.ChatID}, msgBusy, nil)
	case up.Callback != nil:
		_ = b.gw.AnswerCallback(ctx, up.Callback.ID, msgBusy, false)
	}
}
