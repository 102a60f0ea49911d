// Package app wires configuration, transport, storage and the bot into one
// process and owns its start/stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jonboulle/clockwork"

	"cinebot/internal/backend"
	"cinebot/internal/bot"
	"cinebot/internal/broadcast"
	"cinebot/internal/catalog"
	"cinebot/internal/config"
	"cinebot/internal/health"
	"cinebot/internal/jobs"
	"cinebot/internal/metrics"
	"cinebot/internal/ops"
	rtsup "cinebot/internal/runtime/supervisor"
	"cinebot/internal/secrets"
	"cinebot/internal/session"
	"cinebot/internal/storage"
	"cinebot/internal/transport"
	telegram "cinebot/internal/transport/telegram"
	logx "cinebot/pkg/logx"
)

const (
	jobSessionSweep  = "session.sweep"
	jobInactiveSweep = "directory.inactive_sweep"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter  *telegram.Adapter
	store    storage.Store
	prober   *health.Prober
	sessions *session.Cache
	engine   *broadcast.Engine
	bot      *bot.Bot
	ops      *ops.Server
	jobs     *jobs.Scheduler
	// clock drives session expiry and the sweeps that act on it.
	clock clockwork.Clock

	updates chan transport.Update
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")

	cfgm := config.NewManager(cfgPath)
	cfgm.SetLogger(bootLog)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	resolve := secrets.Prepare(cfg.Secrets.Region)
	cfgm.SetPrepare(func(c context.Context, cfg *config.Config) error {
		if err := resolve(c, cfg); err != nil {
			return fmt.Errorf("secrets: %w", err)
		}
		return validate(cfg)
	})
	if cfg, err = cfgm.Load(ctx); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	// Operator forwarding starts disabled so Apply does not warn before the
	// chat is known.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Operator.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetOperatorChat(cfg.Telegram.OperatorChat())
	logSvc.Apply(logCfg)
	cfgm.SetLogger(log)
	appLog := log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: appLog, logs: logSvc, adapter: ad, updates: make(chan transport.Update, 256)}
	if err := a.build(ctx, cfg, log); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, ss, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, sc, log)
	if err != nil {
		return err
	}
	a.store = st

	be, err := backend.New(cfg.Backend.URL, cfg.Backend.Token,
		backend.WithBotName(cfg.Backend.BotName),
		backend.WithLogSearchPath(cfg.Backend.LogSearchPath),
	)
	if err != nil {
		return errors.Join(err, st.Close())
	}

	hc, err := mapHealthConfig(cfg)
	if err != nil {
		return errors.Join(err, st.Close())
	}
	probeLog := log.With(logx.String("comp", "health"))
	a.prober = health.NewProber(be, health.NewStatus(), hc, log,
		health.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			probeLog.Info("backend not reachable, retrying",
				logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
		}),
	)

	cc, err := mapCatalogConfig(cfg)
	if err != nil {
		return errors.Join(err, st.Close())
	}
	cat, err := catalog.New(cc, log)
	if err != nil {
		return errors.Join(err, st.Close())
	}

	sessCfg, sessSweep, err := mapSessionConfig(cfg)
	if err != nil {
		return errors.Join(err, st.Close())
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	a.sessions = session.New(sessCfg, a.clock, log)

	bc, err := mapBroadcastConfig(cfg)
	if err != nil {
		return errors.Join(err, st.Close())
	}
	a.engine = broadcast.New(a.adapter, st, st, bc, log)

	a.bot, err = bot.New(bot.Deps{
		Gateway:   a.adapter,
		Store:     st,
		Prober:    a.prober,
		Catalog:   cat,
		SearchLog: be,
		Sessions:  a.sessions,
		Broadcast: a.engine,
	}, mapBotConfig(cfg), log)
	if err != nil {
		return errors.Join(err, st.Close())
	}

	a.ops = ops.New(mapOpsConfig(cfg), a.prober.Status(), log)

	a.jobs = jobs.New(log)
	if err := a.addSweeps(sessSweep, ss); err != nil {
		return errors.Join(err, st.Close())
	}
	return nil
}

func (a *App) addSweeps(sessionSpec string, ss config.StorageSettings) error {
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	if err := a.jobs.Add(jobSessionSweep, sessionSpec, 30*time.Second, func(context.Context) error {
		if n := a.sessions.Sweep(a.clock.Now()); n > 0 {
			a.log.Debug("expired sessions swept", logx.Int("count", n))
		}
		return nil
	}); err != nil {
		return fmt.Errorf("session.sweep_spec: %w", err)
	}
	inactiveAfter := ss.InactiveAfter
	if err := a.jobs.Add(jobInactiveSweep, ss.SweepSpec, 5*time.Minute, func(ctx context.Context) error {
		n, err := a.store.DeleteInactive(ctx, a.clock.Now().Add(-inactiveAfter))
		if err != nil {
			return err
		}
		if n > 0 {
			metrics.RecipientsEvictedTotal.WithLabelValues("inactive").Add(float64(n))
			a.log.Info("inactive recipients removed", logx.Int("count", n), logx.Duration("inactive_after", inactiveAfter))
		}
		return nil
	}); err != nil {
		return fmt.Errorf("storage.sweep_spec: %w", err)
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start probes the backend once, then begins polling Telegram. A failed
// probe is not fatal; /api re-checks on demand.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if a.prober.Probe(a.sup.Context()) {
		a.log.Info("backend connected")
	} else {
		a.log.Warn("backend not connected; searches are refused until /api succeeds")
	}
	if err := a.sup.Context().Err(); err != nil {
		return err
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.ops.Start(a.sup.Context())
	a.jobs.Start()

	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" || s == "catalog" || s == "backend" {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
		if s == "telegram" && oldCfg != nil && oldCfg.Telegram.Token != newCfg.Telegram.Token {
			a.log.Warn("telegram token changed; restart required for changes to take effect")
		}
	}

	// Update the target first so Apply does not warn when operator logging is enabled.
	a.logs.SetOperatorChat(newCfg.Telegram.OperatorChat())
	a.logs.Apply(mapLogConfig(newCfg))

	a.bot.SetConfig(mapBotConfig(newCfg))

	if hc, err := mapHealthConfig(newCfg); err != nil {
		a.log.Warn("invalid health config; keeping previous", logx.Err(err))
	} else {
		a.prober.SetConfig(hc)
	}
	if bc, err := mapBroadcastConfig(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(bc)
	}
	if _, ss, err := mapStorageConfig(newCfg); err != nil {
		a.log.Warn("invalid storage config; keeping previous", logx.Err(err))
	} else if _, spec, err := mapSessionConfig(newCfg); err != nil {
		a.log.Warn("invalid session config; keeping previous", logx.Err(err))
	} else if err := a.addSweeps(spec, ss); err != nil {
		a.log.Warn("sweep schedule rejected; keeping previous", logx.Err(err))
	}

	a.ops.Reconfigure(ctx, mapOpsConfig(newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	if a.engine.Cancel() {
		a.log.Info("running broadcast cancelled")
	}
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "jobs", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	a.step(ctx, "ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	// The dispatcher drains its workers and background broadcasts.
	a.step(ctx, "supervisor", 10*time.Second, a.sup.Wait)
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn must honor its context.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			fields := []logx.Field{logx.String("name", name), logx.Duration("took", time.Since(start))}
			if err != nil {
				a.log.Warn("stop step finished after deadline", append(fields, logx.Err(err))...)
				return
			}
			a.log.Info("stop step finished after deadline", fields...)
		}()
	}
}
