package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/dedup"
	"cadence/internal/engine/tz"
	"cadence/internal/eventbus"
	"cadence/internal/jobs"
	"cadence/internal/observability/pprof"
	"cadence/internal/push"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	resolver *tz.Resolver
	ledger   *dedup.Ledger

	jobs  *jobs.Service
	push  *push.Service
	pprof *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	resolver := tz.NewResolver()
	ledger := dedup.NewLedger(store, log.With(logx.String("comp", "dedup")), bus)

	jcfg, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, err
	}
	jobsSvc := jobs.New(jcfg, store, ledger, resolver, log.With(logx.String("comp", "jobs")), bus)

	pcfg, err := mapPushConfig(cfg)
	if err != nil {
		return nil, err
	}
	pushLog := log.With(logx.String("comp", "push"))
	pushSvc := push.New(pcfg, store, push.NewLogSender(pushLog), pushLog, bus)

	ppCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(ppCfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		resolver: resolver,
		ledger:   ledger,
		jobs:     jobsSvc,
		push:     pushSvc,
		pprof:    pprofSvc,
	}, nil
}

// Jobs exposes the job driver for one-shot CLI runs.
func (a *App) Jobs() *jobs.Service { return a.jobs }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
			if _, err := mapStorageConfig(cfg); err != nil {
				return err
			}
			if _, err := mapJobsConfig(cfg); err != nil {
				return err
			}
			if _, err := mapPushConfig(cfg); err != nil {
				return err
			}
			if _, err := mapPprofConfig(cfg); err != nil {
				return err
			}
			return nil
		})
	}

	if a.push.Enabled() {
		a.push.Start(a.sup.Context())
	}
	if a.jobs.Enabled() {
		a.jobs.Start(a.sup.Context())
	}
	if a.pprof != nil && a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Event log for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
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
				sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				for _, s := range sections {
					if s == "storage" {
						a.log.Warn("storage config changed; restart required for changes to take effect")
						break
					}
				}

				// apply logging updates
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				// apply job driver updates (live)
				prevJobsEnabled := a.jobs.Enabled()
				jcfg, err := mapJobsConfig(newCfg)
				if err != nil {
					a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
				} else {
					a.jobs.Apply(jcfg)
					if prevJobsEnabled && !jcfg.Enabled {
						a.log.Info("jobs disabled via config")
						stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
						a.jobs.Stop(stopCtx)
						cancel()
					} else if !prevJobsEnabled && jcfg.Enabled {
						a.log.Info("jobs enabled via config")
						a.jobs.Start(c)
					}
				}

				// apply push worker updates (live)
				prevPushEnabled := a.push.Enabled()
				pcfg, err := mapPushConfig(newCfg)
				if err != nil {
					a.log.Warn("invalid push config; keeping previous", logx.Err(err))
				} else {
					a.push.Apply(pcfg)
					if prevPushEnabled && !pcfg.Enabled {
						a.log.Info("push worker disabled via config")
						stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
						a.push.Stop(stopCtx)
						cancel()
					} else if !prevPushEnabled && pcfg.Enabled {
						a.log.Info("push worker enabled via config")
						a.push.Start(c)
					}
				}

				// apply pprof updates (live)
				if a.pprof != nil {
					ppc, err := mapPprofConfig(newCfg)
					if err != nil {
						a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
					} else {
						a.pprof.Reconfigure(c, ppc)
					}
				}

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop triggers first so no new work enters, then drain the worker.
	step("jobs", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("push", 2*time.Second, func(c context.Context) error { a.push.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	if cfg == nil {
		return jobs.Config{}, nil
	}
	j := cfg.Jobs

	if name := strings.TrimSpace(j.Timezone); name != "" {
		if _, err := time.LoadLocation(name); err != nil {
			return jobs.Config{}, fmt.Errorf("jobs.timezone: invalid %q: %w", name, err)
		}
	}
	for key, spec := range map[string]string{
		"jobs.challenge_tick_spec": j.ChallengeTickSpec,
		"jobs.weekly_recap_spec":   j.WeeklyRecapSpec,
		"jobs.reminder_plan_spec":  j.ReminderPlanSpec,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if err := jobs.ValidateSpec(spec); err != nil {
			return jobs.Config{}, fmt.Errorf("%s: invalid cron spec %q: %w", key, spec, err)
		}
	}
	if j.DefaultReminderHour < 0 || j.DefaultReminderHour > 23 {
		return jobs.Config{}, fmt.Errorf("jobs.default_reminder_hour must be in 0..23")
	}

	return jobs.Config{
		Enabled:             j.Enabled,
		Timezone:            j.Timezone,
		ChallengeTickSpec:   j.ChallengeTickSpec,
		WeeklyRecapSpec:     j.WeeklyRecapSpec,
		ReminderPlanSpec:    j.ReminderPlanSpec,
		DefaultReminderHour: j.DefaultReminderHour,
		AllowTimeOverride:   cfg.TestHooks.AllowTimeOverride,
	}, nil
}

func mapPushConfig(cfg *config.Config) (push.Config, error) {
	if cfg == nil {
		return push.Config{}, nil
	}
	// An omitted section means enabled with defaults.
	p := cfg.Push
	if p == nil {
		return push.Config{Enabled: true}, nil
	}

	if p.Workers < 0 {
		return push.Config{}, fmt.Errorf("push.workers must be >= 0")
	}
	if p.BatchSize < 0 {
		return push.Config{}, fmt.Errorf("push.batch_size must be >= 0")
	}
	if p.RatePerSec < 0 {
		return push.Config{}, fmt.Errorf("push.rate_per_sec must be >= 0")
	}
	if p.RetryMax < 0 {
		return push.Config{}, fmt.Errorf("push.retry_max must be >= 0")
	}
	poll, err := parseDurationField("push.poll_interval", p.PollInterval)
	if err != nil {
		return push.Config{}, err
	}
	retryBase, err := parseDurationField("push.retry_base", p.RetryBase)
	if err != nil {
		return push.Config{}, err
	}
	retryMaxDelay, err := parseDurationField("push.retry_max_delay", p.RetryMaxDelay)
	if err != nil {
		return push.Config{}, err
	}

	return push.Config{
		Enabled:       p.Enabled,
		Workers:       p.Workers,
		PollInterval:  poll,
		BatchSize:     p.BatchSize,
		RatePerSec:    p.RatePerSec,
		RetryMax:      p.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, nil
}
