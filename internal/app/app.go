// Package app wires the daemon together: config, logging, storage, the
// ledger, and the services around it.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"paystream/internal/config"
	"paystream/internal/eventbus"
	"paystream/internal/ledger"
	"paystream/internal/notifier"
	"paystream/internal/observability/pprof"
	"paystream/internal/payout"
	rtsup "paystream/internal/runtime/supervisor"
	"paystream/internal/server"
	"paystream/internal/storage"
	"paystream/internal/transport/telegram"
	"paystream/internal/trigger"
	logx "paystream/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	led *ledger.Ledger

	trig  *trigger.Service
	srv   *server.Service
	notif *notifier.Service
	pprof *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
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

	// Storage (optional).
	sc := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	// Payout executor.
	sender, err := payout.New(mapPayoutConfig(cfg), log.With(logx.String("comp", "payout")))
	if err != nil {
		return nil, err
	}

	// The ledger, restored from storage when available.
	opts := []ledger.Option{
		ledger.WithLogger(log.With(logx.String("comp", "ledger"))),
		ledger.WithBus(bus),
		ledger.WithSender(sender),
	}
	if store != nil {
		opts = append(opts, ledger.WithStore(store))
	}
	led := ledger.New(opts...)
	if store != nil {
		st, err := store.LoadLedger(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load ledger state: %w", err)
		}
		led.Restore(st)
		if st != nil {
			log.Info("ledger restored",
				logx.Int("recipients", len(st.Registry)),
				logx.Uint64("balance", st.Balance),
			)
		}
	}

	trigSvc := trigger.New(trigger.Config{
		Enabled:  cfg.Trigger.Enabled,
		Schedule: cfg.Trigger.Schedule,
		Timezone: cfg.Trigger.Timezone,
	}, led, log.With(logx.String("comp", "trigger")), bus)

	srvSvc := server.New(mapServerConfig(cfg), led, log.With(logx.String("comp", "server")))

	// Notifier (optional, needs a telegram target).
	var notifSvc *notifier.Service
	if ncfg := mapNotifierConfig(cfg); ncfg.Enabled {
		tg, err := telegram.New(telegram.Config{
			Token:    cfg.Notifier.Telegram.Token,
			ChatID:   cfg.Notifier.Telegram.ChatID,
			ThreadID: cfg.Notifier.Telegram.ThreadID,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		notifSvc = notifier.New(ncfg, tg, log.With(logx.String("comp", "notifier")), bus, store)
	}

	pprofSvc := pprof.New(mapPprofConfig(cfg), log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		led:     led,
		trig:    trigSvc,
		srv:     srvSvc,
		notif:   notifSvc,
		pprof:   pprofSvc,
	}, nil
}

// Ledger exposes the core for the CLI and tests.
func (a *App) Ledger() *ledger.Ledger { return a.led }

// Done is closed when the app supervisor context is canceled (fatal error or
// Stop).
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.Trigger.Enabled {
			if _, err := trigger.ParseSchedule(cfg.Trigger.Schedule); err != nil {
				return fmt.Errorf("trigger.schedule: %w", err)
			}
		}
		if tz := strings.TrimSpace(cfg.Trigger.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("trigger.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	// Audit writer: every ledger event lands in the audit log.
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go0("audit.write", func(c context.Context) {
			defer unsub()
			a.auditLoop(c, events)
		})
	}

	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.trig.Start(a.sup.Context())
	if a.srv.Enabled() {
		a.srv.Start(a.sup.Context())
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Hot-reload fanout. The subscription is latest-wins, so a burst of
	// reloads collapses into the newest config.
	sub, unsubCfg := a.cfgm.Subscribe()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubCfg()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated reload into the live services.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.trig.Apply(trigger.Config{
		Enabled:  cfg.Trigger.Enabled,
		Schedule: cfg.Trigger.Schedule,
		Timezone: cfg.Trigger.Timezone,
	})

	a.srv.Reconfigure(ctx, mapServerConfig(cfg))

	if a.notif != nil {
		prevEnabled := a.notif.Enabled()
		ncfg := mapNotifierConfig(cfg)
		a.notif.Apply(ncfg)
		if prevEnabled && !ncfg.Enabled {
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && ncfg.Enabled {
			a.notif.Start(ctx)
		}
	}

	a.pprof.Reconfigure(ctx, mapPprofConfig(cfg))

	// Storage and payout drivers are bound at boot.
	a.log.Info("config reloaded")
}

func (a *App) auditLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if !strings.HasPrefix(e.Type, "ledger.") {
				continue
			}
			cctx, cancel := context.WithTimeout(ctx, time.Second)
			err := a.store.AppendAudit(cctx, storage.AuditEntry{
				At:        e.Time,
				Type:      e.Type,
				Recipient: e.Data.Recipient,
				Amount:    e.Data.Amount,
				Balance:   e.Data.Balance,
				Detail:    e.Data.Detail,
			})
			cancel()
			if err != nil {
				a.log.Warn("audit entry not persisted", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("server", 2*time.Second, func(c context.Context) error { a.srv.Stop(c); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	if a.notif != nil {
		step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	}
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
