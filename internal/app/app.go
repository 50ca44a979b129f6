package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tgblast/internal/config"
	"tgblast/internal/engine"
	"tgblast/internal/eventbus"
	"tgblast/internal/health"
	rtsup "tgblast/internal/runtime/supervisor"
	"tgblast/internal/session"
	"tgblast/internal/store"
	"tgblast/internal/surface"
	kit "tgblast/internal/transport"
	telegram "tgblast/internal/transport/telegram/adapter"
	logx "tgblast/pkg/logx"
)

// App wires the whole system: config, logging, store, sessions, health
// oracle, engine, command surface and background jobs.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *store.Store

	adapter  *telegram.Adapter
	sessions *session.Provider
	oracle   *health.Oracle
	engine   *engine.Controller
	surface  *surface.Surface

	cron *cron.Cron

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies the config immediately. Bootstrap with the Telegram
	// sink disabled, set the target, then Apply the final config so the
	// sink never warns about a missing chat id.
	baseLogCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    false,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	if gl := strings.TrimSpace(cfg.Telegram.GroupLog); gl != "" {
		if chatID, err := strconv.ParseInt(gl, 10, 64); err == nil {
			logSvc.SetTelegramTarget(chatID)
		}
	}
	finalLogCfg := baseLogCfg
	finalLogCfg.Telegram.Enabled = cfg.Logging.Telegram.Enabled
	logSvc.Apply(finalLogCfg)

	bus := eventbus.New()

	storeCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	sessCfg, err := mapSessionConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sessions := session.NewProvider(sessCfg, st, log)

	healthCfg, err := mapHealthConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	oracle := health.New(healthCfg, sessions, st, log)

	relay := &reporterRelay{}
	ctl := engine.NewController(
		mapEngineConfig(cfg),
		st,
		engine.NewTransportSender(sessions, log),
		&oracleBridge{oracle: oracle},
		bus,
		relay,
		log,
	)

	surf := surface.New(
		surface.Config{OwnerUserIDs: cfg.Telegram.OwnerUserIDs},
		ad, ctl, st, oracle, bus,
		log,
	)
	relay.set(surf)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    st,
		adapter:  ad,
		sessions: sessions,
		oracle:   oracle,
		engine:   ctl,
		surface:  surf,
		updates:  make(chan kit.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.apply", a.applyConfigUpdates)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.surface.Run(a.sup.Context(), a.updates)

	// Menu registration is cosmetic; don't fail startup over it.
	mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.adapter.UpdateMenuCommands(mctx, a.surface.MenuCommands()); err != nil {
		a.log.Warn("menu registration failed", logx.Err(err))
	}
	cancel()

	if err := a.startJobs(); err != nil {
		return err
	}

	a.log.Info("started")
	return nil
}

// applyConfigUpdates hot-reloads what can be hot-reloaded: the logging
// sinks. Everything else (token, store path, engine thresholds) needs a
// restart and is deliberately left alone.
func (a *App) applyConfigUpdates(ctx context.Context) {
	ch := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			if gl := strings.TrimSpace(cfg.Telegram.GroupLog); gl != "" {
				if chatID, err := strconv.ParseInt(gl, 10, 64); err == nil {
					a.logs.SetTelegramTarget(chatID)
				}
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
				Telegram: logx.TelegramConfig{
					Enabled:    cfg.Logging.Telegram.Enabled,
					MinLevel:   cfg.Logging.Telegram.MinLevel,
					RatePerSec: cfg.Logging.Telegram.RatePerSec,
				},
			})
			a.log.Info("logging config reloaded")
		}
	}
}

func (a *App) startJobs() error {
	cfg := a.cfgm.Get()
	a.cron = cron.New()

	dailySpec := cfg.Jobs.DailyReset
	if strings.TrimSpace(dailySpec) == "" {
		dailySpec = "5 0 * * *"
	}
	_, err := a.cron.AddFunc(dailySpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		now := time.Now()
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		n, err := a.store.ResetStaleDailyCounters(ctx, dayStart)
		if err != nil {
			a.log.Error("daily counter reset failed", logx.Err(err))
			return
		}
		a.log.Info("daily counters reset", logx.Int64("accounts", n))
	})
	if err != nil {
		return fmt.Errorf("jobs.daily_reset: %w", err)
	}

	if spec := strings.TrimSpace(cfg.Jobs.HealthSweep); spec != "" {
		_, err := a.cron.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
			defer cancel()
			summary, err := a.oracle.CheckAll(ctx, nil)
			if err != nil {
				a.log.Error("scheduled health sweep failed", logx.Err(err))
				return
			}
			a.log.Info("scheduled health sweep done",
				logx.Int("total", summary.Total),
				logx.Int("unlimited", summary.Unlimited),
				logx.Int("limited", summary.Limited),
				logx.Int("restricted", summary.Restricted),
				logx.Int("banned", summary.Banned))
		})
		if err != nil {
			return fmt.Errorf("jobs.health_sweep: %w", err)
		}
	}

	a.cron.Start()
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bounded shutdown steps so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("tasks", 10*time.Second, func(c context.Context) error {
		a.engine.StopAll(c)
		return nil
	})
	step("cron", 2*time.Second, func(c context.Context) error {
		if a.cron != nil {
			stopped := a.cron.Stop()
			select {
			case <-stopped.Done():
			case <-c.Done():
			}
		}
		return nil
	})
	step("surface", 2*time.Second, a.surface.Wait)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("store", 1*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// reporterRelay breaks the construction cycle between the controller (which
// needs a Reporter) and the surface (which needs the controller).
type reporterRelay struct {
	mu     sync.Mutex
	target engine.Reporter
}

func (r *reporterRelay) set(t engine.Reporter) {
	r.mu.Lock()
	r.target = t
	r.mu.Unlock()
}

func (r *reporterRelay) OnComplete(ctx context.Context, taskID int64, summary string) error {
	r.mu.Lock()
	t := r.target
	r.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.OnComplete(ctx, taskID, summary)
}

// oracleBridge adapts the health oracle's verdict type to the engine's.
type oracleBridge struct {
	oracle *health.Oracle
}

func (b *oracleBridge) Check(ctx context.Context, accountID int64) engine.HealthStatus {
	switch b.oracle.Check(ctx, accountID) {
	case health.StatusActive:
		return engine.HealthActive
	case health.StatusLimited:
		return engine.HealthLimited
	case health.StatusBanned:
		return engine.HealthBanned
	default:
		return engine.HealthUnknown
	}
}
