package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tgblast/internal/config"
	"tgblast/internal/engine"
	"tgblast/internal/health"
	"tgblast/internal/session"
	"tgblast/internal/store"
)

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./tgblast.db"
	}
	return store.Config{Path: path, BusyTimeout: busy}, nil
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	connect, err := config.Duration("sessions.connect_timeout", cfg.Sessions.ConnectTimeout, 0)
	if err != nil {
		return session.Config{}, err
	}
	idle, err := config.Duration("sessions.idle_timeout", cfg.Sessions.IdleTimeout, 0)
	if err != nil {
		return session.Config{}, err
	}
	if cfg.Sessions.ProxyFailLimit < 0 {
		return session.Config{}, fmt.Errorf("sessions.proxy_fail_limit must be >= 0")
	}
	return session.Config{
		ConnectTimeout: connect,
		IdleTimeout:    idle,
		ProxyFailLimit: cfg.Sessions.ProxyFailLimit,
	}, nil
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	ttl, err := config.Duration("health.cache_ttl", cfg.Health.CacheTTL, 0)
	if err != nil {
		return health.Config{}, err
	}
	delay, err := config.Duration("health.reply_delay", cfg.Health.ReplyDelay, 0)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		StatusBot:  strings.TrimSpace(cfg.Health.StatusBot),
		CacheTTL:   ttl,
		ReplyDelay: delay,
	}, nil
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		ConsecutiveFailureLimit:  cfg.Engine.ConsecutiveFailureLimit,
		ForcePrivateFailureLimit: cfg.Engine.ForcePrivateFailureLimit,
		ReportRetryMax:           cfg.Engine.ReportRetryMax,
	}
}

// validateConfig gates hot reloads: a config that fails here is rejected
// before commit/publish, keeping the last good config live.
func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		return fmt.Errorf("telegram.owner_user_ids must name at least one owner")
	}
	if _, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0); err != nil {
		return err
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSessionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHealthConfig(cfg); err != nil {
		return err
	}
	if cfg.Engine.ConsecutiveFailureLimit < 0 {
		return fmt.Errorf("engine.consecutive_failure_limit must be >= 0")
	}
	if cfg.Engine.ForcePrivateFailureLimit < 0 {
		return fmt.Errorf("engine.force_private_failure_limit must be >= 0")
	}
	if cfg.Engine.ReportRetryMax < 0 {
		return fmt.Errorf("engine.report_retry_max must be >= 0")
	}
	for _, job := range []struct{ name, spec string }{
		{"jobs.daily_reset", cfg.Jobs.DailyReset},
		{"jobs.health_sweep", cfg.Jobs.HealthSweep},
	} {
		if strings.TrimSpace(job.spec) == "" {
			continue
		}
		if _, err := cron.ParseStandard(job.spec); err != nil {
			return fmt.Errorf("%s: invalid cron spec %q: %w", job.name, job.spec, err)
		}
	}
	return nil
}
