package app

import (
	"strings"
	"testing"
	"time"

	"tgblast/internal/config"
)

func validBase() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{
			Token:        "123:abc",
			OwnerUserIDs: []int64{7},
		},
		Storage: config.StorageConfig{Path: "./x.db"},
	}
}

func TestValidateConfigAcceptsMinimal(t *testing.T) {
	t.Parallel()
	if err := validateConfig(validBase()); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}
}

func TestValidateConfigRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantSub string
	}{
		{"missing token", func(c *config.Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"no owners", func(c *config.Config) { c.Telegram.OwnerUserIDs = nil }, "owner_user_ids"},
		{"bad poll timeout", func(c *config.Config) { c.Telegram.PollTimeout = "soon" }, "poll_timeout"},
		{"bad busy timeout", func(c *config.Config) { c.Storage.BusyTimeout = "x" }, "busy_timeout"},
		{"bad connect timeout", func(c *config.Config) { c.Sessions.ConnectTimeout = "x" }, "connect_timeout"},
		{"bad idle timeout", func(c *config.Config) { c.Sessions.IdleTimeout = "x" }, "idle_timeout"},
		{"negative proxy limit", func(c *config.Config) { c.Sessions.ProxyFailLimit = -1 }, "proxy_fail_limit"},
		{"bad cache ttl", func(c *config.Config) { c.Health.CacheTTL = "x" }, "cache_ttl"},
		{"negative failure limit", func(c *config.Config) { c.Engine.ConsecutiveFailureLimit = -1 }, "consecutive_failure_limit"},
		{"bad cron spec", func(c *config.Config) { c.Jobs.DailyReset = "not cron" }, "daily_reset"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestMapStoreConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := validBase()
	cfg.Storage.Path = " "
	sc, err := mapStoreConfig(cfg)
	if err != nil {
		t.Fatalf("mapStoreConfig: %v", err)
	}
	if sc.Path != "./tgblast.db" {
		t.Fatalf("path = %q", sc.Path)
	}
	if sc.BusyTimeout != 5*time.Second {
		t.Fatalf("busy timeout = %v", sc.BusyTimeout)
	}
}

func TestMapSessionConfigPassthrough(t *testing.T) {
	t.Parallel()
	cfg := validBase()
	cfg.Sessions.ConnectTimeout = "20s"
	cfg.Sessions.IdleTimeout = "90s"
	cfg.Sessions.ProxyFailLimit = 5
	sc, err := mapSessionConfig(cfg)
	if err != nil {
		t.Fatalf("mapSessionConfig: %v", err)
	}
	if sc.ConnectTimeout != 20*time.Second || sc.IdleTimeout != 90*time.Second || sc.ProxyFailLimit != 5 {
		t.Fatalf("mapped = %+v", sc)
	}
}

func TestMapHealthConfig(t *testing.T) {
	t.Parallel()
	cfg := validBase()
	cfg.Health.StatusBot = " SpamBot "
	cfg.Health.CacheTTL = "10m"
	hc, err := mapHealthConfig(cfg)
	if err != nil {
		t.Fatalf("mapHealthConfig: %v", err)
	}
	if hc.StatusBot != "SpamBot" || hc.CacheTTL != 10*time.Minute {
		t.Fatalf("mapped = %+v", hc)
	}
}
