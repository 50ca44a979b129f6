package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [7, 42]
  group_log: "-100123"
  poll_timeout: "15s"
logging:
  level: debug
  console: true
  telegram:
    enabled: true
    min_level: warn
    rate_per_sec: 2
storage:
  path: ./data/bot.db
  busy_timeout: "3s"
sessions:
  connect_timeout: "20s"
  proxy_fail_limit: 5
health:
  status_bot: SpamBot
  cache_ttl: "10m"
engine:
  consecutive_failure_limit: 25
jobs:
  daily_reset: "5 0 * * *"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.OwnerUserIDs[1] != 42 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	if !cfg.Logging.Telegram.Enabled || cfg.Logging.Telegram.RatePerSec != 2 {
		t.Fatalf("telegram log sink = %+v", cfg.Logging.Telegram)
	}
	if cfg.Storage.Path != "./data/bot.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Sessions.ProxyFailLimit != 5 {
		t.Fatalf("proxy fail limit = %d", cfg.Sessions.ProxyFailLimit)
	}
	if cfg.Engine.ConsecutiveFailureLimit != 25 {
		t.Fatalf("failure limit = %d", cfg.Engine.ConsecutiveFailureLimit)
	}
	if m.Get() == nil {
		t.Fatal("Load did not commit")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"telegram":{"token":"t","owner_user_ids":[1]},"logging":{"level":"info","console":true},"storage":{"path":"x.db"}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "t" || cfg.Storage.Path != "x.db" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", "telegram:\n  token: t\n  bogus_field: 1\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{"telegram":{"token":"t"}}{"extra":1}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestDurationField(t *testing.T) {
	t.Parallel()
	def := 10 * time.Second
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", def, false},
		{"   ", def, false},
		{"0s", def, false},
		{"30s", 30 * time.Second, false},
		{"  2m ", 2 * time.Minute, false},
		{"-5s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := Duration("x", tt.raw, def)
		if (err != nil) != tt.wantErr {
			t.Fatalf("Duration(%q) err = %v", tt.raw, err)
		}
		if err == nil && got != tt.want {
			t.Fatalf("Duration(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}

	_, err := Duration("sessions.connect_timeout", "nope", 0)
	if err == nil || !strings.Contains(err.Error(), "sessions.connect_timeout") {
		t.Fatalf("error lacks field path: %v", err)
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("config not delivered")
	}

	// Full buffer: drop-oldest, newest wins.
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatal("drop-oldest did not keep the newest config")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed on unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	m.publish(cfg)
}
