package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Sessions SessionsConfig `json:"sessions,omitempty"`
	Health   HealthConfig   `json:"health,omitempty"`
	Engine   EngineConfig   `json:"engine,omitempty"`
	Jobs     JobsConfig     `json:"jobs,omitempty"`
}

// TelegramConfig configures the bot-API surface (operator commands, progress
// pushes, completion reports). The user-account side is configured per
// account in the store, not here.
type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives log-sink output (optional).
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level"`
	Console  bool              `json:"console"`
	File     FileLogConfig     `json:"file,omitempty"`
	Telegram TelegramLogConfig `json:"telegram,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type TelegramLogConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the SQLite document store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SessionsConfig controls user-account session acquisition.
//
// Defaults (when fields are omitted/zero):
//   - connect_timeout: "30s"
//   - idle_timeout: "3m" (cached session teardown)
//   - proxy_fail_limit: 3
type SessionsConfig struct {
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	IdleTimeout    string `json:"idle_timeout,omitempty"`
	ProxyFailLimit int    `json:"proxy_fail_limit,omitempty"`
}

// HealthConfig controls the account health oracle.
//
// Defaults:
//   - status_bot: "SpamBot"
//   - cache_ttl: "5m"
//   - reply_delay: "3s"
type HealthConfig struct {
	StatusBot  string `json:"status_bot,omitempty"`
	CacheTTL   string `json:"cache_ttl,omitempty"`
	ReplyDelay string `json:"reply_delay,omitempty"`
}

// EngineConfig carries dispatcher knobs that are not per-task.
//
// Defaults:
//   - consecutive_failure_limit: 50 (normal mode, per batch)
//   - force_private_failure_limit: 30 (per account, unless the task
//     overrides it)
//   - report_retry_max: 3
type EngineConfig struct {
	ConsecutiveFailureLimit  int `json:"consecutive_failure_limit,omitempty"`
	ForcePrivateFailureLimit int `json:"force_private_failure_limit,omitempty"`
	ReportRetryMax           int `json:"report_retry_max,omitempty"`
}

// JobsConfig holds cron specs for background maintenance.
//
// Defaults:
//   - daily_reset: "5 0 * * *" (normalize stale sent_today counters)
//   - health_sweep: "" (disabled unless set)
type JobsConfig struct {
	DailyReset  string `json:"daily_reset,omitempty"`
	HealthSweep string `json:"health_sweep,omitempty"`
}
