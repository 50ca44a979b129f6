package engine

import (
	"context"
	"sync"
	"time"

	"tgblast/internal/store"
)

// Store is the persistence surface the engine drives. The concrete
// implementation is the SQLite document store.
type Store interface {
	TaskByID(ctx context.Context, id int64) (*store.Task, error)
	TaskStatusByID(ctx context.Context, id int64) (store.TaskStatus, error)
	UpdateTaskStatus(ctx context.Context, id int64, status store.TaskStatus) error
	MarkTaskStarted(ctx context.Context, id int64, at time.Time) (bool, error)
	FinishTask(ctx context.Context, id int64, status store.TaskStatus, errMsg string, at time.Time) error
	AddTaskCounters(ctx context.Context, id int64, sentDelta, failedDelta int) error
	DeleteTask(ctx context.Context, id int64) error

	PendingTargets(ctx context.Context, taskID int64) ([]*store.Target, error)
	TargetByID(ctx context.Context, id int64) (*store.Target, error)
	MarkTargetSent(ctx context.Context, id, accountID int64, at time.Time) error
	MarkTargetFailed(ctx context.Context, id, accountID int64, errMsg string) error
	InvalidateTarget(ctx context.Context, id int64, reason string) error

	AccountByID(ctx context.Context, id int64) (*store.Account, error)
	ActiveMessagingAccounts(ctx context.Context) ([]*store.Account, error)
	CountActiveMessagingAccounts(ctx context.Context) (int, error)
	AccountStatusBreakdown(ctx context.Context) (map[store.AccountStatus]int, error)
	UpdateAccountStatus(ctx context.Context, id int64, status store.AccountStatus) error
	RecordAccountSend(ctx context.Context, id int64, at time.Time) error
	ResetDailyCounter(ctx context.Context, id int64) error
	SetAccountFloodWait(ctx context.Context, id int64, until time.Time) error

	AppendMessageLog(ctx context.Context, l *store.MessageLog) error
}

// Sender performs one delivery attempt for a (account, target) pair.
// Implementations translate the task's delivery method and message options
// into transport calls; errors must be classifiable by Classify.
type Sender interface {
	SendToTarget(ctx context.Context, accountID int64, task *store.Task, target *store.Target) error
}

// HealthStatus mirrors the oracle's verdict without importing it.
type HealthStatus string

const (
	HealthActive  HealthStatus = "active"
	HealthLimited HealthStatus = "limited"
	HealthBanned  HealthStatus = "banned"
	HealthUnknown HealthStatus = "unknown"
)

// Oracle answers "is this account really usable" on demand.
type Oracle interface {
	Check(ctx context.Context, accountID int64) HealthStatus
}

// Reporter receives the single end-of-run summary per task run.
type Reporter interface {
	OnComplete(ctx context.Context, taskID int64, summary string) error
}

// Config carries the engine's fixed thresholds.
type Config struct {
	// ConsecutiveFailureLimit aborts a normal-mode batch once this many
	// targets in a row failed across all accounts.
	ConsecutiveFailureLimit int
	// ForcePrivateFailureLimit is the default per-account failure streak
	// that triggers a health check in force-private mode; a task's
	// IgnoreBidirectionalLimit overrides it when positive.
	ForcePrivateFailureLimit int
	// ReportRetryMax bounds retries of a failed completion report.
	ReportRetryMax int
	// StopGrace is how long Stop waits for a graceful dispatcher exit
	// before force-cancelling.
	StopGrace time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.ConsecutiveFailureLimit <= 0 {
		out.ConsecutiveFailureLimit = 50
	}
	if out.ForcePrivateFailureLimit <= 0 {
		out.ForcePrivateFailureLimit = 30
	}
	if out.ReportRetryMax <= 0 {
		out.ReportRetryMax = 3
	}
	if out.StopGrace <= 0 {
		out.StopGrace = 3 * time.Second
	}
	return out
}

// Stop is the in-memory fast-path cancellation signal for one task run.
type Stop struct {
	once sync.Once
	ch   chan struct{}
}

func NewStop() *Stop {
	return &Stop{ch: make(chan struct{})}
}

func (s *Stop) Trigger() {
	s.once.Do(func() { close(s.ch) })
}

func (s *Stop) Done() <-chan struct{} { return s.ch }

func (s *Stop) Stopped() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// ConfigError marks precondition failures that fail the task fast with a
// human-readable reason and are never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return e.Reason }
