package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
)

// Config configures the SQLite document store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountLimited  AccountStatus = "limited"
	AccountBanned   AccountStatus = "banned"
	AccountInactive AccountStatus = "inactive"
)

type AccountKind string

const (
	KindMessaging  AccountKind = "messaging"
	KindCollection AccountKind = "collection"
)

// Account is one messaging identity bound to an external credential.
// Status transitions are driven only by the rate/health policy and the
// health oracle; surface commands never write status directly.
type Account struct {
	ID             int64
	Phone          string
	APIID          int
	APIHash        string
	SessionRef     string
	Status         AccountStatus
	SentToday      int
	DailyLimit     int
	LastUsedAt     time.Time
	FloodWaitUntil time.Time
	ProxyID        *int64
	Kind           AccountKind
	CreatedAt      time.Time
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskStopped   TaskStatus = "stopped"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

type DeliveryMethod string

const (
	DeliverDirect               DeliveryMethod = "direct"
	DeliverPostBot              DeliveryMethod = "postbot"
	DeliverChannelForward       DeliveryMethod = "channel_forward"
	DeliverChannelForwardHidden DeliveryMethod = "channel_forward_hidden"
)

type FloodWaitStrategy string

const (
	FloodSwitchAccount FloodWaitStrategy = "switch_account"
	FloodContinueWait  FloodWaitStrategy = "continue_wait"
	FloodStopTask      FloodWaitStrategy = "stop_task"
)

// Task is one campaign configuration plus live counters.
type Task struct {
	ID     int64
	Name   string
	Status TaskStatus

	Message   string
	ParseMode string
	MediaRef  string

	Delivery DeliveryMethod

	IntervalMin         int // seconds
	IntervalMax         int
	ThreadCount         int
	ThreadStartInterval int // seconds
	DailyLimit          int
	RetryCount          int
	RetryInterval       int // seconds
	FloodWait           FloodWaitStrategy

	RepeatSend            bool
	ForcePrivate          bool
	EditMode              bool
	ReplyMode             bool
	PinMessage            bool
	DeleteDialog          bool
	AutoSwitchDeadAccount bool

	// IgnoreBidirectionalLimit overrides the force-private consecutive
	// failure threshold when > 0.
	IgnoreBidirectionalLimit int

	BatchPauseCount int
	BatchPauseMin   int // seconds
	BatchPauseMax   int

	TotalTargets int
	SentCount    int
	FailedCount  int

	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time
	CreatedAt    time.Time
}

// Target is one recipient within a task. Once IsSent is set it is terminal;
// FailedAccounts only grows; IsValid=false excludes it permanently.
type Target struct {
	ID             int64
	TaskID         int64
	Username       string
	UserID         int64
	IsSent         bool
	IsValid        bool
	LastError      string
	RetryCount     int
	FailedAccounts []int64
	LastAccountID  int64
	SentAt         time.Time
}

// HasFailedAccount reports whether the given account already failed against
// this target.
func (t *Target) HasFailedAccount(accountID int64) bool {
	for _, id := range t.FailedAccounts {
		if id == accountID {
			return true
		}
	}
	return false
}

// MessageLog is an append-only audit record of one send attempt.
type MessageLog struct {
	ID        int64
	TaskID    int64
	AccountID int64
	TargetID  int64
	Text      string
	Success   bool
	Error     string
	CreatedAt time.Time
}

// Proxy is a network egress descriptor from the shared pool.
type Proxy struct {
	ID           int64
	Type         string
	Host         string
	Port         int
	Username     string
	Password     string
	Active       bool
	SuccessCount int
	FailCount    int
	LastUsedAt   time.Time
}
