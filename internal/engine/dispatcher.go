package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"tgblast/internal/eventbus"
	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

// availabilityCheckEvery is how often (in processed units) the mode loops
// re-verify that any active account remains.
const availabilityCheckEvery = 10

// dispatcher executes one task run. It is created per run by the
// controller and discarded afterwards.
type dispatcher struct {
	cfg    Config
	store  Store
	sender Sender
	oracle Oracle
	clock  *Clock
	bus    eventbus.Bus
	log    logx.Logger

	// retrySleep is swappable in tests; retries deliberately use a plain
	// uninterruptible pause.
	retrySleep func(time.Duration)
}

func newDispatcher(cfg Config, st Store, sender Sender, oracle Oracle, clock *Clock, bus eventbus.Bus, log logx.Logger) *dispatcher {
	return &dispatcher{
		cfg:        cfg,
		store:      st,
		sender:     sender,
		oracle:     oracle,
		clock:      clock,
		bus:        bus,
		log:        log,
		retrySleep: time.Sleep,
	}
}

// run checks preconditions and hands off to the mode state machine.
// A nil return means the run ended normally (targets exhausted or stop
// observed); a ConfigError means the task must be failed with its reason.
func (d *dispatcher) run(ctx context.Context, task *store.Task, stop *Stop) error {
	targets, err := d.store.PendingTargets(ctx, task.ID)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		d.log.Info("no pending targets, task already complete", logx.Int64("task_id", task.ID))
		return nil
	}

	accounts, err := d.store.ActiveMessagingAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		breakdown, berr := d.store.AccountStatusBreakdown(ctx)
		if berr != nil {
			return berr
		}
		return &ConfigError{Reason: describeAccountShortage(breakdown)}
	}

	mode := ResolveMode(task)
	d.log.Info("dispatch run starting",
		logx.Int64("task_id", task.ID),
		logx.String("mode", mode.String()),
		logx.Int("targets", len(targets)),
		logx.Int("accounts", len(accounts)))

	switch mode {
	case ModeForcePrivate:
		return d.runForcePrivate(ctx, task, stop, accounts)
	case ModeRepeat:
		return d.runRepeat(ctx, task, stop, targets, accounts)
	default:
		return d.runNormal(ctx, task, stop, targets, accounts)
	}
}

// describeAccountShortage distinguishes "none exist" from "none active".
func describeAccountShortage(breakdown map[store.AccountStatus]int) string {
	total := 0
	for _, n := range breakdown {
		total += n
	}
	if total == 0 {
		return "no messaging accounts configured"
	}

	statuses := make([]string, 0, len(breakdown))
	for st := range breakdown {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, st := range statuses {
		parts = append(parts, fmt.Sprintf("%d %s", breakdown[store.AccountStatus(st)], st))
	}
	return "no active accounts available (" + strings.Join(parts, ", ") + ")"
}

// partitionTargets splits targets into n contiguous, roughly equal batches.
func partitionTargets(targets []*store.Target, n int) [][]*store.Target {
	if n <= 0 {
		n = 1
	}
	if n > len(targets) {
		n = len(targets)
	}
	out := make([][]*store.Target, 0, n)
	size := len(targets) / n
	extra := len(targets) % n
	idx := 0
	for i := 0; i < n; i++ {
		end := idx + size
		if i < extra {
			end++
		}
		out = append(out, targets[idx:end])
		idx = end
	}
	return out
}

// partitionAccounts splits accounts into sequential batches of size.
func partitionAccounts(accounts []*store.Account, size int) [][]*store.Account {
	if size <= 0 {
		size = 1
	}
	var out [][]*store.Account
	for len(accounts) > 0 {
		n := size
		if n > len(accounts) {
			n = len(accounts)
		}
		out = append(out, accounts[:n])
		accounts = accounts[n:]
	}
	return out
}

// rotatedIDs returns account ids starting from index start, wrapping.
func rotatedIDs(accounts []*store.Account, start int) []int64 {
	out := make([]int64, 0, len(accounts))
	for i := 0; i < len(accounts); i++ {
		out = append(out, accounts[(start+i)%len(accounts)].ID)
	}
	return out
}

// randSeconds picks a random whole-second duration in [min, max].
func randSeconds(min, max int) time.Duration {
	if max < min {
		max = min
	}
	if max <= 0 {
		return 0
	}
	span := max - min + 1
	return time.Duration(min+rand.Intn(span)) * time.Second
}

// taskRunning reads the persisted status; any terminal or paused state
// means the loops must wind down.
func (d *dispatcher) taskRunning(ctx context.Context, taskID int64) bool {
	st, err := d.store.TaskStatusByID(ctx, taskID)
	if err != nil {
		return false
	}
	return st == store.TaskRunning
}

// shouldStopForAccounts is the cross-mode safety valve: with zero active
// accounts left the task is stopped with a reason and every loop bails.
func (d *dispatcher) shouldStopForAccounts(ctx context.Context, task *store.Task, stop *Stop) bool {
	n, err := d.store.CountActiveMessagingAccounts(ctx)
	if err != nil {
		d.log.Warn("account availability check failed", logx.Int64("task_id", task.ID), logx.Err(err))
		return false
	}
	if n > 0 {
		return false
	}
	d.log.Warn("no active accounts remain, stopping task", logx.Int64("task_id", task.ID))
	_ = d.store.FinishTask(ctx, task.ID, store.TaskStopped, "no active accounts remain", time.Now())
	stop.Trigger()
	return true
}

// usableAccount re-reads the account and applies the pre-send gates: it
// must still be active, past any flood-wait, and under its daily limit.
// The daily counter is lazily reset on the first touch of a new day.
func (d *dispatcher) usableAccount(ctx context.Context, task *store.Task, accountID int64) (*store.Account, bool) {
	acc, err := d.store.AccountByID(ctx, accountID)
	if err != nil {
		return nil, false
	}
	if acc.Status != store.AccountActive {
		return nil, false
	}
	if !acc.FloodWaitUntil.IsZero() && acc.FloodWaitUntil.After(time.Now()) {
		return nil, false
	}

	if acc.SentToday > 0 && !acc.LastUsedAt.IsZero() && beforeToday(acc.LastUsedAt) {
		if err := d.store.ResetDailyCounter(ctx, acc.ID); err == nil {
			acc.SentToday = 0
		}
	}

	limit := acc.DailyLimit
	if limit <= 0 {
		limit = task.DailyLimit
	}
	if limit > 0 && acc.SentToday >= limit {
		return nil, false
	}
	return acc, true
}

func beforeToday(t time.Time) bool {
	now := time.Now()
	y1, m1, d1 := t.Date()
	y2, m2, d2 := now.Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

// recordSuccess applies all success-side bookkeeping for one delivery.
func (d *dispatcher) recordSuccess(ctx context.Context, task *store.Task, accountID int64, target *store.Target) {
	now := time.Now()
	if err := d.store.MarkTargetSent(ctx, target.ID, accountID, now); err != nil {
		d.log.Error("mark target sent", logx.Int64("target_id", target.ID), logx.Err(err))
	}
	_ = d.store.AddTaskCounters(ctx, task.ID, 1, 0)
	_ = d.store.RecordAccountSend(ctx, accountID, now)
	_ = d.store.AppendMessageLog(ctx, &store.MessageLog{
		TaskID:    task.ID,
		AccountID: accountID,
		TargetID:  target.ID,
		Text:      task.Message,
		Success:   true,
	})
	d.publishProgress(ctx, task.ID)
}

// recordFailure applies failure-side bookkeeping for one (account, target)
// attempt. countTask controls whether task.failed_count moves: modes that
// rotate accounts over the same target only count the target once.
func (d *dispatcher) recordFailure(ctx context.Context, task *store.Task, accountID int64, target *store.Target, errMsg string, countTask bool) {
	if err := d.store.MarkTargetFailed(ctx, target.ID, accountID, errMsg); err != nil {
		d.log.Error("mark target failed", logx.Int64("target_id", target.ID), logx.Err(err))
	}
	if countTask {
		_ = d.store.AddTaskCounters(ctx, task.ID, 0, 1)
		d.publishProgress(ctx, task.ID)
	}
	_ = d.store.AppendMessageLog(ctx, &store.MessageLog{
		TaskID:    task.ID,
		AccountID: accountID,
		TargetID:  target.ID,
		Text:      task.Message,
		Success:   false,
		Error:     errMsg,
	})
}

func (d *dispatcher) publishProgress(ctx context.Context, taskID int64) {
	if d.bus == nil {
		return
	}
	t, err := d.store.TaskByID(ctx, taskID)
	if err != nil {
		return
	}
	d.bus.Publish(eventbus.Event{
		Type: eventbus.TaskProgress,
		Data: eventbus.ProgressData{
			TaskID: taskID,
			Sent:   t.SentCount,
			Failed: t.FailedCount,
			Total:  t.TotalTargets,
		},
	})
}
