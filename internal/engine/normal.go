package engine

import (
	"context"
	"sync"

	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

// runNormal partitions targets across up to thread_count batches, each
// bound to a fixed starting account, and works each batch sequentially
// with account rotation on failure.
func (d *dispatcher) runNormal(ctx context.Context, task *store.Task, stop *Stop, targets []*store.Target, accounts []*store.Account) error {
	n := task.ThreadCount
	if n > len(accounts) {
		n = len(accounts)
	}
	batches := partitionTargets(targets, n)

	var wg sync.WaitGroup
	for i := range batches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer d.recoverBatch(task.ID, i)

			if i > 0 && task.ThreadStartInterval > 0 {
				if d.clock.SleepSeconds(ctx, i*task.ThreadStartInterval, stop, task.ID) {
					return
				}
			}
			d.normalBatch(ctx, task, stop, batches[i], accounts, i)
		}(i)
	}
	wg.Wait()
	return nil
}

func (d *dispatcher) recoverBatch(taskID int64, batch int) {
	if r := recover(); r != nil {
		d.log.Error("batch panicked",
			logx.Int64("task_id", taskID), logx.Int("batch", batch), logx.Any("panic", r))
	}
}

func (d *dispatcher) normalBatch(ctx context.Context, task *store.Task, stop *Stop, batch []*store.Target, accounts []*store.Account, batchIdx int) {
	pool := rotatedIDs(accounts, batchIdx%len(accounts))
	consecutive := 0
	sentInBatch := 0

	for ti, target := range batch {
		if stop.Stopped() || !d.taskRunning(ctx, task.ID) {
			return
		}
		if ti > 0 && ti%availabilityCheckEvery == 0 {
			if d.shouldStopForAccounts(ctx, task, stop) {
				return
			}
		}

		res, out := d.tryTargetWithRotation(ctx, task, stop, pool, target)
		switch res {
		case attemptSuccess:
			consecutive = 0
			sentInBatch++
			if task.BatchPauseCount > 0 && sentInBatch%task.BatchPauseCount == 0 {
				if d.clock.Sleep(ctx, randSeconds(task.BatchPauseMin, task.BatchPauseMax), stop, task.ID) {
					return
				}
			}
			if d.clock.Sleep(ctx, randSeconds(task.IntervalMin, task.IntervalMax), stop, task.ID) {
				return
			}

		case attemptSkipped, attemptStopTask:
			return

		case attemptInvalidTarget:
			_ = d.store.InvalidateTarget(ctx, target.ID, out.Reason)
			_ = d.store.AddTaskCounters(ctx, task.ID, 0, 1)
			d.publishProgress(ctx, task.ID)

		default: // every account exhausted without success
			_ = d.store.AddTaskCounters(ctx, task.ID, 0, 1)
			d.publishProgress(ctx, task.ID)
			consecutive++
			if consecutive >= d.cfg.ConsecutiveFailureLimit {
				d.log.Warn("consecutive failure limit reached",
					logx.Int64("task_id", task.ID), logx.Int("batch", batchIdx),
					logx.Int("failures", consecutive))
				if d.shouldStopForAccounts(ctx, task, stop) {
					return
				}
				consecutive = 0
			}
		}

		if stop.Stopped() || !d.taskRunning(ctx, task.ID) {
			return
		}
	}
}

// tryTargetWithRotation attempts one target against the rotating account
// pool, advancing on failure, until success or exhaustion. Accounts at
// their daily limit are skipped without counting as a failed attempt.
func (d *dispatcher) tryTargetWithRotation(ctx context.Context, task *store.Task, stop *Stop, pool []int64, target *store.Target) (attemptResult, Outcome) {
	var last Outcome
	tried := false

	for _, accountID := range pool {
		if stop.Stopped() {
			return attemptSkipped, last
		}
		acc, ok := d.usableAccount(ctx, task, accountID)
		if !ok {
			continue
		}

		res, out := d.send(ctx, task, stop, acc.ID, target, true)
		last = out
		switch res {
		case attemptSuccess:
			d.recordSuccess(ctx, task, acc.ID, target)
			return attemptSuccess, out
		case attemptSkipped, attemptStopTask, attemptInvalidTarget:
			return res, out
		case attemptAbandonAccount:
			// The account drops out of this round; the target stays
			// unsent for the next account in the pool.
			continue
		default:
			tried = true
			d.recordFailure(ctx, task, acc.ID, target, failureText(out), false)
		}
	}

	if !tried {
		// No account was even eligible; treat as a plain failure so the
		// batch's failure accounting still moves.
		last = Outcome{Kind: OutcomeOther, Message: "no usable account for target"}
	}
	return attemptFailed, last
}
