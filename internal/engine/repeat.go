package engine

import (
	"context"
	"sync"

	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

// runRepeat has every account send to the entire target list once:
// accounts are grouped into batches of thread_count that run concurrently,
// batches themselves run sequentially. Targets marked sent by earlier
// accounts in this run are still contacted by later ones; that repetition
// is the point of the mode.
func (d *dispatcher) runRepeat(ctx context.Context, task *store.Task, stop *Stop, targets []*store.Target, accounts []*store.Account) error {
	batches := partitionAccounts(accounts, task.ThreadCount)

	for bi, batch := range batches {
		if stop.Stopped() || !d.taskRunning(ctx, task.ID) {
			return nil
		}
		if bi > 0 && bi%availabilityCheckEvery == 0 {
			if d.shouldStopForAccounts(ctx, task, stop) {
				return nil
			}
		}

		var wg sync.WaitGroup
		for ai, acc := range batch {
			wg.Add(1)
			go func(ai int, accountID int64) {
				defer wg.Done()
				defer d.recoverBatch(task.ID, bi)

				if ai > 0 && task.ThreadStartInterval > 0 {
					if d.clock.SleepSeconds(ctx, ai*task.ThreadStartInterval, stop, task.ID) {
						return
					}
				}
				d.repeatAccountPass(ctx, task, stop, accountID, targets)
			}(ai, acc.ID)
		}
		wg.Wait()
	}
	return nil
}

// repeatAccountPass walks the full target list with one account. The
// account's own daily limit ends just its pass, never the batch.
func (d *dispatcher) repeatAccountPass(ctx context.Context, task *store.Task, stop *Stop, accountID int64, targets []*store.Target) {
	for _, target := range targets {
		if stop.Stopped() || !d.taskRunning(ctx, task.ID) {
			return
		}

		acc, ok := d.usableAccount(ctx, task, accountID)
		if !ok {
			d.log.Debug("account pass ended (limit or status)",
				logx.Int64("task_id", task.ID), logx.Int64("account_id", accountID))
			return
		}

		res, out := d.send(ctx, task, stop, acc.ID, target, true)
		switch res {
		case attemptSuccess:
			d.recordSuccess(ctx, task, acc.ID, target)
		case attemptSkipped, attemptStopTask:
			return
		case attemptAbandonAccount:
			return
		case attemptInvalidTarget:
			_ = d.store.InvalidateTarget(ctx, target.ID, out.Reason)
			_ = d.store.AddTaskCounters(ctx, task.ID, 0, 1)
			d.publishProgress(ctx, task.ID)
		default:
			d.recordFailure(ctx, task, acc.ID, target, failureText(out), true)
		}

		if d.clock.Sleep(ctx, randSeconds(task.IntervalMin, task.IntervalMax), stop, task.ID) {
			return
		}
	}
}
