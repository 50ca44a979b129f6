package engine

import (
	"context"
	"sync"

	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

// runForcePrivate maximizes per-target attempt diversity: accounts run
// concurrently in batches of thread_count, each working a private view of
// the targets — never-attempted ones first, then ones other accounts
// failed on — under a per-account failure streak watched by the health
// oracle. A single send is never retried in place; rotation across
// accounts is implicit in the batch structure.
func (d *dispatcher) runForcePrivate(ctx context.Context, task *store.Task, stop *Stop, accounts []*store.Account) error {
	threshold := d.cfg.ForcePrivateFailureLimit
	if task.IgnoreBidirectionalLimit > 0 {
		threshold = task.IgnoreBidirectionalLimit
	}

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
				d.forcePrivatePass(ctx, task, stop, accountID, threshold)
			}(ai, acc.ID)
		}
		wg.Wait()
	}
	return nil
}

// privateView orders the account's available targets into two tiers:
// never attempted by anyone, then failed by other accounts but untried by
// this one. Different accounts thus converge on different targets first.
func privateView(targets []*store.Target, accountID int64) []*store.Target {
	var fresh, retriable []*store.Target
	for _, t := range targets {
		switch {
		case t.RetryCount == 0 && len(t.FailedAccounts) == 0:
			fresh = append(fresh, t)
		case !t.HasFailedAccount(accountID):
			retriable = append(retriable, t)
		}
	}
	return append(fresh, retriable...)
}

func (d *dispatcher) forcePrivatePass(ctx context.Context, task *store.Task, stop *Stop, accountID int64, threshold int) {
	pending, err := d.store.PendingTargets(ctx, task.ID)
	if err != nil {
		d.log.Error("load targets for account pass",
			logx.Int64("task_id", task.ID), logx.Int64("account_id", accountID), logx.Err(err))
		return
	}
	view := privateView(pending, accountID)
	consecutive := 0

	for _, target := range view {
		if stop.Stopped() || !d.taskRunning(ctx, task.ID) {
			return
		}

		// The view is a snapshot; another account may have finished this
		// target or failed on it meanwhile.
		fresh, err := d.store.TargetByID(ctx, target.ID)
		if err != nil || fresh.IsSent || !fresh.IsValid || fresh.HasFailedAccount(accountID) {
			continue
		}

		acc, ok := d.usableAccount(ctx, task, accountID)
		if !ok {
			return
		}

		res, out := d.send(ctx, task, stop, acc.ID, fresh, false)
		switch res {
		case attemptSuccess:
			d.recordSuccess(ctx, task, acc.ID, fresh)
			consecutive = 0

		case attemptSkipped, attemptStopTask:
			return

		case attemptAbandonAccount:
			return

		case attemptInvalidTarget:
			_ = d.store.InvalidateTarget(ctx, fresh.ID, out.Reason)
			_ = d.store.AddTaskCounters(ctx, task.ID, 0, 1)
			d.publishProgress(ctx, task.ID)

		default:
			d.recordFailure(ctx, task, acc.ID, fresh, failureText(out), true)
			consecutive++
			if consecutive >= threshold {
				if !d.arbitrateStreak(ctx, acc.ID, consecutive) {
					return
				}
				consecutive = 0
			}
		}

		if d.clock.Sleep(ctx, randSeconds(task.IntervalMin, task.IntervalMax), stop, task.ID) {
			return
		}
	}
}

// arbitrateStreak asks the oracle whether a failure streak means the
// account is actually degraded. Returns false when the account's pass must
// end. An active verdict is a false alarm; unknown continues optimistically
// with the streak cleared so the probe isn't hammered.
func (d *dispatcher) arbitrateStreak(ctx context.Context, accountID int64, streak int) bool {
	st := d.oracle.Check(ctx, accountID)
	switch st {
	case HealthActive:
		d.log.Info("failure streak was a false alarm",
			logx.Int64("account_id", accountID), logx.Int("streak", streak))
		return true
	case HealthLimited, HealthBanned:
		target := store.AccountLimited
		if st == HealthBanned {
			target = store.AccountBanned
		}
		// Idempotent with the oracle's own persistence.
		_ = d.store.UpdateAccountStatus(ctx, accountID, target)
		d.log.Warn("account degraded, ending its pass",
			logx.Int64("account_id", accountID), logx.String("verdict", string(st)))
		return false
	default:
		d.log.Warn("health verdict unknown, continuing optimistically",
			logx.Int64("account_id", accountID), logx.Int("streak", streak))
		return true
	}
}
