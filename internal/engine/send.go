package engine

import (
	"context"
	"time"

	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

// attemptResult tells the mode loops what to do after one logical send.
type attemptResult int

const (
	// attemptSuccess: delivered.
	attemptSuccess attemptResult = iota
	// attemptFailed: failed for this (account, target) pair; rotation may
	// try the next account.
	attemptFailed
	// attemptAbandonAccount: the account is out for this round (flood
	// wait with switch strategy, or detected dead).
	attemptAbandonAccount
	// attemptStopTask: the flood strategy demanded a task stop.
	attemptStopTask
	// attemptSkipped: the stop signal was already set; nothing touched
	// the transport.
	attemptSkipped
	// attemptInvalidTarget: the target can never be delivered to.
	attemptInvalidTarget
)

// send performs one logical delivery: stop-gated, with the per-call
// retry-with-backoff applied only when withRetry is set (normal and repeat
// modes; force-private rotates accounts instead). The retry pause is a
// plain sleep: retries are short, bounded and already exceptional.
func (d *dispatcher) send(ctx context.Context, task *store.Task, stop *Stop, accountID int64, target *store.Target, withRetry bool) (attemptResult, Outcome) {
	if stop.Stopped() {
		return attemptSkipped, Outcome{}
	}

	attempts := 1
	if withRetry && task.RetryCount > 0 {
		attempts += task.RetryCount
	}

	var out Outcome
	for i := 1; i <= attempts; i++ {
		if i > 1 {
			d.retrySleep(time.Duration(task.RetryInterval) * time.Second)
			if stop.Stopped() {
				return attemptSkipped, out
			}
		}
		out = Classify(d.sender.SendToTarget(ctx, accountID, task, target))
		if out.Kind != OutcomeOther {
			break
		}
		// Only generic failures are worth re-attempting on the same
		// account; rate limits and privacy blocks won't change here.
	}
	return d.applyOutcome(ctx, task, stop, accountID, target, out), out
}

// applyOutcome turns a classified outcome into the policy-side effects and
// the rotation decision.
func (d *dispatcher) applyOutcome(ctx context.Context, task *store.Task, stop *Stop, accountID int64, target *store.Target, out Outcome) attemptResult {
	switch out.Kind {
	case OutcomeSuccess:
		return attemptSuccess

	case OutcomePrivacy:
		// Terminal for the pair only; another account may still reach
		// this target.
		return attemptFailed

	case OutcomeInvalidTarget:
		return attemptInvalidTarget

	case OutcomeFloodWait:
		d.recheckHealthAsync(accountID)
		_ = d.store.SetAccountFloodWait(ctx, accountID, time.Now().Add(out.Wait))
		d.log.Warn("flood wait received",
			logx.Int64("task_id", task.ID), logx.Int64("account_id", accountID),
			logx.Duration("wait", out.Wait), logx.String("strategy", string(task.FloodWait)))

		switch task.FloodWait {
		case store.FloodContinueWait:
			if d.clock.Sleep(ctx, out.Wait, stop, task.ID) {
				return attemptSkipped
			}
			return attemptFailed
		case store.FloodStopTask:
			_ = d.store.FinishTask(ctx, task.ID, store.TaskStopped,
				"stopped by flood-wait strategy", time.Now())
			stop.Trigger()
			return attemptStopTask
		default: // switch account
			return attemptAbandonAccount
		}

	case OutcomePeerFlood:
		d.recheckHealthAsync(accountID)
		return attemptFailed

	default:
		if out.DeadAccount && task.AutoSwitchDeadAccount {
			d.log.Warn("dead account detected, banning",
				logx.Int64("account_id", accountID), logx.String("error", out.Message))
			_ = d.store.UpdateAccountStatus(ctx, accountID, store.AccountBanned)
			return attemptAbandonAccount
		}
		return attemptFailed
	}
}

// recheckHealthAsync triggers an oracle probe off the hot path. The oracle
// persists any non-unknown verdict itself.
func (d *dispatcher) recheckHealthAsync(accountID int64) {
	go func() {
		defer func() { _ = recover() }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		d.oracle.Check(ctx, accountID)
	}()
}

// failureText picks the string recorded on the target for an outcome.
func failureText(out Outcome) string {
	switch out.Kind {
	case OutcomePrivacy, OutcomeInvalidTarget:
		return out.Reason
	case OutcomeFloodWait:
		return "flood wait " + out.Wait.String()
	case OutcomePeerFlood:
		return "peer flood"
	default:
		return out.Message
	}
}
