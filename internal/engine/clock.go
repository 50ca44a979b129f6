package engine

import (
	"context"
	"time"

	"tgblast/internal/store"
)

// statusReader is the slice of Store the clock needs.
type statusReader interface {
	TaskStatusByID(ctx context.Context, id int64) (store.TaskStatus, error)
}

// Clock is the engine's only sleep primitive. Every delay in the dispatch
// hot path goes through it so stop signals are observed within one tick.
type Clock struct {
	store statusReader
	tick  time.Duration
}

const statusCheckEvery = 5

func NewClock(st statusReader) *Clock {
	return &Clock{store: st, tick: time.Second}
}

// Sleep waits for d, decomposed into ticks. It returns true as soon as the
// stop signal fires or, every fifth tick, when the task's persisted status
// is no longer running — covering administrative stops that bypass the
// in-memory signal. The sub-tick remainder is slept unconditionally.
func (c *Clock) Sleep(ctx context.Context, d time.Duration, stop *Stop, taskID int64) (interrupted bool) {
	if stop.Stopped() {
		return true
	}
	if d <= 0 {
		return false
	}

	ticks := int(d / c.tick)
	rem := d - time.Duration(ticks)*c.tick

	timer := time.NewTimer(c.tick)
	defer timer.Stop()

	for i := 1; i <= ticks; i++ {
		select {
		case <-timer.C:
		case <-stop.Done():
			return true
		case <-ctx.Done():
			return true
		}
		if i%statusCheckEvery == 0 {
			st, err := c.store.TaskStatusByID(ctx, taskID)
			if err == nil && st != store.TaskRunning {
				return true
			}
		}
		if i < ticks {
			timer.Reset(c.tick)
		}
	}

	if rem > 0 {
		time.Sleep(rem)
	}
	return false
}

// SleepSeconds is Sleep for whole-second task config fields.
func (c *Clock) SleepSeconds(ctx context.Context, secs int, stop *Stop, taskID int64) bool {
	return c.Sleep(ctx, time.Duration(secs)*time.Second, stop, taskID)
}
