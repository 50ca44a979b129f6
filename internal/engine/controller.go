package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tgblast/internal/eventbus"
	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

var (
	ErrTaskRunning    = errors.New("engine: task is running")
	ErrTaskNotRunning = errors.New("engine: task is not running")
)

type runningTask struct {
	runID   string
	stop    *Stop
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

// Controller owns task lifecycle: it starts dispatcher runs, stops them
// within a bounded grace period, refuses unsafe deletes, and guarantees
// exactly one completion report per run.
type Controller struct {
	cfg      Config
	store    Store
	sender   Sender
	oracle   Oracle
	clock    *Clock
	bus      eventbus.Bus
	reporter Reporter
	log      logx.Logger

	mu       sync.Mutex
	running  map[int64]*runningTask
	reported map[int64]bool

	// reportSleep paces report retries; swappable in tests.
	reportSleep func(time.Duration)
}

func NewController(cfg Config, st Store, sender Sender, oracle Oracle, bus eventbus.Bus, reporter Reporter, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		cfg:         cfg.withDefaults(),
		store:       st,
		sender:      sender,
		oracle:      oracle,
		clock:       NewClock(st),
		bus:         bus,
		reporter:    reporter,
		log:         log.With(logx.String("component", "engine")),
		running:     make(map[int64]*runningTask),
		reported:    make(map[int64]bool),
		reportSleep: time.Sleep,
	}
}

// Start launches a dispatcher run for the task. Rejected when the task is
// already running, in memory or per the persisted status.
func (c *Controller) Start(ctx context.Context, taskID int64) error {
	task, err := c.store.TaskByID(ctx, taskID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.running[taskID]; ok {
		c.mu.Unlock()
		return ErrTaskRunning
	}
	ok, err := c.store.MarkTaskStarted(ctx, taskID, time.Now())
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !ok {
		c.mu.Unlock()
		return ErrTaskRunning
	}
	task.Status = store.TaskRunning

	// The run outlives the caller's (command-scoped) context.
	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{
		runID:   uuid.NewString(),
		stop:    NewStop(),
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	c.running[taskID] = rt
	delete(c.reported, taskID)
	c.mu.Unlock()

	c.publish(eventbus.TaskStarted, eventbus.StartedData{TaskID: taskID, RunID: rt.runID})
	c.log.Info("task started",
		logx.Int64("task_id", taskID), logx.String("run_id", rt.runID),
		logx.String("mode", ResolveMode(task).String()))

	go c.runTask(runCtx, task, rt)
	return nil
}

func (c *Controller) runTask(ctx context.Context, task *store.Task, rt *runningTask) {
	defer close(rt.done)
	defer func() {
		c.mu.Lock()
		delete(c.running, task.ID)
		c.mu.Unlock()
	}()

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("dispatcher panic: %v", r)
			}
		}()
		d := newDispatcher(c.cfg, c.store, c.sender, c.oracle, c.clock, c.bus,
			c.log.With(logx.String("run_id", rt.runID)))
		runErr = d.run(ctx, task, rt.stop)
	}()

	// Final writes must survive a cancelled run context.
	finCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.finalize(finCtx, task.ID, rt, runErr)
}

// finalize writes the terminal status (unless a stop already did) and
// fires the exactly-once completion report.
func (c *Controller) finalize(ctx context.Context, taskID int64, rt *runningTask, runErr error) {
	st, err := c.store.TaskStatusByID(ctx, taskID)
	if err != nil {
		c.log.Error("read final task status", logx.Int64("task_id", taskID), logx.Err(err))
	}
	if st == store.TaskRunning {
		switch {
		case runErr == nil:
			st = store.TaskCompleted
			_ = c.store.FinishTask(ctx, taskID, st, "", time.Now())
		default:
			st = store.TaskFailed
			reason := runErr.Error()
			var ce *ConfigError
			if !errors.As(runErr, &ce) {
				c.log.Error("dispatcher run failed", logx.Int64("task_id", taskID), logx.Err(runErr))
				reason = "internal error: " + truncate(reason, longPreview)
			}
			_ = c.store.FinishTask(ctx, taskID, st, reason, time.Now())
		}
	}

	summary := c.buildSummary(ctx, taskID, st)
	c.report(ctx, taskID, summary)
	c.publish(eventbus.TaskFinished, eventbus.FinishedData{
		TaskID:  taskID,
		RunID:   rt.runID,
		Status:  string(st),
		Summary: summary,
	})
	c.log.Info("task finished",
		logx.Int64("task_id", taskID), logx.String("run_id", rt.runID),
		logx.String("status", string(st)),
		logx.Duration("elapsed", time.Since(rt.started)))
}

func (c *Controller) buildSummary(ctx context.Context, taskID int64, st store.TaskStatus) string {
	t, err := c.store.TaskByID(ctx, taskID)
	if err != nil {
		return string(st)
	}
	s := fmt.Sprintf("%s: %d sent, %d failed of %d targets", st, t.SentCount, t.FailedCount, t.TotalTargets)
	if t.ErrorMessage != "" {
		s += " — " + t.ErrorMessage
	}
	return s
}

// report invokes the completion collaborator at most once per run, with a
// small bounded retry on failure.
func (c *Controller) report(ctx context.Context, taskID int64, summary string) {
	if c.reporter == nil {
		return
	}
	c.mu.Lock()
	if c.reported[taskID] {
		c.mu.Unlock()
		return
	}
	c.reported[taskID] = true
	c.mu.Unlock()

	for i := 0; i < c.cfg.ReportRetryMax; i++ {
		if err := c.reporter.OnComplete(ctx, taskID, summary); err == nil {
			return
		} else if i == c.cfg.ReportRetryMax-1 {
			c.log.Error("completion report failed", logx.Int64("task_id", taskID), logx.Err(err))
		}
		c.reportSleep(time.Second)
	}
}

// Stop signals the run, flips the persisted status immediately so external
// observers see the authoritative state, then waits for a graceful exit
// and force-cancels past the grace period.
func (c *Controller) Stop(ctx context.Context, taskID int64) error {
	c.mu.Lock()
	rt, ok := c.running[taskID]
	c.mu.Unlock()
	if !ok {
		return ErrTaskNotRunning
	}

	rt.stop.Trigger()
	if err := c.store.UpdateTaskStatus(ctx, taskID, store.TaskStopped); err != nil {
		c.log.Error("persist stop status", logx.Int64("task_id", taskID), logx.Err(err))
	}

	select {
	case <-rt.done:
	case <-time.After(c.cfg.StopGrace):
		c.log.Warn("stop grace exceeded, force-cancelling", logx.Int64("task_id", taskID))
		rt.cancel()
		<-rt.done
	}
	return nil
}

// Delete refuses running tasks, then cascades through targets and logs.
func (c *Controller) Delete(ctx context.Context, taskID int64) error {
	c.mu.Lock()
	_, ok := c.running[taskID]
	c.mu.Unlock()
	if ok {
		return ErrTaskRunning
	}
	return c.store.DeleteTask(ctx, taskID)
}

// IsRunning reports whether the task has a live run.
func (c *Controller) IsRunning(taskID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[taskID]
	return ok
}

// Running lists task ids with live runs.
func (c *Controller) Running() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.running))
	for id := range c.running {
		out = append(out, id)
	}
	return out
}

// StopAll stops every live run; used on shutdown.
func (c *Controller) StopAll(ctx context.Context) {
	for _, id := range c.Running() {
		if err := c.Stop(ctx, id); err != nil && !errors.Is(err, ErrTaskNotRunning) {
			c.log.Warn("stop on shutdown", logx.Int64("task_id", id), logx.Err(err))
		}
	}
}

func (c *Controller) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
