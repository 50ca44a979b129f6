package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tgblast/internal/eventbus"
	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

type countingReporter struct {
	mu       sync.Mutex
	failures int // report errors to emit before succeeding
	success  int
	attempts int
}

func (r *countingReporter) OnComplete(context.Context, int64, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failures > 0 {
		r.failures--
		return errors.New("surface unavailable")
	}
	r.success++
	return nil
}

func testController(fs *fakeEngineStore, sender Sender, reporter Reporter) *Controller {
	c := NewController(Config{StopGrace: 500 * time.Millisecond}, fs, sender,
		&stubOracle{status: HealthActive}, eventbus.New(), reporter, logx.Nop())
	c.clock.tick = time.Millisecond
	c.reportSleep = func(time.Duration) {}
	return c
}

func waitTaskStatus(t *testing.T, fs *fakeEngineStore, taskID int64, want store.TaskStatus) *store.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := fs.TaskByID(context.Background(), taskID)
		if err == nil && got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := fs.TaskByID(context.Background(), taskID)
	t.Fatalf("task %d status = %s, want %s", taskID, got.Status, want)
	return nil
}

func waitNotRunning(t *testing.T, c *Controller, taskID int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !c.IsRunning(taskID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %d still registered as running", taskID)
}

func TestControllerRunCompletes(t *testing.T) {
	fs := newFakeEngineStore()
	fs.addTask(&store.Task{ID: 1, Message: "hi", Status: store.TaskPending})
	fs.addTargets(1, "t1", "t2")
	fs.addAccount(&store.Account{ID: 1})

	reporter := &countingReporter{}
	c := testController(fs, newScriptedSender(), reporter)

	if err := c.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := waitTaskStatus(t, fs, 1, store.TaskCompleted)
	if got.SentCount != 2 {
		t.Fatalf("SentCount = %d, want 2", got.SentCount)
	}
	waitNotRunning(t, c, 1)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if reporter.success != 1 {
		t.Fatalf("completion reports = %d, want exactly 1", reporter.success)
	}
}

func TestControllerRejectsDoubleStart(t *testing.T) {
	fs := newFakeEngineStore()
	fs.addTask(&store.Task{ID: 1, Message: "hi", Status: store.TaskPending})
	fs.addTargets(1, "t1")
	fs.addAccount(&store.Account{ID: 1})

	sender := newScriptedSender()
	sender.blockCh = make(chan struct{})
	c := testController(fs, sender, &countingReporter{})

	if err := c.Start(context.Background(), 1); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := c.Start(context.Background(), 1); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("second Start = %v, want ErrTaskRunning", err)
	}
	close(sender.blockCh)
	waitNotRunning(t, c, 1)
}

func TestControllerFailsTaskOnConfigError(t *testing.T) {
	fs := newFakeEngineStore()
	fs.addTask(&store.Task{ID: 1, Message: "hi", Status: store.TaskPending})
	fs.addTargets(1, "t1")
	fs.addAccount(&store.Account{ID: 1, Status: store.AccountLimited})
	fs.addAccount(&store.Account{ID: 2, Status: store.AccountLimited})
	fs.addAccount(&store.Account{ID: 3, Status: store.AccountBanned})

	c := testController(fs, newScriptedSender(), &countingReporter{})
	if err := c.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := waitTaskStatus(t, fs, 1, store.TaskFailed)
	want := "no active accounts available (1 banned, 2 limited)"
	if got.ErrorMessage != want {
		t.Fatalf("error message = %q, want %q", got.ErrorMessage, want)
	}
}

func TestControllerStopBoundsLatency(t *testing.T) {
	fs := newFakeEngineStore()
	// A long interval forces the run into the interruptible clock.
	fs.addTask(&store.Task{ID: 1, Message: "hi", Status: store.TaskPending, IntervalMin: 3600, IntervalMax: 3600})
	fs.addTargets(1, "t1", "t2", "t3")
	fs.addAccount(&store.Account{ID: 1})

	sender := newScriptedSender()
	c := testController(fs, sender, &countingReporter{})

	if err := c.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Let the first send land so the run is inside the interval sleep.
	deadline := time.Now().Add(2 * time.Second)
	for sender.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	start := time.Now()
	if err := c.Stop(context.Background(), 1); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Stop took %v, want well under the grace period", elapsed)
	}

	got, _ := fs.TaskByID(context.Background(), 1)
	if got.Status != store.TaskStopped {
		t.Fatalf("status = %s, want stopped", got.Status)
	}

	// No further sends once Stop has returned.
	n := sender.callCount()
	time.Sleep(50 * time.Millisecond)
	if sender.callCount() != n {
		t.Fatalf("sends continued after Stop: %d -> %d", n, sender.callCount())
	}
}

func TestControllerStopUnknownTask(t *testing.T) {
	fs := newFakeEngineStore()
	c := testController(fs, newScriptedSender(), &countingReporter{})
	if err := c.Stop(context.Background(), 99); !errors.Is(err, ErrTaskNotRunning) {
		t.Fatalf("Stop = %v, want ErrTaskNotRunning", err)
	}
}

func TestControllerDeleteRefusesRunning(t *testing.T) {
	fs := newFakeEngineStore()
	fs.addTask(&store.Task{ID: 1, Message: "hi", Status: store.TaskPending})
	fs.addTargets(1, "t1")
	fs.addAccount(&store.Account{ID: 1})

	sender := newScriptedSender()
	sender.blockCh = make(chan struct{})
	c := testController(fs, sender, &countingReporter{})

	if err := c.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Delete(context.Background(), 1); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("Delete while running = %v, want ErrTaskRunning", err)
	}
	close(sender.blockCh)
	waitNotRunning(t, c, 1)

	if err := c.Delete(context.Background(), 1); err != nil {
		t.Fatalf("Delete after finish: %v", err)
	}
	if _, err := fs.TaskByID(context.Background(), 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("task survived delete: %v", err)
	}
}

func TestControllerReportRetriesBounded(t *testing.T) {
	fs := newFakeEngineStore()
	fs.addTask(&store.Task{ID: 1, Message: "hi", Status: store.TaskPending})
	fs.addTargets(1, "t1")
	fs.addAccount(&store.Account{ID: 1})

	reporter := &countingReporter{failures: 2}
	c := testController(fs, newScriptedSender(), reporter)

	if err := c.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTaskStatus(t, fs, 1, store.TaskCompleted)
	waitNotRunning(t, c, 1)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if reporter.success != 1 {
		t.Fatalf("report successes = %d, want 1", reporter.success)
	}
	if reporter.attempts != 3 {
		t.Fatalf("report attempts = %d, want 3 (two failures then success)", reporter.attempts)
	}
}

func TestControllerPublishesLifecycleEvents(t *testing.T) {
	fs := newFakeEngineStore()
	fs.addTask(&store.Task{ID: 1, Message: "hi", Status: store.TaskPending})
	fs.addTargets(1, "t1")
	fs.addAccount(&store.Account{ID: 1})

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	c := NewController(Config{}, fs, newScriptedSender(),
		&stubOracle{status: HealthActive}, bus, &countingReporter{}, logx.Nop())
	c.clock.tick = time.Millisecond
	c.reportSleep = func(time.Duration) {}

	if err := c.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTaskStatus(t, fs, 1, store.TaskCompleted)
	waitNotRunning(t, c, 1)

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[eventbus.TaskStarted] || !seen[eventbus.TaskFinished] {
		select {
		case e := <-ch:
			seen[e.Type] = true
		case <-timeout:
			t.Fatalf("lifecycle events missing, saw %v", seen)
		}
	}
}
