package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"tgblast/internal/store"
)

type fakeStatusReader struct {
	mu     sync.Mutex
	status store.TaskStatus
	reads  int
}

func (f *fakeStatusReader) TaskStatusByID(context.Context, int64) (store.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.status, nil
}

func (f *fakeStatusReader) set(st store.TaskStatus) {
	f.mu.Lock()
	f.status = st
	f.mu.Unlock()
}

func fastClock(sr statusReader) *Clock {
	c := NewClock(sr)
	c.tick = 5 * time.Millisecond
	return c
}

func TestSleepCompletesWithoutStop(t *testing.T) {
	sr := &fakeStatusReader{status: store.TaskRunning}
	c := fastClock(sr)
	if interrupted := c.Sleep(context.Background(), 20*time.Millisecond, NewStop(), 1); interrupted {
		t.Fatal("uninterrupted sleep reported interruption")
	}
}

func TestSleepObservesStopWithinOneTick(t *testing.T) {
	sr := &fakeStatusReader{status: store.TaskRunning}
	c := fastClock(sr)
	stop := NewStop()

	go func() {
		time.Sleep(2 * time.Millisecond)
		stop.Trigger()
	}()

	start := time.Now()
	if !c.Sleep(context.Background(), time.Second, stop, 1) {
		t.Fatal("stop not observed")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("stop took %v, want under one tick's worth", elapsed)
	}
}

func TestSleepAlreadyStoppedShortCircuits(t *testing.T) {
	sr := &fakeStatusReader{status: store.TaskRunning}
	c := fastClock(sr)
	stop := NewStop()
	stop.Trigger()
	if !c.Sleep(context.Background(), time.Hour, stop, 1) {
		t.Fatal("pre-set stop not observed")
	}
	if sr.reads != 0 {
		t.Fatalf("status read despite short circuit: %d reads", sr.reads)
	}
}

func TestSleepReadsPersistedStatusEveryFifthTick(t *testing.T) {
	sr := &fakeStatusReader{status: store.TaskStopped}
	c := fastClock(sr)

	start := time.Now()
	if !c.Sleep(context.Background(), time.Second, NewStop(), 1) {
		t.Fatal("persisted stop not observed")
	}
	// Interruption must come at the 5th tick, not after the full second.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("persisted stop took %v", elapsed)
	}
	if sr.reads != 1 {
		t.Fatalf("status reads = %d, want exactly 1 (every 5th tick)", sr.reads)
	}
}

func TestSleepHonorsContextCancel(t *testing.T) {
	sr := &fakeStatusReader{status: store.TaskRunning}
	c := fastClock(sr)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !c.Sleep(ctx, time.Second, NewStop(), 1) {
		t.Fatal("cancelled context not observed")
	}
}

func TestSleepZeroDuration(t *testing.T) {
	sr := &fakeStatusReader{status: store.TaskRunning}
	c := fastClock(sr)
	if c.Sleep(context.Background(), 0, NewStop(), 1) {
		t.Fatal("zero-duration sleep reported interruption")
	}
}

func TestStopSignalIdempotent(t *testing.T) {
	stop := NewStop()
	stop.Trigger()
	stop.Trigger() // must not panic
	if !stop.Stopped() {
		t.Fatal("Stopped() = false after Trigger")
	}
	select {
	case <-stop.Done():
	default:
		t.Fatal("Done() not closed after Trigger")
	}
}
