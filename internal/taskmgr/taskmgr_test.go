package taskmgr

import (
	"sync/atomic"
	"testing"
	"time"
)

// countingTask re-arms itself `rearm` times, then retires.
type countingTask struct {
	runs  atomic.Int64
	rearm int64
	step  time.Duration
}

func (t *countingTask) Run(now time.Time) time.Time {
	n := t.runs.Add(1)
	if n <= t.rearm {
		return now.Add(t.step)
	}
	return time.Time{}
}

func TestTaskRunsAndReschedules(t *testing.T) {
	m := New(nil, 10*time.Millisecond)
	m.Start()
	t.Cleanup(m.Stop)

	task := &countingTask{rearm: 2, step: 10 * time.Millisecond}
	m.RegisterTask(task, time.Now(), true)

	deadline := time.Now().Add(2 * time.Second)
	for task.runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := task.runs.Load(); got != 3 {
		t.Fatalf("task ran %d times, want 3 (initial + 2 re-arms)", got)
	}

	// The task retired; it must not run again.
	time.Sleep(100 * time.Millisecond)
	if got := task.runs.Load(); got != 3 {
		t.Fatalf("retired task ran again: %d runs", got)
	}
}

func TestUnregisterTaskStopsFutureRuns(t *testing.T) {
	m := New(nil, 10*time.Millisecond)
	m.Start()
	t.Cleanup(m.Stop)

	task := &countingTask{rearm: 1 << 30, step: 10 * time.Millisecond}
	m.RegisterTask(task, time.Now().Add(50*time.Millisecond), true)
	m.UnregisterTask(task)

	time.Sleep(200 * time.Millisecond)
	if got := task.runs.Load(); got != 0 {
		t.Fatalf("unregistered task still ran %d times", got)
	}
}

func TestTasksSerializeOnTheRunner(t *testing.T) {
	m := New(nil, 10*time.Millisecond)
	m.Start()
	t.Cleanup(m.Stop)

	var inRun atomic.Int64
	var overlapped atomic.Bool
	// Each task is a *taskFunc: the manager keys its bookkeeping by the
	// Task value, and a bare func value is not comparable.
	mk := func() Task {
		f := taskFunc(func(now time.Time) time.Time {
			if inRun.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			inRun.Add(-1)
			return time.Time{}
		})
		return &f
	}
	for i := 0; i < 8; i++ {
		m.RegisterTask(mk(), time.Now(), true)
	}

	time.Sleep(300 * time.Millisecond)
	if overlapped.Load() {
		t.Fatal("two tasks ran concurrently; the runner must serialize them")
	}
}

type taskFunc func(now time.Time) time.Time

func (f taskFunc) Run(now time.Time) time.Time { return f(now) }
