package jobmgr

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueJobRunsEveryJob(t *testing.T) {
	m := New(3)
	t.Cleanup(m.Stop)

	const n = 100
	var done sync.WaitGroup
	var ran atomic.Int64
	done.Add(n)
	for i := 0; i < n; i++ {
		m.QueueJob(func(any) {
			ran.Add(1)
			done.Done()
		}, nil)
	}

	waited := make(chan struct{})
	go func() { done.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d/%d jobs ran", ran.Load(), n)
	}
}

func TestPoolBoundsParallelism(t *testing.T) {
	const pool = 3
	m := New(pool)
	t.Cleanup(m.Stop)

	var inFlight, maxSeen atomic.Int64
	var done sync.WaitGroup
	const n = 30
	done.Add(n)
	for i := 0; i < n; i++ {
		m.QueueJob(func(any) {
			cur := inFlight.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			done.Done()
		}, nil)
	}
	done.Wait()

	if got := maxSeen.Load(); got > pool {
		t.Fatalf("observed %d jobs in flight, pool size is %d", got, pool)
	}
}

func TestArgIsPassedThrough(t *testing.T) {
	m := New(1)
	t.Cleanup(m.Stop)

	got := make(chan any, 1)
	m.QueueJob(func(arg any) { got <- arg }, 42)

	select {
	case v := <-got:
		if v != 42 {
			t.Fatalf("job received %v, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
}
