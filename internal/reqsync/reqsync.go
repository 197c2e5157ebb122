// Package reqsync implements the Request Synchronizer (C10): a
// bounded-parallelism fan-out helper scoped to a single call.
package reqsync

import "sync/atomic"

// Synchronizer is constructed with (total, parallel) and torn down once
// all total tasks have completed.
type Synchronizer struct {
	total    int
	quota    chan struct{}
	done     chan struct{}
	finished atomic.Int64
	failures atomic.Int64
}

func New(total, parallel int) *Synchronizer {
	if parallel <= 0 || parallel > total {
		parallel = total
	}
	return &Synchronizer{
		total: total,
		quota: make(chan struct{}, parallel),
		done:  make(chan struct{}, total),
	}
}

// WaitForQuota blocks until fewer than `parallel` tasks are in flight.
func (s *Synchronizer) WaitForQuota() {
	s.quota <- struct{}{}
}

// TaskDone releases the parallel slot and, once all `total` tasks have
// reported in, unblocks WaitForAll.
func (s *Synchronizer) TaskDone(success bool) {
	<-s.quota
	if !success {
		s.failures.Add(1)
	}
	n := s.finished.Add(1)
	s.done <- struct{}{}
	if n == int64(s.total) {
		close(s.done)
	}
}

// WaitForAll blocks until TaskDone has been called exactly `total` times.
func (s *Synchronizer) WaitForAll() {
	for range s.done {
	}
}

func (s *Synchronizer) FailureCount() int64 { return s.failures.Load() }
