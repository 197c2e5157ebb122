// Package taskmgr implements the Task Manager (C2): a single-threaded
// monotonic timer wheel. Tasks are kept short — anything that might block
// is expected to be handed off to the Job Manager (internal/jobmgr) by the
// task's own Run implementation.
package taskmgr

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// Task is re-armable: Run returns the zero Time to retire, or a future
// absolute time to reschedule. The manager keys its bookkeeping by the Task
// value (UnregisterTask identifies a task by it), so an implementation must
// be a comparable type, typically a pointer; a func or slice type panics.
type Task interface {
	Run(now time.Time) time.Time
}

type scheduled struct {
	task  Task
	when  time.Time
	index int
	// own mirrors the "own" flag from RegisterTask: whether the manager is
	// responsible for anything beyond invoking Run (kept for symmetry with
	// the original API; the Go GC makes explicit ownership moot).
	own bool
}

type taskHeap []*scheduled

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) { s := x.(*scheduled); s.index = len(*h); *h = append(*h, s) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Manager runs one resolution-R runner goroutine and a sorted set of
// pending tasks keyed by absolute execution time.
type Manager struct {
	logger     *slog.Logger
	resolution time.Duration

	mu       sync.Mutex
	heap     taskHeap
	byTask   map[Task]*scheduled
	toRemove map[Task]bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func New(logger *slog.Logger, resolution time.Duration) *Manager {
	if resolution <= 0 {
		resolution = time.Second
	}
	return &Manager{
		logger:     logger,
		resolution: resolution,
		byTask:     make(map[Task]*scheduled),
		toRemove:   make(map[Task]bool),
		wake:       make(chan struct{}, 1),
	}
}

func (m *Manager) Start() {
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.run()
}

func (m *Manager) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	m.wg.Wait()
}

// RegisterTask inserts task to fire at when. own is recorded with the task
// and carried across re-arms; the manager does not otherwise act on it.
func (m *Manager) RegisterTask(task Task, when time.Time, own bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &scheduled{task: task, when: when, own: own}
	m.byTask[task] = s
	heap.Push(&m.heap, s)
	m.nudge()
}

// UnregisterTask queues a removal processed by the runner goroutine, since
// the task may be executing right now.
func (m *Manager) UnregisterTask(task Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toRemove[task] = true
	m.nudge()
}

func (m *Manager) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.resolution)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
		case <-ticker.C:
		}
		m.tick()
	}
}

func (m *Manager) tick() {
	now := time.Now()
	for {
		m.mu.Lock()
		if len(m.heap) == 0 {
			m.mu.Unlock()
			return
		}
		next := m.heap[0]
		if m.toRemove[next.task] {
			heap.Pop(&m.heap)
			delete(m.byTask, next.task)
			delete(m.toRemove, next.task)
			m.mu.Unlock()
			continue
		}
		if next.when.After(now) {
			m.mu.Unlock()
			return
		}
		heap.Pop(&m.heap)
		delete(m.byTask, next.task)
		m.mu.Unlock()

		reschedule := next.task.Run(now)
		if !reschedule.IsZero() {
			m.RegisterTask(next.task, reschedule, next.own)
		}
	}
}
