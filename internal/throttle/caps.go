package throttle

import (
	"sync"

	"github.com/xrdgo/xrdcl/internal/status"
)

// entityCaps enforces per-entity open-file and open-connection counts
// under small dedicated mutexes, independent of the interval-based
// byte/ops share above (spec.md §4.13).
type entityCaps struct {
	files capTable
	conns capTable
}

type capTable struct {
	mu     sync.Mutex
	counts map[string]int
}

func newEntityCaps() *entityCaps {
	return &entityCaps{
		files: capTable{counts: make(map[string]int)},
		conns: capTable{counts: make(map[string]int)},
	}
}

func (c *entityCaps) acquire(t *capTable, entity string, limit int) status.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit > 0 && t.counts[entity] >= limit {
		return status.New(status.LimitHit)
	}
	t.counts[entity]++
	return status.New(status.OK)
}

func (c *entityCaps) release(t *capTable, entity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[entity] > 0 {
		t.counts[entity]--
	}
	if t.counts[entity] == 0 {
		delete(t.counts, entity)
	}
}
