// Package throttle implements the Throttle Manager (C13): a per-process
// fair-share gate over a fixed 1024-slot hash table, with primary/secondary
// byte and ops shares reassigned every interval and an optional load-shed
// redirect when a slot has been hit recently.
//
// The byte/ops share bookkeeping is the bespoke primary/secondary/steal
// scheme spec.md §4.13 describes and testable property 6 pins down exactly
// — that can't be expressed as a drop-in token bucket. What SPEC_FULL.md's
// domain stack wires in is golang.org/x/time/rate for the per-slot ops
// dimension, replacing a second hand-rolled counter with the same
// rate.Limiter the teacher's ThrottledWriter already leans on for bytes.
package throttle

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xrdgo/xrdcl/internal/status"
)

const numSlots = 1024

// Config mirrors the config.Throttle directive group.
type Config struct {
	BytesPerSecond int64
	OpsPerSecond   int64
	Concurrency    int
	Interval       time.Duration
	LoadShedHost   string
	LoadShedFreq   float64
}

type slot struct {
	mu             sync.Mutex
	primaryBytes   int64
	secondaryBytes int64
	opLimiter      *rate.Limiter
	active         bool // touched since the last reassignment
	lastHit        time.Time
}

// Manager is the per-process fair-share gate.
type Manager struct {
	logger *slog.Logger
	cfg    Config

	slots [numSlots]*slot

	mu   sync.Mutex
	cond *sync.Cond

	caps *entityCaps

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(logger *slog.Logger, cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	m := &Manager{
		logger: logger,
		cfg:    cfg,
		caps:   newEntityCaps(),
		stop:   make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	for i := range m.slots {
		m.slots[i] = &slot{opLimiter: rate.NewLimiter(rate.Inf, 1)}
	}
	// Seed the first interval's shares before the ticker loop starts, so
	// an Apply at t=0 draws on a real primary share instead of blocking on
	// the condvar until the first tick.
	m.reassign()
	m.wg.Add(1)
	go m.reassignLoop()
	return m
}

func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func slotIndex(uid string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uid))
	return int(h.Sum32() % numSlots)
}

// reassignLoop redistributes bytesPerSecond*interval/activeUsers to every
// active slot's primary share every interval, moving the previous primary
// to secondary, then broadcasts so any Apply blocked on a condvar re-checks.
func (m *Manager) reassignLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reassign()
		}
	}
}

func (m *Manager) reassign() {
	active := 0
	for _, s := range m.slots {
		s.mu.Lock()
		if s.active {
			active++
		}
		s.mu.Unlock()
	}
	if active == 0 {
		active = 1
	}

	share := m.cfg.BytesPerSecond * int64(m.cfg.Interval/time.Second) / int64(active)
	opShare := m.cfg.OpsPerSecond / int64(active)

	for _, s := range m.slots {
		s.mu.Lock()
		s.secondaryBytes = s.primaryBytes
		s.primaryBytes = share
		if m.cfg.OpsPerSecond > 0 {
			s.opLimiter.SetLimit(rate.Limit(opShare))
			s.opLimiter.SetBurst(int(opShare) + 1)
		}
		s.active = false
		s.mu.Unlock()
	}

	m.mu.Lock()
	m.cond.Broadcast()
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Debug("throttle reassigned", "active_users", active, "primary_share", share)
	}
}

// Apply subtracts bytes/ops from uid's slot (primary, then secondary, then
// stolen from idle secondary elsewhere), blocking on the reassignment
// condvar if nothing is available yet. Returns status.Throttled only if
// ctx is cancelled while waiting.
func (m *Manager) Apply(ctx context.Context, bytes int64, ops int64, uid string) status.Status {
	if m.cfg.BytesPerSecond <= 0 && m.cfg.OpsPerSecond <= 0 {
		return status.New(status.OK)
	}
	s := m.slots[slotIndex(uid)]

	if m.cfg.OpsPerSecond > 0 && ops > 0 {
		if err := s.opLimiter.WaitN(ctx, int(ops)); err != nil {
			return status.Wrap(status.Throttled, 0, err)
		}
	}

	for {
		s.mu.Lock()
		s.active = true
		if bytes <= 0 {
			s.mu.Unlock()
			return status.New(status.OK)
		}
		if s.primaryBytes >= bytes {
			s.primaryBytes -= bytes
			s.mu.Unlock()
			return status.New(status.OK)
		}
		remainder := bytes - s.primaryBytes
		s.primaryBytes = 0
		if s.secondaryBytes >= remainder {
			s.secondaryBytes -= remainder
			s.mu.Unlock()
			return status.New(status.OK)
		}
		remainder -= s.secondaryBytes
		s.secondaryBytes = 0
		s.mu.Unlock()

		if m.steal(s, remainder) {
			return status.New(status.OK)
		}

		m.mu.Lock()
		waitErr := m.waitOrCtx(ctx)
		m.mu.Unlock()
		if waitErr != nil {
			return status.Wrap(status.Throttled, 0, waitErr)
		}
	}
}

// steal pulls up to need bytes from other slots' idle secondary shares.
func (m *Manager) steal(self *slot, need int64) bool {
	remaining := need
	for _, other := range m.slots {
		if other == self || remaining <= 0 {
			continue
		}
		other.mu.Lock()
		take := other.secondaryBytes
		if take > remaining {
			take = remaining
		}
		other.secondaryBytes -= take
		other.mu.Unlock()
		remaining -= take
	}
	return remaining <= 0
}

// waitOrCtx blocks on the shared condvar until the next reassignment
// broadcast or ctx is done. m.mu must be held on entry; it is released
// while waiting on the condvar (sync.Cond.Wait's contract) and re-held on
// return, then unlocked by the caller.
func (m *Manager) waitOrCtx(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-done:
		}
	}()
	m.cond.Wait()
	close(done)
	return ctx.Err()
}

// Hit records that uid's slot was throttled this interval, for load-shed.
func (m *Manager) Hit(uid string) {
	s := m.slots[slotIndex(uid)]
	s.mu.Lock()
	s.lastHit = time.Now()
	s.mu.Unlock()
}

// ShouldLoadShed reports whether a fresh request for uid should be
// redirected to the configured backup host: only once uid's slot has been
// hit within the last interval, and then only with LoadShedFreq
// probability (spec.md §4.13).
func (m *Manager) ShouldLoadShed(uid string) (host string, shed bool) {
	if m.cfg.LoadShedHost == "" {
		return "", false
	}
	s := m.slots[slotIndex(uid)]
	s.mu.Lock()
	recentlyHit := time.Since(s.lastHit) < m.cfg.Interval
	s.mu.Unlock()
	if !recentlyHit {
		return "", false
	}
	if rand.Float64() >= m.cfg.LoadShedFreq {
		return "", false
	}
	return m.cfg.LoadShedHost, true
}

// AcquireOpenFile and AcquireOpenConn enforce the per-entity open-file and
// open-connection caps spec.md §4.13 calls out as "a small mutex", not the
// interval-based share scheme above.
func (m *Manager) AcquireOpenFile(entity string, limit int) status.Status {
	return m.caps.acquire(&m.caps.files, entity, limit)
}

func (m *Manager) ReleaseOpenFile(entity string) { m.caps.release(&m.caps.files, entity) }

func (m *Manager) AcquireOpenConn(entity string, limit int) status.Status {
	return m.caps.acquire(&m.caps.conns, entity, limit)
}

func (m *Manager) ReleaseOpenConn(entity string) { m.caps.release(&m.caps.conns, entity) }
