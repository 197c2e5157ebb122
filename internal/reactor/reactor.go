// Package reactor implements the Reactor/Poller (C1): one non-blocking I/O
// event loop per process, exposing per-socket read/write readiness with
// per-direction timeouts. Registration calls may come from any goroutine;
// they are serialized by an internal lock, but every readiness/timeout
// callback is dispatched from the single loop goroutine, matching the
// "no handler runs concurrently with another" contract the Stream (C6)
// relies on.
//
// Go's runtime netpoller already is a non-blocking I/O reactor; this
// package rides it via (net.Conn).(syscall.Conn).SyscallConn().Read/Write,
// whose callback fires only once the fd is actually ready, without
// consuming any bytes — the same semantics as the C1 contract.
package reactor

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"
)

// SocketHandler is the polymorphic capability a registered socket is
// driven through.
type SocketHandler interface {
	OnReadReady()
	OnWriteReady()
	OnReadTimeout()
	OnWriteTimeout()
}

type entry struct {
	conn     net.Conn
	raw      syscall.RawConn
	handler  SocketHandler
	mu       sync.Mutex
	readGen  int
	writeGen int
}

// Reactor owns the registration table and the single dispatch goroutine.
type Reactor struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[net.Conn]*entry
	events  chan func()
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

func New(logger *slog.Logger) *Reactor {
	return &Reactor{
		logger:  logger,
		entries: make(map[net.Conn]*entry),
		events:  make(chan func(), 256),
	}
}

// Start launches the single event-loop goroutine. Idempotent.
func (r *Reactor) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.loop(r.stop)
}

func (r *Reactor) loop(stop chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-stop:
			return
		case fn := <-r.events:
			fn()
		}
	}
}

// Stop is synchronous: it returns only after the loop goroutine has exited.
func (r *Reactor) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop := r.stop
	r.mu.Unlock()

	close(stop)
	r.wg.Wait()
}

// AddSocket registers conn under handler. Fails with an error if conn is
// already registered.
func (r *Reactor) AddSocket(conn net.Conn, handler SocketHandler) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("reactor: connection type %T does not support raw access", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("reactor: obtaining raw conn: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[conn]; exists {
		return fmt.Errorf("reactor: socket already registered")
	}
	r.entries[conn] = &entry{conn: conn, raw: raw, handler: handler}
	return nil
}

// RemoveSocket unregisters conn; pending waits are abandoned (their
// generation counter is bumped so a late fire is a no-op).
func (r *Reactor) RemoveSocket(conn net.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[conn]
	if !ok {
		return fmt.Errorf("reactor: unknown socket")
	}
	e.mu.Lock()
	e.readGen++
	e.writeGen++
	e.mu.Unlock()
	delete(r.entries, conn)
	return nil
}

func (r *Reactor) IsRegistered(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[conn]
	return ok
}

func (r *Reactor) lookup(conn net.Conn) (*entry, error) {
	r.mu.Lock()
	e, ok := r.entries[conn]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("reactor: unknown socket")
	}
	return e, nil
}

// EnableReadNotification arms (on=true) or disarms (on=false) a one-shot
// read-readiness wait with the given per-direction timeout. When it fires,
// OnReadReady (or OnReadTimeout) runs on the reactor's loop goroutine.
func (r *Reactor) EnableReadNotification(conn net.Conn, on bool, timeoutS int) error {
	e, err := r.lookup(conn)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.readGen++
	gen := e.readGen
	e.mu.Unlock()
	if !on {
		return nil
	}
	go r.waitRead(e, gen, time.Duration(timeoutS)*time.Second)
	return nil
}

func (r *Reactor) EnableWriteNotification(conn net.Conn, on bool, timeoutS int) error {
	e, err := r.lookup(conn)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.writeGen++
	gen := e.writeGen
	e.mu.Unlock()
	if !on {
		return nil
	}
	go r.waitWrite(e, gen, time.Duration(timeoutS)*time.Second)
	return nil
}

// waitReady drives one readiness wait through a RawConn Read/Write: the
// runtime invokes the callback once immediately, so the first call must
// return false to actually park until the fd is ready (or the deadline
// fires), and the second call ends the wait without touching any bytes.
func waitReady(wait func(func(fd uintptr) bool) error) error {
	first := true
	return wait(func(fd uintptr) bool {
		if first {
			first = false
			return false
		}
		return true
	})
}

func (r *Reactor) waitRead(e *entry, gen int, timeout time.Duration) {
	if timeout > 0 {
		_ = e.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	err := waitReady(e.raw.Read)
	_ = e.conn.SetReadDeadline(time.Time{})

	e.mu.Lock()
	stale := gen != e.readGen
	e.mu.Unlock()
	if stale {
		return
	}
	if isTimeout(err) {
		r.post(e.handler.OnReadTimeout)
		return
	}
	r.post(e.handler.OnReadReady)
}

func (r *Reactor) waitWrite(e *entry, gen int, timeout time.Duration) {
	if timeout > 0 {
		_ = e.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := waitReady(e.raw.Write)
	_ = e.conn.SetWriteDeadline(time.Time{})

	e.mu.Lock()
	stale := gen != e.writeGen
	e.mu.Unlock()
	if stale {
		return
	}
	if isTimeout(err) {
		r.post(e.handler.OnWriteTimeout)
		return
	}
	r.post(e.handler.OnWriteReady)
}

func (r *Reactor) post(fn func()) {
	select {
	case r.events <- fn:
	case <-r.stop:
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// AfterFork re-initializes the reactor in the child after a fork: every
// registered socket is dropped (they belong to the parent's address space
// semantics even though fds are inherited) and the loop is restarted clean,
// matching spec.md §9's AfterFork design note.
func (r *Reactor) AfterFork() {
	r.Stop()
	r.mu.Lock()
	r.entries = make(map[net.Conn]*entry)
	r.mu.Unlock()
	r.Start()
}
