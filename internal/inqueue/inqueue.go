// Package inqueue implements the In-Queue (C8): a bounded, ordered holding
// area for arrived messages that do not match any in-flight SID handler
// (asynchronous notifications, out-of-band redirects the Stream did not
// originate). Consumers register polymorphic filters and are matched in
// registration order.
package inqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/xrdgo/xrdcl/internal/message"
)

// Filter is a predicate over an arrived Message.
type Filter interface {
	Matches(msg *message.Message) bool
}

type FilterFunc func(msg *message.Message) bool

func (f FilterFunc) Matches(msg *message.Message) bool { return f(msg) }

// Handler is notified once when a filter it registered matches.
type Handler interface {
	HandleMessage(msg *message.Message)
}

type registration struct {
	filter  Filter
	handler Handler
	expires time.Time
}

type pendingEntry struct {
	msg     *message.Message
	expires time.Time
}

// InQueue holds unmatched messages up to retention and a list of pending
// filter registrations, matched in arrival/registration order.
type InQueue struct {
	mu        sync.Mutex
	pending   []pendingEntry
	waiters   []*registration
	retention time.Duration
	cap       int
}

func New(retention time.Duration, capacity int) *InQueue {
	if retention <= 0 {
		retention = 30 * time.Second
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &InQueue{retention: retention, cap: capacity}
}

// AddMessage offers msg to the registered waiters in order; the first
// match consumes it. If nothing matches, the message is retained (subject
// to the bounded capacity/retention) for a handler registered later.
func (q *InQueue) AddMessage(msg *message.Message) {
	q.mu.Lock()
	now := time.Now()
	q.expireLocked(now)

	for i, w := range q.waiters {
		if w.filter.Matches(msg) {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			h := w.handler
			q.mu.Unlock()
			h.HandleMessage(msg)
			return
		}
	}

	if len(q.pending) >= q.cap {
		q.pending = q.pending[1:]
	}
	q.pending = append(q.pending, pendingEntry{msg: msg, expires: now.Add(q.retention)})
	q.mu.Unlock()
}

// AddMessageHandler registers handler against filter; if a retained
// pending message already matches, it fires immediately.
func (q *InQueue) AddMessageHandler(filter Filter, handler Handler, expires time.Time) {
	q.mu.Lock()
	now := time.Now()
	q.expireLocked(now)

	for i, p := range q.pending {
		if filter.Matches(p.msg) {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.mu.Unlock()
			handler.HandleMessage(p.msg)
			return
		}
	}

	q.waiters = append(q.waiters, &registration{filter: filter, handler: handler, expires: expires})
	q.mu.Unlock()
}

// RemoveMessageHandler cancels a registration before it has fired.
func (q *InQueue) RemoveMessageHandler(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w.handler == handler {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

func (q *InQueue) expireLocked(now time.Time) {
	live := q.pending[:0]
	for _, p := range q.pending {
		if p.expires.After(now) {
			live = append(live, p)
		}
	}
	q.pending = live

	liveW := q.waiters[:0]
	for _, w := range q.waiters {
		if w.expires.IsZero() || w.expires.After(now) {
			liveW = append(liveW, w)
		}
	}
	q.waiters = liveW
}

var ErrExpired = fmt.Errorf("inqueue: operation expired")

type syncHandler struct {
	ch chan *message.Message
}

func (h *syncHandler) HandleMessage(msg *message.Message) { h.ch <- msg }

// Receive blocks the caller until a filter-matching message is available
// or timeout elapses, returning ErrExpired in the latter case.
func (q *InQueue) Receive(filter Filter, timeout time.Duration) (*message.Message, error) {
	h := &syncHandler{ch: make(chan *message.Message, 1)}
	q.AddMessageHandler(filter, h, time.Now().Add(timeout))

	select {
	case msg := <-h.ch:
		return msg, nil
	case <-time.After(timeout):
		q.RemoveMessageHandler(h)
		select {
		case msg := <-h.ch:
			return msg, nil
		default:
			return nil, ErrExpired
		}
	}
}
