// Package channel implements the Channel (C5): the per-endpoint front
// door owning a Stream (created with the Channel, connected on first Send;
// it is not constructed lazily), the In-Queue for unmatched
// messages, and a periodic inactivity tick driven by the Task Manager.
package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/xrdgo/xrdcl/internal/inqueue"
	"github.com/xrdgo/xrdcl/internal/jobmgr"
	"github.com/xrdgo/xrdcl/internal/logging"
	"github.com/xrdgo/xrdcl/internal/message"
	"github.com/xrdgo/xrdcl/internal/reactor"
	"github.com/xrdgo/xrdcl/internal/sidpool"
	"github.com/xrdgo/xrdcl/internal/status"
	"github.com/xrdgo/xrdcl/internal/stream"
	"github.com/xrdgo/xrdcl/internal/taskmgr"
	"github.com/xrdgo/xrdcl/internal/xrdproto"
)

const (
	tickPeriod = 5 * time.Second

	// socketInactivityTimeoutS is the per-direction read-readiness window
	// (spec.md §4.1) the Channel arms on its Stream's sub-streams: a
	// socket idle longer than this without a byte arriving fires
	// OnReadTimeout, which the Stream (C6) treats as non-fatal absent any
	// in-flight request per spec.md §4.6.
	socketInactivityTimeoutS = 60
)

// Event is one of the transitions a ChannelEventHandler is invoked on.
type Event int

const (
	EventConnected Event = iota
	EventBroken
	EventReconnecting
	EventFatal
)

// EventHandler is the polymorphic capability for channel lifecycle
// notifications (spec.md §4.5).
type EventHandler interface {
	OnChannelEvent(ev Event)
}

// Channel is one per endpoint (host:port); the PostMaster owns the map.
type Channel struct {
	host, port string
	logger     *slog.Logger

	codec *xrdproto.Codec
	cd    *xrdproto.ChannelData
	sids  *sidpool.Pool
	inq   *inqueue.InQueue

	reactor *reactor.Reactor
	jobs    *jobmgr.Manager
	tasks   *taskmgr.Manager

	tlsConfig *tls.Config // non-nil for a roots:// endpoint
	logCloser io.Closer

	mu       sync.Mutex
	strm     *stream.Stream
	handlers []EventHandler

	redirect func(host string, port int, rd message.RequestDescriptor)
}

// New constructs a Channel; portNum is carried separately from host since
// xrdurl.URL already split them. tlsConfig is nil for a plain root://
// endpoint; non-nil wraps every sub-stream's connection in TLS for a
// roots:// one. sessionLogDir, if non-empty, gives this Channel (and the
// Stream it owns) a dedicated per-endpoint log file alongside the base
// logger (internal/logging.NewSessionLogger); empty is a no-op.
func New(host string, portNum int, baseLogger *slog.Logger, r *reactor.Reactor, jobs *jobmgr.Manager, tasks *taskmgr.Manager, redirect func(string, int, message.RequestDescriptor), tlsConfig *tls.Config, sessionLogDir string) *Channel {
	logger := baseLogger
	sessionID := fmt.Sprintf("%s_%d", host, portNum)
	sessioned, closer, _, err := logging.NewSessionLogger(baseLogger, sessionLogDir, "channel", sessionID)
	if err != nil {
		if baseLogger != nil {
			baseLogger.Warn("channel: could not open session log, using base logger", "endpoint", sessionID, "error", err)
		}
	} else {
		logger = sessioned
	}

	c := &Channel{
		host:      host,
		port:      fmt.Sprintf("%d", portNum),
		logger:    logger,
		logCloser: closer,
		codec:     xrdproto.NewCodec(),
		cd:        &xrdproto.ChannelData{},
		sids:      sidpool.New(),
		inq:       inqueue.New(30*time.Second, 256),
		reactor:   r,
		jobs:      jobs,
		tasks:     tasks,
		tlsConfig: tlsConfig,
		redirect:  redirect,
	}
	c.strm = stream.New(host, portNum, logger, r, jobs, tasks, c.sids, c.codec, c.cd, c.onStreamRedirect, c.tlsConfig)
	c.strm.SetReadTimeoutSeconds(socketInactivityTimeoutS)
	c.strm.SetOnConnect(func() { c.notify(EventConnected) })
	c.tasks.RegisterTask(c, time.Now().Add(tickPeriod), true)
	return c
}

// Close releases this channel's session log file, if one was opened; safe
// to call even when sessionLogDir was empty (logCloser is then a no-op
// closer).
func (c *Channel) Close() {
	c.mu.Lock()
	closer := c.logCloser
	c.mu.Unlock()
	if closer != nil {
		_ = closer.Close()
	}
}

func (c *Channel) onStreamRedirect(host string, port int, rd message.RequestDescriptor) {
	if c.redirect != nil {
		c.redirect(host, port, rd)
	}
}

// Run implements taskmgr.Task: the per-channel inactivity tick.
func (c *Channel) Run(now time.Time) time.Time {
	c.mu.Lock()
	strm := c.strm
	c.mu.Unlock()
	if strm != nil {
		strm.Tick(now)
	}
	return now.Add(tickPeriod)
}

// Send enqueues a request on this channel's Stream; returns OK if
// accepted (spec.md §4.5). The Stream connects on this call if it is not
// connected; the Stream object itself already exists from New.
func (c *Channel) Send(ctx context.Context, msg *message.Message, handler message.ResponseHandler, stateful bool, expires time.Time) status.Status {
	rd := message.RequestDescriptor{
		Msg:     msg,
		Handler: handler,
		Params:  message.SendParams{Expires: expires, Stateful: stateful, FollowRedirects: true},
	}
	c.mu.Lock()
	strm := c.strm
	c.mu.Unlock()

	if err := strm.Send(ctx, rd); err != nil {
		if st, ok := err.(status.Status); ok {
			return st
		}
		return status.Wrap(status.SocketError, 0, err)
	}
	return status.New(status.OK)
}

// Receive waits for an unmatched (asynchronous) message matching filter.
func (c *Channel) Receive(filter inqueue.Filter, timeout time.Duration) (*message.Message, error) {
	return c.inq.Receive(filter, timeout)
}

// InQueue exposes the in-queue so the transport's async-notification path
// can feed it directly (e.g. server-pushed events outside any SID).
func (c *Channel) InQueue() *inqueue.InQueue { return c.inq }

// ForceDisconnect wipes all sub-streams of the Stream; stateful requests
// fail, stateless ones may be retried by the caller once reconnected.
func (c *Channel) ForceDisconnect() {
	c.mu.Lock()
	strm := c.strm
	c.mu.Unlock()
	strm.ForceDisconnect()
	c.notify(EventBroken)
}

// ForceReconnect tears down the Stream and immediately replaces it with a
// fresh, unconnected one, which connects on the next Send.
func (c *Channel) ForceReconnect() {
	c.mu.Lock()
	c.strm.ForceDisconnect()
	c.strm = stream.New(c.host, mustAtoi(c.port), c.logger, c.reactor, c.jobs, c.tasks, c.sids, c.codec, c.cd, c.onStreamRedirect, c.tlsConfig)
	c.strm.SetReadTimeoutSeconds(socketInactivityTimeoutS)
	c.strm.SetOnConnect(func() { c.notify(EventConnected) })
	c.mu.Unlock()
	c.notify(EventReconnecting)
}

func mustAtoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

func (c *Channel) RegisterEventHandler(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Channel) RemoveEventHandler(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, eh := range c.handlers {
		if eh == h {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			return
		}
	}
}

func (c *Channel) notify(ev Event) {
	c.mu.Lock()
	handlers := append([]EventHandler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h.OnChannelEvent(ev)
	}
}

// QueryTransport exposes the negotiated channel state bag read-only, for
// diagnostics and the File State Handler's session bookkeeping.
func (c *Channel) QueryTransport() xrdproto.ChannelData {
	return *c.cd
}
