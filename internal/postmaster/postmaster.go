// Package postmaster implements the Post Master (C9): the process-wide
// directory of Channels keyed by endpoint, and the send/receive/redirect
// façade every other component in the core routes through.
package postmaster

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"github.com/xrdgo/xrdcl/internal/channel"
	"github.com/xrdgo/xrdcl/internal/inqueue"
	"github.com/xrdgo/xrdcl/internal/jobmgr"
	"github.com/xrdgo/xrdcl/internal/message"
	"github.com/xrdgo/xrdcl/internal/reactor"
	"github.com/xrdgo/xrdcl/internal/status"
	"github.com/xrdgo/xrdcl/internal/taskmgr"
	"github.com/xrdgo/xrdcl/internal/xrdurl"
)

// PostMaster is a thread-safe host:port -> Channel directory. The
// constructor does not make it a language-level singleton — that decision
// is left to the process's main() per spec.md §9's "explicit singleton
// with an initializer" design note — but exactly one instance is expected
// per process.
type PostMaster struct {
	logger *slog.Logger

	reactor *reactor.Reactor
	jobs    *jobmgr.Manager
	tasks   *taskmgr.Manager

	mu            sync.Mutex
	channels      map[string]*channel.Channel
	tlsConfig     *tls.Config
	sessionLogDir string

	onConnect func(host string, port int)
}

// secureScheme is the xrdurl.URL scheme that selects a TLS-wrapped Channel,
// XRootD's roots:// convention alongside the default root:// one.
const secureScheme = "roots"

// SetTLSConfig installs the TLS client config used for every roots://
// endpoint resolved from here on; channels already built for a secure
// endpoint before this call keep using the config they were built with.
// A nil cfg (the default) makes Send to a roots:// endpoint fail with
// HandshakeFailed, since there is no certificate material to hand to
// pki.NewClientTLSConfig.
func (pm *PostMaster) SetTLSConfig(cfg *tls.Config) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.tlsConfig = cfg
}

// SetSessionLogDir makes every Channel built from here on write its own
// per-endpoint log file under dir (internal/logging.NewSessionLogger), in
// addition to the process-wide logger. An empty dir (the default) is a
// no-op, matching NewSessionLogger's own behavior.
func (pm *PostMaster) SetSessionLogDir(dir string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.sessionLogDir = dir
}

func New(logger *slog.Logger, jobPoolSize int, taskResolution time.Duration) *PostMaster {
	r := reactor.New(logger)
	r.Start()
	t := taskmgr.New(logger, taskResolution)
	t.Start()
	return &PostMaster{
		logger:   logger,
		reactor:  r,
		jobs:     jobmgr.New(jobPoolSize),
		tasks:    t,
		channels: make(map[string]*channel.Channel),
	}
}

// SetOnConnectHandler installs a process-wide callback fired whenever any
// channel completes its first connect.
func (pm *PostMaster) SetOnConnectHandler(fn func(host string, port int)) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.onConnect = fn
}

func (pm *PostMaster) channelFor(u xrdurl.URL) *channel.Channel {
	key := u.HostPort()
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if ch, ok := pm.channels[key]; ok {
		return ch
	}
	var tlsConfig *tls.Config
	if u.Scheme == secureScheme {
		tlsConfig = pm.tlsConfig
	}
	ch := channel.New(u.Host, u.Port, pm.logger, pm.reactor, pm.jobs, pm.tasks, pm.Redirect, tlsConfig, pm.sessionLogDir)
	ch.RegisterEventHandler(&connectNotifier{pm: pm, host: u.Host, port: u.Port})
	pm.channels[key] = ch
	return ch
}

// connectNotifier adapts the process-wide on-connect callback to the
// Channel's event-handler capability; one is registered per Channel.
type connectNotifier struct {
	pm   *PostMaster
	host string
	port int
}

func (n *connectNotifier) OnChannelEvent(ev channel.Event) {
	if ev != channel.EventConnected {
		return
	}
	n.pm.mu.Lock()
	fn := n.pm.onConnect
	n.pm.mu.Unlock()
	if fn != nil {
		fn(n.host, n.port)
	}
}

// Redirect resubmits rd at a new host/port, transparent to the original
// caller — both the Stream's onRedirect callback target and a public
// entry point for callers that learned of a better endpoint out of band.
func (pm *PostMaster) Redirect(host string, port int, rd message.RequestDescriptor) {
	u := xrdurl.URL{Scheme: "root", Host: host, Port: port}
	ch := pm.channelFor(u)
	st := ch.Send(context.Background(), rd.Msg, rd.Handler, rd.Params.Stateful, rd.Params.Expires)
	if !st.IsOK() {
		rd.Handler.HandleResponse(st, nil)
	}
}

// Send routes to the Channel for u's host:port, creating it on first use.
func (pm *PostMaster) Send(ctx context.Context, u xrdurl.URL, msg *message.Message, handler message.ResponseHandler, stateful bool, expires time.Time) status.Status {
	if u.Scheme == secureScheme {
		pm.mu.Lock()
		noTLS := pm.tlsConfig == nil
		pm.mu.Unlock()
		if noTLS {
			return status.New(status.HandshakeFailed)
		}
	}
	ch := pm.channelFor(u)
	return ch.Send(ctx, msg, handler, stateful, expires)
}

// Receive waits on the target channel's In-Queue for an asynchronous,
// unmatched message.
func (pm *PostMaster) Receive(u xrdurl.URL, filter inqueue.Filter, timeout time.Duration) (*message.Message, error) {
	ch := pm.channelFor(u)
	return ch.Receive(filter, timeout)
}

func (pm *PostMaster) ForceDisconnect(u xrdurl.URL) {
	ch := pm.channelFor(u)
	ch.ForceDisconnect()
}

func (pm *PostMaster) QueryTransport(u xrdurl.URL) interface{} {
	ch := pm.channelFor(u)
	return ch.QueryTransport()
}

func (pm *PostMaster) RegisterEventHandler(u xrdurl.URL, h channel.EventHandler) {
	ch := pm.channelFor(u)
	ch.RegisterEventHandler(h)
}

// Finalize stops the reactor/task manager/job pool and every channel's
// session log file, if any; no further Send calls are serviceable
// afterward.
func (pm *PostMaster) Finalize() {
	pm.mu.Lock()
	channels := pm.channels
	pm.mu.Unlock()
	for _, ch := range channels {
		ch.Close()
	}
	pm.tasks.Stop()
	pm.jobs.Stop()
	pm.reactor.Stop()
}

// Reinitialize is the fork-child entry point (spec.md §9): discard
// sockets, rebuild the reactor and pools, drop all channels (their
// sockets belong to the parent).
func (pm *PostMaster) Reinitialize(jobPoolSize int, taskResolution time.Duration) {
	pm.Finalize()

	pm.reactor = reactor.New(pm.logger)
	pm.reactor.Start()
	pm.tasks = taskmgr.New(pm.logger, taskResolution)
	pm.tasks.Start()
	pm.jobs = jobmgr.New(jobPoolSize)

	pm.mu.Lock()
	pm.channels = make(map[string]*channel.Channel)
	pm.mu.Unlock()
}
