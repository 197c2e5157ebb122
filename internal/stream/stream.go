// Package stream implements the Stream (C6) core state machine: one or
// more sub-streams to a single endpoint, a SID-keyed in-flight request
// table, redirect short-circuiting, and the connection-window retry
// policy from spec.md §4.6.
package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/xrdgo/xrdcl/internal/jobmgr"
	"github.com/xrdgo/xrdcl/internal/message"
	"github.com/xrdgo/xrdcl/internal/reactor"
	"github.com/xrdgo/xrdcl/internal/sidpool"
	"github.com/xrdgo/xrdcl/internal/status"
	"github.com/xrdgo/xrdcl/internal/taskmgr"
	"github.com/xrdgo/xrdcl/internal/xrdproto"
)

const (
	defaultConnectionWindow = 120 * time.Second
	defaultDialTimeout      = 10 * time.Second
)

// RedirectHandler resubmits a request at a new endpoint, transparently to
// the original caller; Channel/PostMaster supply the real implementation.
type RedirectHandler func(host string, port int, rd message.RequestDescriptor)

type inflightEntry struct {
	rd      message.RequestDescriptor
	waiting bool // true while paused for kXR_waitresp
}

// Stream drives N sub-streams to one resolved endpoint.
type Stream struct {
	host   string
	port   int
	logger *slog.Logger

	reactor *reactor.Reactor
	jobs    *jobmgr.Manager
	tasks   *taskmgr.Manager
	sids    *sidpool.Pool
	codec   *xrdproto.Codec
	cd      *xrdproto.ChannelData

	tlsConfig *tls.Config // non-nil for a roots:// endpoint

	onRedirect RedirectHandler
	onUp       func()

	mu           sync.Mutex
	addrs        []string
	addrIdx      int
	subStreams   []*SubStream
	rrNext       int
	inflight     map[uint16]*inflightEntry
	errorSince   time.Time
	state        State
	readTimeoutS int
}

func New(host string, port int, logger *slog.Logger, r *reactor.Reactor, jobs *jobmgr.Manager, tasks *taskmgr.Manager, sids *sidpool.Pool, codec *xrdproto.Codec, cd *xrdproto.ChannelData, onRedirect RedirectHandler, tlsConfig *tls.Config) *Stream {
	return &Stream{
		host:       host,
		port:       port,
		logger:     logger,
		reactor:    r,
		jobs:       jobs,
		tasks:      tasks,
		sids:       sids,
		codec:      codec,
		cd:         cd,
		tlsConfig:  tlsConfig,
		onRedirect: onRedirect,
		inflight:   make(map[uint16]*inflightEntry),
		state:      Disconnected,
	}
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetReadTimeoutSeconds configures the per-direction read-readiness
// timeout (spec.md §4.1) the Channel's C2 inactivity tick arms on every
// sub-stream this Stream owns, now and on future reconnects.
func (s *Stream) SetReadTimeoutSeconds(seconds int) {
	s.mu.Lock()
	s.readTimeoutS = seconds
	subs := append([]*SubStream(nil), s.subStreams...)
	s.mu.Unlock()
	for _, ss := range subs {
		ss.SetReadTimeout(seconds)
	}
}

// resolve orders addresses IPv4-before-IPv6 the way XrdNetRegistry/DNS
// resolution is documented to in spec.md §4.6.
func resolve(host string) ([]string, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	sort.SliceStable(ips, func(i, j int) bool {
		return ips[i].To4() != nil && ips[j].To4() == nil
	})
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	return out, nil
}

// EnableLink resolves the endpoint and starts connecting the sub-streams
// the codec's negotiated parallelism calls for.
func (s *Stream) EnableLink(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Connecting || s.state == Connected {
		s.mu.Unlock()
		return nil
	}
	s.state = Connecting
	s.mu.Unlock()

	addrs, err := resolve(s.host)
	if err != nil {
		s.mu.Lock()
		s.state = Error
		s.errorSince = time.Now()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.addrs = addrs
	s.addrIdx = 0
	n := s.codec.MultiplexSubStreams(s.cd)
	s.subStreams = make([]*SubStream, n)
	addr := fmt.Sprintf("%s:%d", addrs[0], s.port)
	for i := 0; i < n; i++ {
		ss := newSubStream(i, addr, s.logger, s.reactor, s.codec, s.cd, s, s.tlsConfig)
		ss.SetReadTimeout(s.readTimeoutS)
		s.subStreams[i] = ss
	}
	subs := append([]*SubStream(nil), s.subStreams...)
	s.mu.Unlock()

	for _, ss := range subs {
		go ss.Connect(ctx, defaultDialTimeout)
	}
	return nil
}

// SetOnConnect installs a callback fired once per Disconnected-to-Connected
// transition, after the first sub-stream finishes its handshake; the
// Channel uses it to raise its EventConnected notification.
func (s *Stream) SetOnConnect(fn func()) {
	s.mu.Lock()
	s.onUp = fn
	s.mu.Unlock()
}

func (s *Stream) onConnected(idx int) {
	s.mu.Lock()
	firstUp := s.state != Connected
	s.state = Connected
	onUp := s.onUp
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Info("substream connected", "host", s.host, "port", s.port, "index", idx)
	}
	if firstUp && onUp != nil {
		onUp()
	}
}

// onConnectError tries the next resolved address until exhausted, then
// enters the connection-window cool-down per spec.md §4.6 Errors.
func (s *Stream) onConnectError(idx int, err error) {
	s.mu.Lock()
	s.addrIdx++
	exhausted := s.addrIdx >= len(s.addrs)
	s.mu.Unlock()

	if !exhausted {
		addr := fmt.Sprintf("%s:%d", s.addrs[s.addrIdx], s.port)
		s.mu.Lock()
		ss := newSubStream(idx, addr, s.logger, s.reactor, s.codec, s.cd, s, s.tlsConfig)
		ss.SetReadTimeout(s.readTimeoutS)
		s.subStreams[idx] = ss
		s.mu.Unlock()
		go ss.Connect(context.Background(), defaultDialTimeout)
		return
	}

	s.mu.Lock()
	s.state = Error
	s.errorSince = time.Now()
	s.mu.Unlock()
	s.failAllStateful(status.New(status.StreamBroken))
	if s.logger != nil {
		s.logger.Warn("stream exhausted address list", "host", s.host, "port", s.port, "error", err)
	}
}

func (s *Stream) onFatalError(idx int, err error) {
	s.mu.Lock()
	s.state = Error
	s.errorSince = time.Now()
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Error("substream fatal error", "index", idx, "error", err)
	}
	s.failAllStateful(status.New(status.StreamDisconnect))
}

func (s *Stream) failAllStateful(st status.Status) {
	s.mu.Lock()
	var toFail []*inflightEntry
	for sid, e := range s.inflight {
		if e.rd.Params.Stateful {
			toFail = append(toFail, e)
			delete(s.inflight, sid)
			s.sids.ReleaseSID(sid)
		}
	}
	s.mu.Unlock()

	for _, e := range toFail {
		e := e
		s.jobs.QueueJob(func(any) { e.rd.Handler.HandleResponse(st, nil) }, nil)
	}
}

// Send is non-blocking: it allocates a SID, registers the handler, and
// queues the framed message on a round-robin sub-stream.
func (s *Stream) Send(ctx context.Context, rd message.RequestDescriptor) error {
	s.mu.Lock()
	connected := s.state == Connected
	inCooldown := s.state == Error && time.Since(s.errorSince) < defaultConnectionWindow
	s.mu.Unlock()

	if inCooldown {
		return status.New(status.StreamBroken)
	}
	if !connected {
		if err := s.EnableLink(ctx); err != nil {
			return err
		}
	}

	sid, err := s.sids.AllocateSID()
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	rd.Msg.SetSID(sid)

	s.mu.Lock()
	s.inflight[sid] = &inflightEntry{rd: rd}
	subs := s.subStreams
	idx := s.rrNext % max1(len(subs))
	s.rrNext++
	s.mu.Unlock()

	if len(subs) == 0 {
		return fmt.Errorf("stream: no sub-streams available")
	}
	return subs[idx].Send(rd.Msg)
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// onIncoming demultiplexes by SID, short-circuits redirects, and otherwise
// hands the response to the registered handler via the Job Manager so the
// reader goroutine is never blocked by user code.
func (s *Stream) onIncoming(idx int, msg *message.Message) {
	sid, st, _ := xrdproto.DecodeResponseHeader(msg)

	s.mu.Lock()
	e, ok := s.inflight[sid]
	s.mu.Unlock()
	if !ok {
		if s.logger != nil {
			s.logger.Warn("response for unknown or timed-out sid", "sid", sid)
		}
		return
	}

	switch st {
	case xrdproto.RespWait:
		// kXR_wait: the server asks the client to hold off and retry the
		// same request after a server-given delay (SPEC_FULL.md §4,
		// supplementing spec.md §9's kXR_waitresp handling). The SID stays
		// registered; the Task Manager re-sends the original message once
		// the delay elapses.
		seconds, ok := xrdproto.DecodeWaitSeconds(msg.Payload)
		if !ok {
			seconds = 1
		}
		if s.tasks != nil {
			s.tasks.RegisterTask(&waitRetryTask{s: s, sid: sid}, time.Now().Add(time.Duration(seconds)*time.Second), true)
		}
		return
	case xrdproto.RespWaitResp:
		// Pause the expiry until the real async response arrives
		// (spec.md §9 open question, resolved in SPEC_FULL.md §4).
		s.mu.Lock()
		e.waiting = true
		s.mu.Unlock()
		return
	case xrdproto.RespRedirect:
		s.mu.Lock()
		delete(s.inflight, sid)
		s.mu.Unlock()
		s.sids.ReleaseSID(sid)

		host, port, _, ok := xrdproto.RedirectTarget(msg.Payload)
		if !ok || s.onRedirect == nil {
			e.rd.Handler.HandleResponse(status.New(status.ServerError), msg)
			return
		}
		s.onRedirect(host, port, e.rd)
		return
	default:
		s.mu.Lock()
		delete(s.inflight, sid)
		s.mu.Unlock()
		s.sids.ReleaseSID(sid)

		st2 := status.New(status.OK)
		if st == xrdproto.RespError {
			st2 = status.New(status.ServerError)
		}
		rd := e.rd
		s.jobs.QueueJob(func(any) { rd.Handler.HandleResponse(st2, msg) }, nil)
	}
}

// Tick is invoked by the owning Channel's C2 task to expire overdue
// in-flight requests and, separately, to retry a cooled-down connection.
func (s *Stream) Tick(now time.Time) {
	s.mu.Lock()
	var expired []struct {
		sid uint16
		e   *inflightEntry
	}
	for sid, e := range s.inflight {
		if e.waiting {
			continue // kXR_waitresp pauses the expiry
		}
		if !e.rd.Params.Expires.IsZero() && now.After(e.rd.Params.Expires) {
			expired = append(expired, struct {
				sid uint16
				e   *inflightEntry
			}{sid, e})
		}
	}
	for _, x := range expired {
		delete(s.inflight, x.sid)
		s.sids.TimeOutSID(x.sid)
	}
	s.mu.Unlock()

	for _, x := range expired {
		e := x.e
		s.jobs.QueueJob(func(any) { e.rd.Handler.HandleResponse(status.New(status.OperationExpired), nil) }, nil)
	}
}

// waitRetryTask is a one-shot taskmgr.Task that re-sends a request still
// registered under sid once a kXR_wait delay has elapsed.
type waitRetryTask struct {
	s   *Stream
	sid uint16
}

func (t *waitRetryTask) Run(now time.Time) time.Time {
	t.s.resendWait(t.sid)
	return time.Time{}
}

// resendWait re-queues the original message for sid on the next
// round-robin sub-stream, without reallocating a SID or re-registering the
// handler — the kXR_wait retry reuses exactly the in-flight entry the
// first send created.
func (s *Stream) resendWait(sid uint16) {
	s.mu.Lock()
	e, ok := s.inflight[sid]
	subs := s.subStreams
	n := len(subs)
	idx := 0
	if n > 0 {
		idx = s.rrNext % n
		s.rrNext++
	}
	s.mu.Unlock()
	if !ok || n == 0 {
		return
	}
	_ = subs[idx].Send(e.rd.Msg)
}

// ForceDisconnect wipes all sub-streams; stateful in-flight requests fail
// with StreamDisconnect, stateless ones are left for the caller to retry
// (spec.md §4.5).
func (s *Stream) ForceDisconnect() {
	s.mu.Lock()
	subs := s.subStreams
	s.subStreams = nil
	s.state = Disconnected
	s.mu.Unlock()

	for _, ss := range subs {
		ss.Close()
	}
	s.failAllStateful(status.New(status.StreamDisconnect))
}
