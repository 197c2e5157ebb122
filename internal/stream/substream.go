package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xrdgo/xrdcl/internal/message"
	"github.com/xrdgo/xrdcl/internal/reactor"
	"github.com/xrdgo/xrdcl/internal/xrdproto"
)

const (
	defaultWriteTimeout    = 30 * time.Second
	defaultInactivityTimeo = 0 // disabled unless the owning Channel arms it
)

// subStreamCallbacks is how a SubStream reports readiness events up to its
// owning Stream, which holds the SID-to-handler map and redirect logic.
type subStreamCallbacks interface {
	onConnected(idx int)
	onConnectError(idx int, err error)
	onIncoming(idx int, msg *message.Message)
	onFatalError(idx int, err error)
}

// SubStream is one TCP connection plus an outgoing FIFO queue, matching
// spec.md §3's Sub-stream data model. Sends within one sub-stream leave
// the socket in submission order (spec.md §4.6 Ordering).
type SubStream struct {
	index     int
	addr      string
	logger    *slog.Logger
	reactor   *reactor.Reactor
	codec     *xrdproto.Codec
	cd        *xrdproto.ChannelData
	cb        subStreamCallbacks
	tlsConfig *tls.Config // non-nil for a roots:// endpoint

	state atomic.Int32 // State

	readTimeoutS atomic.Int32 // per-direction read-readiness timeout; 0 = none

	mu       sync.Mutex
	conn     net.Conn
	outQueue chan *message.Message

	closeOnce sync.Once
	done      chan struct{}
}

func newSubStream(idx int, addr string, logger *slog.Logger, r *reactor.Reactor, codec *xrdproto.Codec, cd *xrdproto.ChannelData, cb subStreamCallbacks, tlsConfig *tls.Config) *SubStream {
	ss := &SubStream{
		index:     idx,
		addr:      addr,
		logger:    logger,
		reactor:   r,
		codec:     codec,
		cd:        cd,
		cb:        cb,
		tlsConfig: tlsConfig,
		outQueue:  make(chan *message.Message, 256),
		done:      make(chan struct{}),
	}
	ss.state.Store(int32(Disconnected))
	return ss
}

func (ss *SubStream) State() State { return State(ss.state.Load()) }

// Connect dials addr with a blocking DialContext (Stream always runs it on
// its own goroutine), registers the socket with the reactor and runs the
// handshake. The connect() itself is not non-blocking, and its completion
// is not signalled through a reactor write-readiness wait.
func (ss *SubStream) Connect(ctx context.Context, dialTimeout time.Duration) {
	ss.state.Store(int32(Connecting))
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", ss.addr)
	if err != nil {
		ss.state.Store(int32(Error))
		ss.cb.onConnectError(ss.index, err)
		return
	}

	if ss.tlsConfig != nil {
		ss.connectSecure(ctx, conn)
		return
	}

	ss.mu.Lock()
	ss.conn = conn
	ss.mu.Unlock()

	if err := ss.reactor.AddSocket(conn, ss); err != nil {
		ss.state.Store(int32(Error))
		ss.cb.onConnectError(ss.index, err)
		return
	}
	// DialContext has already completed connect(), and the runtime poller
	// consumed that writability edge while dialing, so a write-readiness
	// wait armed now would not fire on an idle socket: go straight to the
	// handshake.
	ss.OnWriteReady()
}

// connectSecure completes the TLS handshake for a roots:// sub-stream and
// brings it up without ever registering it with the reactor: *tls.Conn
// does not implement syscall.Conn, so AddSocket cannot take its raw fd, and
// raw-fd readiness would not correspond to decrypted record boundaries
// even if it could. A secure sub-stream is instead driven by its own
// blocking reader goroutine, the same role OnReadReady/readOne play for a
// plaintext one. Connect already runs off the caller's goroutine (Stream
// only ever invokes it via `go ss.Connect(...)`), so the blocking
// handshake here never stalls the reactor's single dispatch goroutine.
func (ss *SubStream) connectSecure(ctx context.Context, raw net.Conn) {
	tconn := tls.Client(raw, ss.tlsConfig)
	if err := tconn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		ss.state.Store(int32(Error))
		ss.cb.onConnectError(ss.index, err)
		return
	}

	ss.mu.Lock()
	ss.conn = tconn
	ss.mu.Unlock()

	if err := ss.codec.HandShake(ss.cd, ss.index, tconn); err != nil {
		ss.state.Store(int32(Error))
		ss.cb.onConnectError(ss.index, err)
		return
	}

	ss.state.Store(int32(Connected))
	go ss.writeLoop(tconn)
	go ss.secureReadLoop(tconn)
	ss.cb.onConnected(ss.index)
}

// OnWriteReady runs the handshake on a freshly dialed, connected socket;
// Connect calls it directly once the socket is registered.
func (ss *SubStream) OnWriteReady() {
	if ss.State() != Connecting {
		return
	}
	ss.mu.Lock()
	conn := ss.conn
	ss.mu.Unlock()
	if conn == nil {
		return
	}

	if err := ss.codec.HandShake(ss.cd, ss.index, conn); err != nil {
		ss.state.Store(int32(Error))
		ss.cb.onConnectError(ss.index, err)
		return
	}

	ss.state.Store(int32(Connected))
	go ss.writeLoop(conn)
	ss.armRead(conn)
	ss.cb.onConnected(ss.index)
}

func (ss *SubStream) OnWriteTimeout() {
	if ss.State() == Connecting {
		ss.state.Store(int32(Error))
		ss.cb.onConnectError(ss.index, fmt.Errorf("substream %d: connect timed out", ss.index))
	}
}

// SetReadTimeout configures the per-direction inactivity timeout the
// reactor enforces on this sub-stream's read-readiness wait (spec.md §4.1).
// 0 disables the timeout; it takes effect on the next armRead.
func (ss *SubStream) SetReadTimeout(seconds int) { ss.readTimeoutS.Store(int32(seconds)) }

// armRead registers a one-shot read-readiness wait with the reactor. This
// is the only place SubStream asks for read notifications — the reactor,
// not a blocking goroutine, is what learns when the socket has bytes
// (spec.md §4.1/§4.6): the socket is only actually read from inside
// readOne, once the reactor has confirmed it.
func (ss *SubStream) armRead(conn net.Conn) {
	_ = ss.reactor.EnableReadNotification(conn, true, int(ss.readTimeoutS.Load()))
}

// OnReadReady is delivered by the reactor once the socket has bytes
// available. The actual (potentially multi-read) frame reassembly runs on
// its own goroutine rather than the reactor's single dispatch goroutine,
// so one slow peer can never stall readiness delivery for every other
// registered socket.
func (ss *SubStream) OnReadReady() {
	if ss.State() != Connected {
		return
	}
	ss.mu.Lock()
	conn := ss.conn
	ss.mu.Unlock()
	if conn == nil {
		return
	}
	go ss.readOne(conn)
}

// OnReadTimeout fires when no byte arrived within the configured
// inactivity window. Per spec.md §4.6, a read timeout with nothing
// in-flight is not fatal — the Stream/Channel decide whether to escalate
// via Tick; the sub-stream itself just re-arms and keeps listening.
func (ss *SubStream) OnReadTimeout() {
	if ss.State() != Connected {
		return
	}
	ss.mu.Lock()
	conn := ss.conn
	ss.mu.Unlock()
	if conn == nil {
		return
	}
	ss.armRead(conn)
}

// Send enqueues msg for this sub-stream's writer goroutine; FIFO within
// the sub-stream is guaranteed by the single consumer of outQueue.
func (ss *SubStream) Send(msg *message.Message) error {
	select {
	case ss.outQueue <- msg:
		return nil
	case <-ss.done:
		return fmt.Errorf("substream %d: closed", ss.index)
	}
}

func (ss *SubStream) writeLoop(conn net.Conn) {
	for {
		select {
		case <-ss.done:
			return
		case msg := <-ss.outQueue:
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if _, err := conn.Write(msg.Header[:]); err != nil {
				ss.fail(err)
				return
			}
			if len(msg.Payload) > 0 {
				if _, err := conn.Write(msg.Payload); err != nil {
					ss.fail(err)
					return
				}
			}
		}
	}
}

// readOne reassembles exactly one Message off conn, which the reactor has
// just reported as read-ready, then re-arms the next wait. Running one
// message per readiness notification (rather than a free-running loop)
// keeps the sub-stream's on-wire read path gated by the reactor.
func (ss *SubStream) readOne(conn net.Conn) {
	msg := &message.Message{}
	if err := ss.codec.GetHeader(msg, conn); err != nil {
		ss.fail(err)
		return
	}
	_, _, payloadLen := xrdproto.DecodeResponseHeader(msg)
	if err := ss.codec.GetBody(msg, conn, payloadLen); err != nil {
		ss.fail(err)
		return
	}
	select {
	case <-ss.done:
		return
	default:
	}
	ss.cb.onIncoming(ss.index, msg)
	ss.armRead(conn)
}

// secureReadLoop is connectSecure's free-running counterpart to
// OnReadReady/readOne: a TLS sub-stream has no reactor registration to
// re-arm between messages, so it just keeps reassembling frames off conn
// until the connection fails or Close is called.
func (ss *SubStream) secureReadLoop(conn net.Conn) {
	for {
		msg := &message.Message{}
		if err := ss.codec.GetHeader(msg, conn); err != nil {
			ss.fail(err)
			return
		}
		_, _, payloadLen := xrdproto.DecodeResponseHeader(msg)
		if err := ss.codec.GetBody(msg, conn, payloadLen); err != nil {
			ss.fail(err)
			return
		}
		select {
		case <-ss.done:
			return
		default:
		}
		ss.cb.onIncoming(ss.index, msg)
	}
}

func (ss *SubStream) fail(err error) {
	if ss.State() == Disconnected {
		return
	}
	ss.state.Store(int32(Error))
	ss.cb.onFatalError(ss.index, err)
}

// Close tears down the socket and stops the goroutine pair.
func (ss *SubStream) Close() {
	ss.closeOnce.Do(func() {
		close(ss.done)
		ss.mu.Lock()
		conn := ss.conn
		ss.mu.Unlock()
		if conn != nil {
			_ = ss.reactor.RemoveSocket(conn)
			_ = conn.Close()
		}
		ss.state.Store(int32(Disconnected))
	})
}
