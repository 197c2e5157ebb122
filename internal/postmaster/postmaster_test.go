package postmaster

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xrdgo/xrdcl/internal/message"
	"github.com/xrdgo/xrdcl/internal/status"
	"github.com/xrdgo/xrdcl/internal/xrdproto"
	"github.com/xrdgo/xrdcl/internal/xrdurl"
)

// fakeServer accepts one connection, performs the handshake and login
// exchanges the codec expects, then answers each 24-byte request via
// respond. It counts the requests it saw per request code.
type fakeServer struct {
	ln      net.Listener
	opens   atomic.Int64
	respond func(sid uint16, code xrdproto.RequestCode) (xrdproto.RespStatus, []byte)
}

func newFakeServer(t *testing.T, respond func(sid uint16, code xrdproto.RequestCode) (xrdproto.RespStatus, []byte)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	s := &fakeServer{ln: ln, respond: respond}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.session(conn)
	}
}

func (s *fakeServer) session(conn net.Conn) {
	defer conn.Close()

	// Handshake preamble: 20 bytes in, 8 bytes (flavor + protocol) out.
	var preamble [20]byte
	if _, err := io.ReadFull(conn, preamble[:]); err != nil {
		return
	}
	var hsResp [8]byte
	binary.BigEndian.PutUint32(hsResp[4:8], xrdproto.ProtocolVersion)
	if _, err := conn.Write(hsResp[:]); err != nil {
		return
	}

	// Login: 24-byte request in, 8-byte response header + 16-byte session out.
	var loginReq [24]byte
	if _, err := io.ReadFull(conn, loginReq[:]); err != nil {
		return
	}
	var loginResp [8 + 16]byte
	binary.BigEndian.PutUint32(loginResp[4:8], 16)
	for i := 0; i < 16; i++ {
		loginResp[8+i] = byte(i + 1)
	}
	if _, err := conn.Write(loginResp[:]); err != nil {
		return
	}

	// User requests: 24-byte headers, answered through respond.
	for {
		var hdr [message.HeaderSize]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		sid := binary.BigEndian.Uint16(hdr[0:2])
		code := xrdproto.RequestCode(binary.BigEndian.Uint16(hdr[2:4]))
		plen := binary.BigEndian.Uint32(hdr[20:24])
		if plen > 0 {
			if _, err := io.CopyN(io.Discard, conn, int64(plen)); err != nil {
				return
			}
		}
		if code == xrdproto.ReqOpen {
			s.opens.Add(1)
		}

		st, payload := s.respond(sid, code)
		resp := message.New(len(payload))
		copy(resp.Payload, payload)
		xrdproto.EncodeResponseHeader(resp, sid, st)
		if _, err := conn.Write(resp.Header[:]); err != nil {
			return
		}
		if len(payload) > 0 {
			if _, err := conn.Write(resp.Payload); err != nil {
				return
			}
		}
	}
}

// redirectPayload encodes a kXR_redirect body pointing at host:port.
func redirectPayload(host string, port int) []byte {
	out := make([]byte, 4+len(host))
	binary.BigEndian.PutUint32(out[0:4], uint32(port))
	copy(out[4:], host)
	return out
}

type collectingHandler struct {
	ch chan status.Status
}

func (h *collectingHandler) HandleResponse(st status.Status, msg *message.Message) {
	h.ch <- st
}

// Scenario S1: a request sent to a manager that answers kXR_redirect is
// transparently resubmitted at the data server, and the caller's handler
// completes once with OK. The manager sees exactly one open; so does the
// data server.
func TestSendFollowsRedirect(t *testing.T) {
	dataServer := newFakeServer(t, func(sid uint16, code xrdproto.RequestCode) (xrdproto.RespStatus, []byte) {
		return xrdproto.RespOK, []byte{0xca, 0xfe, 0xba, 0xbe}
	})
	manager := newFakeServer(t, func(sid uint16, code xrdproto.RequestCode) (xrdproto.RespStatus, []byte) {
		return xrdproto.RespRedirect, redirectPayload("127.0.0.1", dataServer.port())
	})

	pm := New(nil, 3, 100*time.Millisecond)
	t.Cleanup(pm.Finalize)

	u := xrdurl.URL{Scheme: "root", Host: "127.0.0.1", Port: manager.port(), Path: "/data/file"}
	req := message.New(0)
	var specific [16]byte
	xrdproto.EncodeRequestHeader(req, 0, xrdproto.ReqOpen, specific)

	h := &collectingHandler{ch: make(chan status.Status, 2)}
	if st := pm.Send(context.Background(), u, req, h, true, time.Now().Add(30*time.Second)); !st.IsOK() {
		t.Fatalf("Send: %v", st)
	}

	select {
	case st := <-h.ch:
		if !st.IsOK() {
			t.Fatalf("handler completed with %v, want OK after following the redirect", st)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("handler never completed")
	}

	if n := manager.opens.Load(); n != 1 {
		t.Fatalf("manager saw %d opens, want 1", n)
	}
	if n := dataServer.opens.Load(); n != 1 {
		t.Fatalf("data server saw %d opens, want 1 (the resubmitted request)", n)
	}

	select {
	case st := <-h.ch:
		t.Fatalf("handler completed a second time with %v", st)
	case <-time.After(200 * time.Millisecond):
	}
}

// An on-connect handler registered on the PostMaster fires when a channel
// completes its first connect.
func TestSetOnConnectHandlerFires(t *testing.T) {
	server := newFakeServer(t, func(sid uint16, code xrdproto.RequestCode) (xrdproto.RespStatus, []byte) {
		return xrdproto.RespOK, nil
	})

	pm := New(nil, 3, 100*time.Millisecond)
	t.Cleanup(pm.Finalize)

	connected := make(chan string, 1)
	pm.SetOnConnectHandler(func(host string, port int) {
		select {
		case connected <- host:
		default:
		}
	})

	u := xrdurl.URL{Scheme: "root", Host: "127.0.0.1", Port: server.port(), Path: "/ping"}
	req := message.New(0)
	var specific [16]byte
	xrdproto.EncodeRequestHeader(req, 0, xrdproto.ReqPing, specific)
	h := &collectingHandler{ch: make(chan status.Status, 1)}
	if st := pm.Send(context.Background(), u, req, h, false, time.Now().Add(10*time.Second)); !st.IsOK() {
		t.Fatalf("Send: %v", st)
	}

	select {
	case host := <-connected:
		if host != "127.0.0.1" {
			t.Fatalf("on-connect reported host %q", host)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("on-connect handler never fired")
	}
}
