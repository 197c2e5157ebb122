package filehandler

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/xrdgo/xrdcl/internal/message"
	"github.com/xrdgo/xrdcl/internal/status"
	"github.com/xrdgo/xrdcl/internal/xrdproto"
	"github.com/xrdgo/xrdcl/internal/xrdurl"
)

// sentRequest records one request as the fake transport saw it.
type sentRequest struct {
	url      xrdurl.URL
	code     xrdproto.RequestCode
	specific [16]byte
	payload  []byte
}

// scriptedTransport answers each request from a per-code script of canned
// responses, completing handlers synchronously on the caller's goroutine.
type scriptedTransport struct {
	mu      sync.Mutex
	sent    []sentRequest
	scripts map[xrdproto.RequestCode][]scriptedResponse
}

type scriptedResponse struct {
	st      status.Status
	payload []byte
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{scripts: make(map[xrdproto.RequestCode][]scriptedResponse)}
}

func (t *scriptedTransport) script(code xrdproto.RequestCode, st status.Status, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts[code] = append(t.scripts[code], scriptedResponse{st: st, payload: payload})
}

func (t *scriptedTransport) requests(code xrdproto.RequestCode) []sentRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []sentRequest
	for _, r := range t.sent {
		if r.code == code {
			out = append(out, r)
		}
	}
	return out
}

func (t *scriptedTransport) Send(ctx context.Context, u xrdurl.URL, msg *message.Message, handler message.ResponseHandler, stateful bool, expires time.Time) status.Status {
	_, code, specific, _ := xrdproto.DecodeRequestHeader(msg)

	t.mu.Lock()
	t.sent = append(t.sent, sentRequest{url: u, code: code, specific: specific, payload: append([]byte(nil), msg.Payload...)})
	var resp scriptedResponse
	if rs := t.scripts[code]; len(rs) > 0 {
		resp = rs[0]
		t.scripts[code] = rs[1:]
	} else {
		resp = scriptedResponse{st: status.New(status.OK)}
	}
	t.mu.Unlock()

	var respMsg *message.Message
	if resp.payload != nil {
		respMsg = message.New(len(resp.payload))
		copy(respMsg.Payload, resp.payload)
	}
	handler.HandleResponse(resp.st, respMsg)
	return status.New(status.OK)
}

// openPayload builds an open response carrying the 4-byte handle and a
// 16-byte session id.
func openPayload(handle [4]byte) []byte {
	out := make([]byte, 20)
	copy(out[0:4], handle[:])
	for i := 4; i < 20; i++ {
		out[i] = byte(i)
	}
	return out
}

func TestOpenCapturesHandleAndSession(t *testing.T) {
	tr := newScriptedTransport()
	handle := [4]byte{0xde, 0xad, 0xbe, 0xef}
	tr.script(xrdproto.ReqOpen, status.New(status.OK), openPayload(handle))

	f := New(nil, tr)
	u, _ := xrdurl.Parse("root://mgr.example/data/file1")
	if st := f.OpenSync(context.Background(), u, 0); !st.IsOK() {
		t.Fatalf("OpenSync: %v", st)
	}
	if f.State() != Opened {
		t.Fatalf("state = %v, want Opened", f.State())
	}
	if f.handle != handle {
		t.Fatalf("handle = %x, want %x", f.handle, handle)
	}
	if f.sessionID == ([16]byte{}) {
		t.Fatal("session id was not captured from the open response")
	}
}

func TestOpenRefusedFailsWithFileOpenFailed(t *testing.T) {
	tr := newScriptedTransport()
	tr.script(xrdproto.ReqOpen, status.New(status.ServerError), nil)

	f := New(nil, tr)
	u, _ := xrdurl.Parse("root://mgr.example/missing")
	st := f.OpenSync(context.Background(), u, 0)
	if st.Code != status.FileOpenFailed {
		t.Fatalf("status = %v, want FileOpenFailed", st)
	}
	if f.State() != Error {
		t.Fatalf("state = %v, want Error", f.State())
	}
}

func TestReadCarriesHandleOffsetAndCounters(t *testing.T) {
	tr := newScriptedTransport()
	handle := [4]byte{1, 2, 3, 4}
	tr.script(xrdproto.ReqOpen, status.New(status.OK), openPayload(handle))
	body := []byte("hello, data server")
	tr.script(xrdproto.ReqRead, status.New(status.OK), body)

	f := New(nil, tr)
	u, _ := xrdurl.Parse("root://mgr.example/data/file2")
	if st := f.OpenSync(context.Background(), u, 0); !st.IsOK() {
		t.Fatalf("OpenSync: %v", st)
	}

	data, st := f.ReadSync(context.Background(), 4096, len(body))
	if !st.IsOK() {
		t.Fatalf("ReadSync: %v", st)
	}
	if string(data) != string(body) {
		t.Fatalf("read %q, want %q", data, body)
	}

	reads := tr.requests(xrdproto.ReqRead)
	if len(reads) != 1 {
		t.Fatalf("transport saw %d reads, want 1", len(reads))
	}
	spec := reads[0].specific
	if [4]byte(spec[0:4]) != handle {
		t.Fatalf("read carried handle %x, want %x", spec[0:4], handle)
	}
	if off := binary.BigEndian.Uint64(spec[4:12]); off != 4096 {
		t.Fatalf("read carried offset %d, want 4096", off)
	}

	mon := f.Monitoring()
	if mon.BytesRead != int64(len(body)) || mon.ReadOps != 1 {
		t.Fatalf("monitoring = %+v, want BytesRead=%d ReadOps=1", mon, len(body))
	}
}

// A stateful read failure (stream disconnect) must trigger recovery: the
// file reopens at the load-balancer URL, captures the new handle, and the
// queued read is reissued with the new handle rewritten into its header.
func TestReadRecoversAfterStreamDisconnect(t *testing.T) {
	tr := newScriptedTransport()
	firstHandle := [4]byte{1, 1, 1, 1}
	secondHandle := [4]byte{2, 2, 2, 2}
	tr.script(xrdproto.ReqOpen, status.New(status.OK), openPayload(firstHandle))
	tr.script(xrdproto.ReqOpen, status.New(status.OK), openPayload(secondHandle))
	tr.script(xrdproto.ReqRead, status.New(status.StreamDisconnect), nil)
	body := []byte("recovered bytes")
	tr.script(xrdproto.ReqRead, status.New(status.OK), body)

	f := New(nil, tr)
	u, _ := xrdurl.Parse("root://mgr.example/data/file3")
	if st := f.OpenSync(context.Background(), u, 0); !st.IsOK() {
		t.Fatalf("OpenSync: %v", st)
	}

	type result struct {
		st      status.Status
		payload []byte
	}
	done := make(chan result, 1)
	f.Read(context.Background(), 0, len(body), func(st status.Status, payload []byte) {
		done <- result{st, payload}
	})

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recovery never completed the read")
	}
	if !r.st.IsOK() {
		t.Fatalf("recovered read status = %v, want OK", r.st)
	}
	if string(r.payload) != string(body) {
		t.Fatalf("recovered read returned %q, want %q", r.payload, body)
	}

	opens := tr.requests(xrdproto.ReqOpen)
	if len(opens) != 2 {
		t.Fatalf("transport saw %d opens, want 2 (original + recovery reopen)", len(opens))
	}
	if opens[1].url.Host != "mgr.example" {
		t.Fatalf("recovery reopened at %q, want the load-balancer host", opens[1].url.Host)
	}

	reads := tr.requests(xrdproto.ReqRead)
	if len(reads) != 2 {
		t.Fatalf("transport saw %d reads, want 2 (failed + reissued)", len(reads))
	}
	if got := [4]byte(reads[1].specific[0:4]); got != secondHandle {
		t.Fatalf("reissued read carried handle %x, want the recovery handle %x", got, secondHandle)
	}
	if f.State() != Opened {
		t.Fatalf("state after recovery = %v, want Opened", f.State())
	}
}

func TestCloseNeverOpenedFails(t *testing.T) {
	f := New(nil, newScriptedTransport())
	st := f.CloseSync(context.Background(), "test")
	if st.Code != status.FileClosed {
		t.Fatalf("Close on a never-opened file = %v, want FileClosed", st)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := newScriptedTransport()
	tr.script(xrdproto.ReqOpen, status.New(status.OK), openPayload([4]byte{9, 9, 9, 9}))

	f := New(nil, tr)
	u, _ := xrdurl.Parse("root://mgr.example/data/file4")
	if st := f.OpenSync(context.Background(), u, 0); !st.IsOK() {
		t.Fatalf("OpenSync: %v", st)
	}
	if st := f.CloseSync(context.Background(), "done"); !st.IsOK() {
		t.Fatalf("first Close: %v", st)
	}
	if st := f.CloseSync(context.Background(), "done again"); !st.IsOK() {
		t.Fatalf("second Close on an already-closed file: %v", st)
	}
	if closes := tr.requests(xrdproto.ReqClose); len(closes) != 1 {
		t.Fatalf("transport saw %d closes, want 1", len(closes))
	}
}

func TestReadOnClosedFileFails(t *testing.T) {
	f := New(nil, newScriptedTransport())
	_, st := f.ReadSync(context.Background(), 0, 10)
	if st.Code != status.FileClosed {
		t.Fatalf("Read on a closed file = %v, want FileClosed", st)
	}
}
