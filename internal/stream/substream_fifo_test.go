package stream

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/xrdgo/xrdcl/internal/message"
	"github.com/xrdgo/xrdcl/internal/reactor"
)

type noopCallbacks struct{}

func (noopCallbacks) onConnected(idx int)                      {}
func (noopCallbacks) onConnectError(idx int, err error)        {}
func (noopCallbacks) onIncoming(idx int, msg *message.Message) {}
func (noopCallbacks) onFatalError(idx int, err error)          {}

// Testable property 3: messages submitted on one sub-stream leave the
// socket in submission order. writeLoop has exactly one consumer of
// outQueue, so this drives Send directly against a real TCP pair and reads
// the wire bytes back in order, bypassing Connect/HandShake entirely.
func TestSubStreamPreservesSendOrder(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	server := <-acceptCh
	t.Cleanup(func() { client.Close(); server.Close() })

	ss := newSubStream(0, ln.Addr().String(), nil, reactor.New(nil), nil, nil, noopCallbacks{}, nil)
	ss.conn = client
	ss.state.Store(int32(Connected))
	go ss.writeLoop(client)
	t.Cleanup(ss.Close)

	const n = 50
	for i := uint16(0); i < n; i++ {
		msg := message.New(0)
		msg.SetSID(i)
		if err := ss.Send(msg); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}

	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := uint16(0); i < n; i++ {
		var hdr [message.HeaderSize]byte
		if _, err := readFull(server, hdr[:]); err != nil {
			t.Fatalf("reading header %d: %v", i, err)
		}
		got := binary.BigEndian.Uint16(hdr[0:2])
		if got != i {
			t.Fatalf("header %d carries SID %d, want %d (out-of-order delivery)", i, got, i)
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
