package reactor

import (
	"net"
	"testing"
	"time"
)

type recordingHandler struct {
	readReady   chan struct{}
	writeReady  chan struct{}
	readTimeout chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		readReady:   make(chan struct{}, 1),
		writeReady:  make(chan struct{}, 1),
		readTimeout: make(chan struct{}, 1),
	}
}

func (h *recordingHandler) OnReadReady() {
	select {
	case h.readReady <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) OnWriteReady() {
	select {
	case h.writeReady <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) OnReadTimeout() {
	select {
	case h.readTimeout <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) OnWriteTimeout() {}

func loopbackPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
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

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	server = <-acceptCh
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func TestEnableReadNotificationFiresOnData(t *testing.T) {
	client, server := loopbackPair(t)

	r := New(nil)
	r.Start()
	t.Cleanup(r.Stop)

	h := newRecordingHandler()
	if err := r.AddSocket(client, h); err != nil {
		t.Fatalf("AddSocket: %v", err)
	}
	if err := r.EnableReadNotification(client, true, 5); err != nil {
		t.Fatalf("EnableReadNotification: %v", err)
	}

	if _, err := server.Write([]byte("hello")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case <-h.readReady:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReadReady was not called after data arrived")
	}
}

func TestEnableReadNotificationTimesOut(t *testing.T) {
	client, _ := loopbackPair(t)

	r := New(nil)
	r.Start()
	t.Cleanup(r.Stop)

	h := newRecordingHandler()
	if err := r.AddSocket(client, h); err != nil {
		t.Fatalf("AddSocket: %v", err)
	}
	if err := r.EnableReadNotification(client, true, 1); err != nil {
		t.Fatalf("EnableReadNotification: %v", err)
	}

	select {
	case <-h.readTimeout:
	case <-h.readReady:
		t.Fatal("OnReadReady fired with no data ever sent")
	case <-time.After(3 * time.Second):
		t.Fatal("OnReadTimeout was not called")
	}
}

func TestAddSocketRejectsDuplicate(t *testing.T) {
	client, _ := loopbackPair(t)

	r := New(nil)
	r.Start()
	t.Cleanup(r.Stop)

	h := newRecordingHandler()
	if err := r.AddSocket(client, h); err != nil {
		t.Fatalf("first AddSocket: %v", err)
	}
	if err := r.AddSocket(client, h); err == nil {
		t.Fatal("second AddSocket on the same conn should fail")
	}
}

func TestRemoveSocketUnknown(t *testing.T) {
	r := New(nil)
	r.Start()
	t.Cleanup(r.Stop)

	client, _ := loopbackPair(t)
	if err := r.RemoveSocket(client); err == nil {
		t.Fatal("RemoveSocket on an unregistered conn should fail")
	}
}

func TestStopIsSynchronous(t *testing.T) {
	r := New(nil)
	r.Start()
	r.Stop()
	if r.IsRegistered(nil) {
		t.Fatal("IsRegistered should report false after Stop with nothing registered")
	}
}
