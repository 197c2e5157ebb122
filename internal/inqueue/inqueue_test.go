package inqueue

import (
	"testing"
	"time"

	"github.com/xrdgo/xrdcl/internal/message"
)

func descFilter(want string) FilterFunc {
	return func(msg *message.Message) bool { return msg.Description == want }
}

func TestReceiveMatchesRetainedMessage(t *testing.T) {
	q := New(time.Second, 8)

	msg := message.New(0)
	msg.Description = "async-notify"
	q.AddMessage(msg)

	got, err := q.Receive(descFilter("async-notify"), time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got != msg {
		t.Fatalf("Receive returned a different message")
	}
}

func TestReceiveMatchesLateArrival(t *testing.T) {
	q := New(time.Second, 8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := q.Receive(descFilter("late"), 2*time.Second)
		if err != nil {
			t.Errorf("Receive: %v", err)
			return
		}
		if msg.Description != "late" {
			t.Errorf("Description = %q, want late", msg.Description)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	msg := message.New(0)
	msg.Description = "late"
	q.AddMessage(msg)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Receive did not return after the matching message arrived")
	}
}

func TestReceiveExpires(t *testing.T) {
	q := New(time.Second, 8)
	_, err := q.Receive(descFilter("never-comes"), 50*time.Millisecond)
	if err != ErrExpired {
		t.Fatalf("Receive() error = %v, want ErrExpired", err)
	}
}

func TestRetentionDropsOldMessages(t *testing.T) {
	q := New(30*time.Millisecond, 8)
	msg := message.New(0)
	msg.Description = "stale"
	q.AddMessage(msg)

	time.Sleep(100 * time.Millisecond)

	_, err := q.Receive(descFilter("stale"), 50*time.Millisecond)
	if err != ErrExpired {
		t.Fatalf("Receive() error = %v, want ErrExpired for a retention-expired message", err)
	}
}
