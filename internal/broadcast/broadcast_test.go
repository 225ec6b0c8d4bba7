package broadcast

import (
	"testing"
	"time"
)

func TestChannel_PublishFanout(t *testing.T) {
	ch := New(4)
	a := ch.Subscribe()
	b := ch.Subscribe()
	defer a.Close()
	defer b.Close()

	n := ch.Publish([]byte("hello"))
	if n != 2 {
		t.Fatalf("got %d subscribers, want 2", n)
	}

	for _, sub := range []*Subscription{a, b} {
		select {
		case msg := <-sub.Messages:
			if string(msg.Payload) != "hello" {
				t.Fatalf("got %q, want hello", msg.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestChannel_PublishNoSubscribers(t *testing.T) {
	ch := New(4)
	if n := ch.Publish([]byte("x")); n != 0 {
		t.Fatalf("got %d, want 0", n)
	}
}

func TestChannel_SequentialPublishDelivery(t *testing.T) {
	ch := New(4)
	sub := ch.Subscribe()
	defer sub.Close()

	for i := 0; i < 3; i++ {
		ch.Publish([]byte{byte(i)})
		select {
		case msg := <-sub.Messages:
			if msg.Lag != nil {
				t.Fatalf("unexpected lag at i=%d", i)
			}
			if msg.Payload[0] != byte(i) {
				t.Fatalf("got %v, want %d", msg.Payload, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

// TestChannel_NextDetectsLag exercises the ring's lag detection directly,
// bypassing the pump goroutine's timing so the overrun is deterministic.
func TestChannel_NextDetectsLag(t *testing.T) {
	ch := New(2)
	for i := 0; i < 5; i++ {
		ch.Publish([]byte{byte(i)})
	}

	done := make(chan struct{})
	signal := make(chan struct{}, 1)
	msg, next, ok := ch.next(0, signal, done)
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.Lag == nil {
		t.Fatalf("expected Lagged message, got %+v", msg)
	}
	if msg.Lag.Skipped != 3 {
		t.Fatalf("got skipped=%d, want 3", msg.Lag.Skipped)
	}
	if next != 3 {
		t.Fatalf("got next cursor=%d, want 3", next)
	}

	msg, next, ok = ch.next(next, signal, done)
	if !ok || msg.Lag != nil {
		t.Fatalf("expected caught-up payload message, got %+v", msg)
	}
	if msg.Payload[0] != 3 {
		t.Fatalf("got payload %v, want [3]", msg.Payload)
	}
	if next != 4 {
		t.Fatalf("got next=%d, want 4", next)
	}
}

func TestChannel_NextBlocksUntilDone(t *testing.T) {
	ch := New(2)
	signal := make(chan struct{}, 1)
	done := make(chan struct{})
	close(done)
	_, _, ok := ch.next(0, signal, done)
	if ok {
		t.Fatal("expected next to report not-ok once done is closed")
	}
}

func TestSubscription_CloseRemovesFromChannel(t *testing.T) {
	ch := New(4)
	sub := ch.Subscribe()
	if ch.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	sub.Close()
	if ch.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after close")
	}
	sub.Close() // idempotent
}
