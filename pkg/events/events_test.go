package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe()

	b.Publish(Event{Kind: ScanStarted, Timestamp: time.Now(), Prefixes: []string{"BT510"}})

	select {
	case ev := <-ch:
		if ev.Kind != ScanStarted {
			t.Fatalf("Kind = %v, want ScanStarted", ev.Kind)
		}
	default:
		t.Fatal("expected an event to be immediately available")
	}
}

func TestPublishToSlowSubscriberNeverBlocks(t *testing.T) {
	b := New()
	_ = b.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+50; i++ {
			b.Publish(Event{Kind: DeviceDiscovered})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	b.Publish(Event{Kind: Connected})

	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := New()
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(Event{Kind: Disconnected})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Kind != Disconnected {
				t.Fatalf("unexpected kind: %v", ev.Kind)
			}
		default:
			t.Fatal("expected both subscribers to receive the event")
		}
	}
}
