package library

import (
	"testing"
	"time"
)

func TestEventBusPublishDeliversToSubscriber(t *testing.T) {
	eb := NewEventBus()
	ch := eb.Subscribe()
	defer eb.Unsubscribe(ch)

	eb.Publish(mediaChangedEvent("000063L7"))

	select {
	case ev := <-ch:
		if ev.Type != EventMediaChanged || ev.VolumeTag != "000063L7" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.ID == "" {
			t.Error("expected Publish to assign an ID")
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected Publish to stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	eb := NewEventBus()
	ch := eb.Subscribe()
	eb.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}

	// Unsubscribing twice must not panic (double close).
	eb.Unsubscribe(ch)
}

func TestEventBusHistoryIsCappedAndOrdered(t *testing.T) {
	eb := NewEventBus()
	eb.maxHistory = 3

	for i := 0; i < 5; i++ {
		eb.Publish(driveChangedEvent(i, "load"))
	}

	hist := eb.History()
	if len(hist) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(hist))
	}
	if *hist[0].Slot != 2 || *hist[2].Slot != 4 {
		t.Fatalf("expected the oldest two events to have been evicted, got %+v", hist)
	}
}

func TestEventBusPublishDoesNotBlockOnFullSubscriberChannel(t *testing.T) {
	eb := NewEventBus()
	ch := eb.Subscribe()
	defer eb.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < eventChannelBufferSize+10; i++ {
			eb.Publish(operationLoggingEvent("trace-1", "line"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber channel instead of dropping")
	}
}

func TestPublishSafelyRecoversFromNilEventBus(t *testing.T) {
	// Must be a no-op, not a nil-pointer panic.
	publishSafely(nil, mediaChangedEvent("000063L7"))
}
