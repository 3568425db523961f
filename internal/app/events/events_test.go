package events

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus(16, nil)
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	published := bus.Publish(TypeRequestSubmitted, map[string]interface{}{"request_id": int64(1)})
	if published.ID == "" || published.Timestamp.IsZero() {
		t.Fatalf("event not stamped: %+v", published)
	}

	select {
	case evt := <-ch:
		if evt.Type != TypeRequestSubmitted {
			t.Fatalf("type = %s, want request.submitted", evt.Type)
		}
		if evt.ID != published.ID {
			t.Fatalf("id mismatch: %s vs %s", evt.ID, published.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(16, nil)
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(TypeRefundCreated, nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestRecentIsBoundedAndOrdered(t *testing.T) {
	bus := NewBus(3, nil)
	for i := 0; i < 5; i++ {
		bus.Publish(TypeRequestResolved, map[string]interface{}{"seq": i})
	}

	recent := bus.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("ring holds %d events, want 3", len(recent))
	}
	for i, evt := range recent {
		if got := evt.Data["seq"].(int); got != i+2 {
			t.Fatalf("position %d holds seq %d, want %d", i, got, i+2)
		}
	}

	limited := bus.Recent(2)
	if len(limited) != 2 {
		t.Fatalf("limit 2 returned %d events", len(limited))
	}
	if limited[0].Data["seq"].(int) != 3 {
		t.Fatalf("limited view starts at seq %v, want 3", limited[0].Data["seq"])
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus(16, nil)
	ch, cancel := bus.Subscribe(4)
	cancel()

	// Channel closes on cancel.
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received event on cancelled subscription")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after cancel must not panic.
	bus.Publish(TypeRequestSubmitted, nil)
}
