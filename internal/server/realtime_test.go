package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, 7, "35.68,139.76")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		ProductID: 7,
		AreaKey:   "35.68,139.76",
		EventType: RealtimeEventReport,
		StoreID:   "store-a",
		Status:    "found",
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventReport {
			t.Fatalf("expected event type %s, got %s", RealtimeEventReport, received.EventType)
		}
		if received.StoreID != "store-a" || received.Status != "found" {
			t.Fatalf("unexpected message %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByTopic(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sameArea, cleanup := dispatcher.Subscribe(ctx, 7, "35.68,139.76")
	defer cleanup()
	otherArea, otherCleanup := dispatcher.Subscribe(ctx, 7, "35.70,139.76")
	defer otherCleanup()
	otherProduct, productCleanup := dispatcher.Subscribe(ctx, 8, "35.68,139.76")
	defer productCleanup()

	dispatcher.Publish(RealtimeMessage{
		ProductID: 7,
		AreaKey:   "35.68,139.76",
		EventType: RealtimeEventReport,
		StoreID:   "store-b",
		Timestamp: time.Now().UTC(),
	})

	select {
	case msg := <-sameArea:
		if msg.StoreID != "store-b" {
			t.Fatalf("expected store-b, received %s", msg.StoreID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed topic")
	}

	select {
	case <-otherArea:
		t.Fatal("did not expect message for another area")
	case <-otherProduct:
		t.Fatal("did not expect message for another product")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRealtimeDispatcherCleanupOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, 3, "10.00,20.00")
	if got := dispatcher.SubscriberCount(3, "10.00,20.00"); got != 1 {
		t.Fatalf("expected one subscriber, got %d", got)
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount(3, "10.00,20.00") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cleanup()
}

func TestRealtimeDispatcherRejectsIncompleteTopics(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()

	stream, cleanup := dispatcher.Subscribe(context.Background(), 0, "10.00,20.00")
	defer cleanup()
	if _, open := <-stream; open {
		t.Fatal("expected closed stream for invalid product")
	}

	// publishing without subscribers must not block
	dispatcher.Publish(RealtimeMessage{ProductID: 1, AreaKey: "0.00,0.00", EventType: RealtimeEventReport})
}

func TestRealtimeDispatcherDropsForSlowSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, 1, "0.00,0.00")
	defer cleanup()

	for index := 0; index < 40; index++ {
		dispatcher.Publish(RealtimeMessage{ProductID: 1, AreaKey: "0.00,0.00", EventType: RealtimeEventReport})
	}
	if len(stream) != cap(stream) {
		t.Fatalf("expected buffered stream to be full, got %d of %d", len(stream), cap(stream))
	}
}
