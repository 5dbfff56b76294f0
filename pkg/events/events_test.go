package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribeDeliversMatchingKind(t *testing.T) {
	b := NewInMemory()
	defer b.Close()
	ctx := context.Background()

	received := make(chan Event, 1)
	sub, err := b.Subscribe(ctx, KindWorkCompleted, func(evt Event) {
		received <- evt
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, Event{Kind: KindWorkCompleted, ItemID: "task-1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case evt := <-received:
		if evt.ItemID != "task-1" {
			t.Errorf("expected item id task-1, got %s", evt.ItemID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeDoesNotReceiveOtherKinds(t *testing.T) {
	b := NewInMemory()
	defer b.Close()
	ctx := context.Background()

	received := make(chan Event, 1)
	sub, err := b.Subscribe(ctx, KindWorkFailed, func(evt Event) {
		received <- evt
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, Event{Kind: KindWorkCompleted}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-received:
		t.Fatal("should not have received an event of a different kind")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryKind(t *testing.T) {
	b := NewInMemory()
	defer b.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var kinds []Kind
	sub, err := b.SubscribeAll(ctx, func(evt Event) {
		mu.Lock()
		kinds = append(kinds, evt.Kind)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeAll failed: %v", err)
	}
	defer sub.Unsubscribe()

	b.Publish(ctx, Event{Kind: KindWorkAdded})
	b.Publish(ctx, Event{Kind: KindQuotaWarning})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 {
		t.Fatalf("expected 2 events delivered, got %d: %v", len(kinds), kinds)
	}
}

func TestPublishStampsTimestampWhenZero(t *testing.T) {
	b := NewInMemory()
	defer b.Close()
	ctx := context.Background()

	received := make(chan Event, 1)
	sub, _ := b.Subscribe(ctx, KindInitialized, func(evt Event) {
		received <- evt
	})
	defer sub.Unsubscribe()

	before := time.Now()
	b.Publish(ctx, Event{Kind: KindInitialized})

	select {
	case evt := <-received:
		if evt.Timestamp.Before(before) {
			t.Errorf("expected timestamp to be stamped at publish time")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewInMemory()
	defer b.Close()
	ctx := context.Background()

	received := make(chan Event, 2)
	sub, err := b.Subscribe(ctx, KindWorkAdded, func(evt Event) {
		received <- evt
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	b.Publish(ctx, Event{Kind: KindWorkAdded})
	select {
	case <-received:
		t.Fatal("should not receive events after unsubscribing")
	case <-time.After(100 * time.Millisecond):
	}
}
