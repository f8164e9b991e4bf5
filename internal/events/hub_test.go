package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHubDeliversAndUnsubscribes(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	ch := hub.Subscribe(ctx)
	if hub.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", hub.Subscribers())
	}

	ev := Event{Type: SessionCompromised, UserID: "u1", SessionID: "c1", OccurredAt: time.Unix(0, 0).UTC()}
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case got := <-ch:
		if got.Type != SessionCompromised || got.SessionID != "c1" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected channel to close after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("subscriber not removed: %d", hub.Subscribers())
	}
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := hub.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			_ = hub.Publish(context.Background(), Event{Type: UserDisabled})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("expected a full buffer of %d, got %d", subscriberBuffer, len(ch))
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	var delivered int
	ok := PublisherFunc(func(context.Context, Event) error { delivered++; return nil })
	boom := errors.New("broker down")
	failing := PublisherFunc(func(context.Context, Event) error { return boom })

	err := Fanout{ok, failing, nil, ok}.Publish(context.Background(), Event{Type: PasswordChanged})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined broker error, got %v", err)
	}
	if delivered != 2 {
		t.Fatalf("every healthy publisher should receive the event, got %d", delivered)
	}
}
