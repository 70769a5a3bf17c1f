package stream

import (
	"context"
	"testing"
	"time"

	"carecoord.org/internal/audit"
)

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := s.Subscribe(ctx, nil)
	avail := s.Subscribe(ctx, ForResource("Availability", ""))

	s.Publish(audit.Entry{ID: "1", ResourceType: "Client"})
	s.Publish(audit.Entry{ID: "2", ResourceType: "Availability"})

	for _, want := range []string{"1", "2"} {
		select {
		case e := <-all:
			if e.ID != want {
				t.Fatalf("expected %s, got %s", want, e.ID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
	select {
	case e := <-avail:
		if e.ID != "2" {
			t.Fatalf("filter leaked %s", e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, nil)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx, nil)
	for i := 0; i < subscriberBuffer+10; i++ {
		s.Publish(audit.Entry{ID: "x"})
	}
	if s.Dropped() != 10 {
		t.Fatalf("expected 10 dropped, got %d", s.Dropped())
	}
}
