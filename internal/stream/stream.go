package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"carecoord.org/internal/audit"
)

const subscriberBuffer = 64

// Filter selects which entries a subscriber receives. A nil Filter receives
// everything.
type Filter func(audit.Entry) bool

// Stream fans committed audit entries out to live subscribers (SSE tails).
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Uint64
}

type subscriber struct {
	ch     chan audit.Entry
	filter Filter
}

var _ audit.Publisher = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// entries. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, filter Filter) <-chan audit.Entry {
	ch := make(chan audit.Entry, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, filter: filter}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans the entry out to all subscribers.
func (s *Stream) Publish(e audit.Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Drop when subscriber is slow to avoid blocking the audit path.
			s.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped reports entries discarded for slow subscribers.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// ForResource returns a filter matching a resource type and, optionally, id.
func ForResource(resourceType, resourceID string) Filter {
	if resourceType == "" && resourceID == "" {
		return nil
	}
	return func(e audit.Entry) bool {
		if resourceType != "" && e.ResourceType != resourceType {
			return false
		}
		return resourceID == "" || e.ResourceID == resourceID
	}
}
