package events

import (
	"sync"

	"audio2mp4/internal/pkg/logger"
)

// DefaultBuffer is the per-subscriber queue length. A subscriber that falls
// this far behind is dropped.
const DefaultBuffer = 256

// Publisher accepts events for a job. Implementations must not block.
type Publisher interface {
	Publish(jobID string, ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(jobID string, ev Event)

func (f PublisherFunc) Publish(jobID string, ev Event) { f(jobID, ev) }

// Tee fans every event out to each non-nil publisher in order.
func Tee(pubs ...Publisher) Publisher {
	var live []Publisher
	for _, p := range pubs {
		if p != nil {
			live = append(live, p)
		}
	}
	if len(live) == 1 {
		return live[0]
	}
	return PublisherFunc(func(jobID string, ev Event) {
		for _, p := range live {
			p.Publish(jobID, ev)
		}
	})
}

// Bus is an in-memory per-job broadcast. Topics are created lazily by
// Subscribe and removed by Teardown. Delivery never waits on a subscriber.
type Bus struct {
	log    *logger.Logger
	buffer int

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is one listener on a job. Events arrive on C in publish
// order; C is closed on Unsubscribe, Teardown, or when the subscriber is
// dropped for falling behind.
type Subscription struct {
	jobID   string
	ch      chan Event
	topic   *topic
	dropped bool
}

// C returns the receive end of the subscription.
func (s *Subscription) C() <-chan Event { return s.ch }

// JobID returns the job this subscription is bound to.
func (s *Subscription) JobID() string { return s.jobID }

// Unsubscribe detaches the listener. Safe to call more than once and after
// teardown.
func (s *Subscription) Unsubscribe() {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	s.topic.remove(s)
}

// Dropped reports whether the bus cut this subscriber off for being slow.
// Only meaningful once C is closed.
func (s *Subscription) Dropped() bool {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	return s.dropped
}

// remove must be called with t.mu held.
func (t *topic) remove(s *Subscription) bool {
	if _, ok := t.subs[s]; !ok {
		return false
	}
	delete(t.subs, s)
	close(s.ch)
	return true
}

// NewBus creates a bus whose subscribers buffer up to buffer events.
// A non-positive buffer selects DefaultBuffer.
func NewBus(log *logger.Logger, buffer int) *Bus {
	if log == nil {
		log = logger.NewDefault()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		log:    log.WithComponent("event_bus"),
		buffer: buffer,
		topics: make(map[string]*topic),
	}
}

// Subscribe attaches a new listener to jobID, creating the topic on first
// use. Events published before this call are not replayed.
func (b *Bus) Subscribe(jobID string) *Subscription {
	b.mu.Lock()
	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[jobID] = t
	}
	// Take the topic lock before releasing the bus lock so a concurrent
	// Teardown cannot close t between lookup and insert.
	t.mu.Lock()
	b.mu.Unlock()
	defer t.mu.Unlock()

	sub := &Subscription{jobID: jobID, ch: make(chan Event, b.buffer), topic: t}
	t.subs[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every current subscriber of jobID. It is a no-op
// when nobody listens. A subscriber whose queue is full is dropped and its
// channel closed; the others still receive the event.
func (b *Bus) Publish(jobID string, ev Event) {
	b.mu.Lock()
	t, ok := b.topics[jobID]
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped = true
			t.remove(sub)
			b.log.Warn("dropped slow subscriber", "job_id", jobID, "buffer", b.buffer)
		}
	}
}

// Teardown closes every subscription of jobID and forgets the topic.
// Calling it for an unknown or already torn down job does nothing.
func (b *Bus) Teardown(jobID string) {
	b.mu.Lock()
	t, ok := b.topics[jobID]
	delete(b.topics, jobID)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for sub := range t.subs {
		t.remove(sub)
	}
}

// Subscribers returns the number of live subscribers of jobID.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.Lock()
	t, ok := b.topics[jobID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// TotalSubscribers returns the number of live subscribers across all jobs.
func (b *Bus) TotalSubscribers() int {
	b.mu.Lock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	n := 0
	for _, t := range topics {
		t.mu.Lock()
		n += len(t.subs)
		t.mu.Unlock()
	}
	return n
}
