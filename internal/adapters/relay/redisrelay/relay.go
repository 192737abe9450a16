// Package redisrelay mirrors job events to Redis Pub/Sub so processes other
// than the API can follow a render.
package redisrelay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"audio2mp4/internal/events"
	"audio2mp4/internal/pkg/logger"
)

const (
	DefaultPrefix  = "audio2mp4:events:"
	defaultBuffer  = 1024
	defaultTimeout = 2 * time.Second
)

// Client is the part of *redis.Client the relay uses.
type Client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Message is the JSON body published for each event.
type Message struct {
	JobID string `json:"jobId"`
	events.Event
	At time.Time `json:"at"`
}

type Options struct {
	// Prefix is prepended to the job ID to form the channel name.
	Prefix  string
	Timeout time.Duration
	Buffer  int
	Log     *logger.Logger
}

// Relay implements events.Publisher. Publish only enqueues; a single worker
// sends in order so a slow Redis never stalls a render. When the queue is
// full the event is dropped.
type Relay struct {
	client  Client
	prefix  string
	timeout time.Duration
	log     *logger.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan Message
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

func New(client Client, opts Options) *Relay {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Log == nil {
		opts.Log = logger.NewDefault()
	}

	r := &Relay{
		client:  client,
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
		log:     opts.Log.WithComponent("redisrelay"),
		queue:   make(chan Message, opts.Buffer),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Channel returns the Pub/Sub channel for jobID.
func (r *Relay) Channel(jobID string) string {
	return r.prefix + jobID
}

func (r *Relay) Publish(jobID string, ev events.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.queue <- Message{JobID: jobID, Event: ev, At: time.Now().UTC()}:
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn("relay queue full, dropping events", "job_id", jobID)
		}
	}
}

// Dropped returns how many events were discarded on a full queue.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

// Failed returns how many sends Redis rejected.
func (r *Relay) Failed() int64 { return r.failed.Load() }

// Close stops accepting events and waits for the queue to drain or ctx to
// end.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) loop() {
	defer close(r.done)
	for msg := range r.queue {
		r.send(msg)
	}
}

func (r *Relay) send(msg Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		r.failed.Add(1)
		r.log.Warn("relay encode failed", "job_id", msg.JobID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.Channel(msg.JobID), body).Err(); err != nil {
		// Log the first failure and every hundredth after it.
		if n := r.failed.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn("relay publish failed", "job_id", msg.JobID, "failures", n, "error", err)
		}
	}
}
