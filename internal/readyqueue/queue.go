// Package readyqueue buffers inbound messages for a logical upstream while
// the agent server is not yet ready, then drains them sequentially once it
// comes up.
//
// Grounded on the teacher's per-key mutex-guarded map idiom
// (internal/channels/ratelimit.go's WebhookRateLimiter): one lock per
// component, a map keyed by an opaque string, entries created lazily. Here
// the per-key entry is a FIFO buffer plus a flag for whether a drain
// goroutine is already running against it, generalizing the shape to the
// polling/draining state machine in spec.md §4.6.
package readyqueue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PollInterval and TotalWait are the authoritative constants from spec.md §5.
const (
	PollInterval = 3 * time.Second
	TotalWait    = 90 * time.Second
)

// ReadinessChecker reports whether the upstream is currently reachable.
type ReadinessChecker interface {
	IsReady(ctx context.Context) bool
}

// Processor is the engine's registered onProcess callback, invoked once per
// queued item in strict FIFO order within a queue key.
type Processor func(ctx context.Context, message any, config any) error

type item struct {
	message any
	config  any
	done    chan error
}

type bucket struct {
	mu       sync.Mutex
	items    []*item
	draining bool
}

// Queue is the process-wide Readiness Queue. Safe for concurrent use.
type Queue struct {
	client ReadinessChecker
	onProc Processor

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates a Queue that polls client for readiness and, once ready,
// invokes onProc for each buffered item.
func New(client ReadinessChecker, onProc Processor) *Queue {
	return &Queue{
		client:  client,
		onProc:  onProc,
		buckets: make(map[string]*bucket),
	}
}

// Enqueue appends message/config to queueKey's buffer and, if no drain loop
// is currently active for that key, starts one. It blocks until the item has
// been processed, rejected by the deadline, or dropped by a catastrophic
// queue error.
func (q *Queue) Enqueue(ctx context.Context, queueKey string, message, config any) error {
	q.mu.Lock()
	b, ok := q.buckets[queueKey]
	if !ok {
		b = &bucket{}
		q.buckets[queueKey] = b
	}
	q.mu.Unlock()

	it := &item{message: message, config: config, done: make(chan error, 1)}

	b.mu.Lock()
	b.items = append(b.items, it)
	startDrain := !b.draining
	if startDrain {
		b.draining = true
	}
	b.mu.Unlock()

	if startDrain {
		go q.drain(queueKey, b)
	}

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueSize returns the number of buffered (not yet drained) items for key.
func (q *Queue) QueueSize(queueKey string) int {
	q.mu.Lock()
	b, ok := q.buckets[queueKey]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// TotalQueueSize sums QueueSize across every known key.
func (q *Queue) TotalQueueSize() int {
	q.mu.Lock()
	keys := make([]string, 0, len(q.buckets))
	for k := range q.buckets {
		keys = append(keys, k)
	}
	q.mu.Unlock()

	total := 0
	for _, k := range keys {
		total += q.QueueSize(k)
	}
	return total
}

// drain owns b exclusively: it is the single active drain loop for
// queueKey, polling readiness and then processing strictly sequentially.
func (q *Queue) drain(queueKey string, b *bucket) {
	defer q.removeBucket(queueKey, b)

	deadline := time.Now().Add(TotalWait)
	ready := false
	ctx := context.Background()
	for time.Now().Before(deadline) {
		if q.client.IsReady(ctx) {
			ready = true
			break
		}
		time.Sleep(PollInterval)
	}

	if !ready {
		q.rejectAll(b, fmt.Errorf("server did not become ready"))
		return
	}

	for {
		b.mu.Lock()
		if len(b.items) == 0 {
			b.mu.Unlock()
			return
		}
		it := b.items[0]
		b.items = b.items[1:]
		b.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					it.done <- fmt.Errorf("readyqueue: processing panic: %v", r)
					q.rejectAll(b, fmt.Errorf("readyqueue: aborted after panic: %v", r))
				}
			}()
			it.done <- q.onProc(ctx, it.message, it.config)
		}()
	}
}

func (q *Queue) rejectAll(b *bucket, err error) {
	b.mu.Lock()
	pending := b.items
	b.items = nil
	b.mu.Unlock()

	for _, it := range pending {
		it.done <- err
	}
}

func (q *Queue) removeBucket(queueKey string, b *bucket) {
	b.mu.Lock()
	b.draining = false
	empty := len(b.items) == 0
	b.mu.Unlock()

	if !empty {
		return
	}
	q.mu.Lock()
	if cur, ok := q.buckets[queueKey]; ok && cur == b {
		delete(q.buckets, queueKey)
	}
	q.mu.Unlock()
}
