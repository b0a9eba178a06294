package readyqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeChecker struct {
	mu    sync.Mutex
	ready bool
}

func (f *fakeChecker) IsReady(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeChecker) setReady(v bool) {
	f.mu.Lock()
	f.ready = v
	f.mu.Unlock()
}

func TestEnqueueProcessesOnceReady(t *testing.T) {
	checker := &fakeChecker{ready: true}
	var processed []string
	var mu sync.Mutex
	q := New(checker, func(ctx context.Context, message, config any) error {
		mu.Lock()
		processed = append(processed, message.(string))
		mu.Unlock()
		return nil
	})

	if err := q.Enqueue(context.Background(), "k", "hello", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 1 || processed[0] != "hello" {
		t.Fatalf("processed = %v", processed)
	}
}

func TestEnqueueFIFOOrderSingleKey(t *testing.T) {
	checker := &fakeChecker{ready: true}
	var mu sync.Mutex
	var order []int
	q := New(checker, func(ctx context.Context, message, config any) error {
		mu.Lock()
		order = append(order, message.(int))
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.Enqueue(context.Background(), "k", n, nil)
		}(i)
		time.Sleep(time.Millisecond) // preserve submission order
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(order); i++ {
		if order[i] < order[i-1] {
			t.Fatalf("out-of-order processing: %v", order)
		}
	}
}

func TestEnqueueWaitsForReadyThenDrains(t *testing.T) {
	checker := &fakeChecker{ready: false}
	var processedCount int32
	q := New(checker, func(ctx context.Context, message, config any) error {
		atomic.AddInt32(&processedCount, 1)
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), "k", "m", nil)
	}()

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&processedCount) != 0 {
		t.Fatalf("should not process before ready")
	}
	checker.setReady(true)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(PollInterval + 2*time.Second):
		t.Fatal("timed out waiting for drain after becoming ready")
	}
	if atomic.LoadInt32(&processedCount) != 1 {
		t.Fatalf("processedCount = %d, want 1", processedCount)
	}
}

func TestProcessErrorPropagatesToCaller(t *testing.T) {
	checker := &fakeChecker{ready: true}
	wantErr := fmt.Errorf("boom")
	q := New(checker, func(ctx context.Context, message, config any) error {
		return wantErr
	})

	err := q.Enqueue(context.Background(), "k", "m", nil)
	if err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestQueueSizeAndTotalQueueSize(t *testing.T) {
	checker := &fakeChecker{ready: false}
	q := New(checker, func(ctx context.Context, message, config any) error { return nil })

	for i := 0; i < 3; i++ {
		go q.Enqueue(context.Background(), "a", i, nil)
	}
	go q.Enqueue(context.Background(), "b", "x", nil)

	// Give the enqueues a moment to land before the (never-ready) drain
	// loops start popping (they won't, since checker never becomes ready).
	time.Sleep(20 * time.Millisecond)

	if q.QueueSize("a") == 0 {
		t.Fatalf("expected bucket a to have buffered items")
	}
	if q.TotalQueueSize() < q.QueueSize("a")+q.QueueSize("b") {
		t.Fatalf("TotalQueueSize smaller than sum of parts")
	}
}

func TestBucketRemovedAfterDrainCompletes(t *testing.T) {
	checker := &fakeChecker{ready: true}
	q := New(checker, func(ctx context.Context, message, config any) error { return nil })

	if err := q.Enqueue(context.Background(), "k", "m", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// drain() deletes the bucket from the map asynchronously right after
	// the loop observes an empty queue; poll briefly for it.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		_, exists := q.buckets["k"]
		q.mu.Unlock()
		if !exists {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("bucket was never cleaned up")
}
