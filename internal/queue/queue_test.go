package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestQueueProcessesJob(t *testing.T) {
	q := New(10, 1, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var processed int32
	done := make(chan struct{})
	ok := q.Enqueue(Job{
		ID:     "job1",
		Source: "test",
		Work: func(ctx context.Context) error {
			atomic.AddInt32(&processed, 1)
			close(done)
			return nil
		},
	})
	if !ok {
		t.Fatalf("expected enqueue to succeed")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("job did not complete")
	}
	if atomic.LoadInt32(&processed) != 1 {
		t.Fatalf("job not processed")
	}
}

func TestQueueTimeoutAndBounded(t *testing.T) {
	q := New(1, 0, 100*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	ok := q.Enqueue(Job{ID: "slow", Source: "test", Work: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	if !ok {
		t.Fatalf("expected first enqueue to succeed")
	}

	if ok := q.Enqueue(Job{ID: "drop", Source: "test", Work: func(ctx context.Context) error { return nil }}); ok {
		t.Fatalf("expected enqueue to be rejected when queue is full")
	}
}

func TestEnqueueWithRetryDropsWhenFull(t *testing.T) {
	q := New(1, 0, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	first := q.Enqueue(Job{ID: "first", Source: "test", Work: func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }})
	if !first {
		t.Fatalf("expected initial enqueue to succeed")
	}

	enqueued, dropped := q.EnqueueWithRetry(ctx, Job{ID: "retry", Source: "test", Work: func(ctx context.Context) error { return nil }}, 200*time.Millisecond, 50*time.Millisecond)
	if enqueued {
		t.Fatalf("expected enqueue to fail due to full queue")
	}
	if !dropped {
		t.Fatalf("expected enqueue to be reported as dropped after retries")
	}
}

func TestStopDrainsWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := New(8, 2, time.Second, nil)
	ctx := context.Background()
	q.Start(ctx)

	for i := 0; i < 4; i++ {
		q.Enqueue(Job{ID: "j", Source: "test", Work: func(ctx context.Context) error { return nil }})
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	q.Stop(stopCtx)

	if got := q.Stats().Processed; got != 4 {
		t.Fatalf("expected 4 processed after drain, got %d", got)
	}
}
