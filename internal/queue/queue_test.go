package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestOrderingByPriorityThenAge(t *testing.T) {
	q := New(Options{}, func(context.Context, Item) error { return nil }, zerolog.Nop())

	q.Enqueue("low", nil, PriorityLow)
	q.Enqueue("normal-1", nil, PriorityNormal)
	q.Enqueue("high", nil, PriorityHigh)
	q.Enqueue("normal-2", nil, PriorityNormal)

	want := []string{"high", "normal-1", "normal-2", "low"}
	for i, id := range want {
		entry := q.pop()
		if entry == nil {
			t.Fatalf("pop %d returned nil", i)
		}
		if entry.item.ID != id {
			t.Errorf("pop %d = %s, want %s", i, entry.item.ID, id)
		}
	}
	if q.pop() != nil {
		t.Error("queue not empty after draining")
	}
}

func TestDuplicateEnqueueIsIdempotent(t *testing.T) {
	q := New(Options{}, func(context.Context, Item) error { return nil }, zerolog.Nop())

	if !q.Enqueue("scan", nil, PriorityNormal) {
		t.Fatal("first enqueue rejected")
	}
	if q.Enqueue("scan", nil, PriorityNormal) {
		t.Error("duplicate enqueue with same priority accepted")
	}
	if q.Size() != 1 {
		t.Errorf("size = %d, want 1", q.Size())
	}
}

func TestHigherPriorityPromotesExistingItem(t *testing.T) {
	q := New(Options{}, func(context.Context, Item) error { return nil }, zerolog.Nop())

	q.Enqueue("scan", nil, PriorityLow)
	if !q.Enqueue("scan", nil, PriorityHigh) {
		t.Fatal("promotion rejected")
	}
	if q.Size() != 1 {
		t.Fatalf("size = %d, want 1", q.Size())
	}

	entry := q.pop()
	if entry.item.Priority != PriorityHigh {
		t.Errorf("priority = %d, want high", entry.item.Priority)
	}

	// Lower priority never demotes.
	q.Enqueue("scan2", nil, PriorityHigh)
	if q.Enqueue("scan2", nil, PriorityLow) {
		t.Error("demotion accepted")
	}
}

func TestFullQueueDropsAndCounts(t *testing.T) {
	q := New(Options{MaxSize: 2}, func(context.Context, Item) error { return nil }, zerolog.Nop())

	q.Enqueue("a", nil, PriorityNormal)
	q.Enqueue("b", nil, PriorityNormal)
	if q.Enqueue("c", nil, PriorityNormal) {
		t.Error("enqueue over capacity accepted")
	}
	if q.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", q.Dropped())
	}
}

func TestRetryUntilExhaustion(t *testing.T) {
	var attempts atomic.Int64
	exhausted := make(chan Item, 1)

	q := New(Options{
		MaxConcurrent: 1,
		MaxRetries:    2,
		RetryDelay:    5 * time.Millisecond,
		OnMaxRetries: func(item Item, err error) {
			exhausted <- item
		},
	}, func(context.Context, Item) error {
		attempts.Add(1)
		return errors.New("endpoint unavailable")
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	q.Enqueue("failing", nil, PriorityNormal)

	select {
	case item := <-exhausted:
		if item.Attempts != 3 {
			t.Errorf("attempts at exhaustion = %d, want 3", item.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnMaxRetries never fired")
	}

	if got := attempts.Load(); got != 3 {
		t.Errorf("handler ran %d times, want 3 (1 initial + 2 retries)", got)
	}
	if q.Exhausted() != 1 {
		t.Errorf("exhausted counter = %d, want 1", q.Exhausted())
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	exhausted := make(chan error, 1)

	q := New(Options{
		MaxConcurrent: 1,
		Timeout:       10 * time.Millisecond,
		MaxRetries:    1,
		RetryDelay:    5 * time.Millisecond,
		OnMaxRetries: func(_ Item, err error) {
			exhausted <- err
		},
	}, func(ctx context.Context, _ Item) error {
		<-ctx.Done()
		return ctx.Err()
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	q.Enqueue("slow", nil, PriorityNormal)

	select {
	case err := <-exhausted:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("exhaustion error = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed-out item never exhausted")
	}
}

func TestConcurrencyBound(t *testing.T) {
	var running, peak atomic.Int64
	done := make(chan struct{}, 8)

	q := New(Options{MaxConcurrent: 2}, func(context.Context, Item) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		done <- struct{}{}
		return nil
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		q.Enqueue(id, nil, PriorityNormal)
	}

	for i := 0; i < 6; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("items did not complete")
		}
	}

	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}
