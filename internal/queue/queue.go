// Package queue implements the bounded, prioritized, retrying task
// executor used for deferred monitor work.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/logging"
)

// Priority orders queue items; smaller runs first
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// Item is one unit of work
type Item struct {
	ID            string
	Payload       any
	Priority      Priority
	CreatedAt     time.Time
	Attempts      int
	LastAttemptAt time.Time
}

// Handler processes one item. A non-nil error (or an expired context,
// which the queue treats identically) triggers a retry.
type Handler func(ctx context.Context, item Item) error

// Options tunes the queue
type Options struct {
	MaxConcurrent int           // Parallel workers (default 4)
	MaxSize       int           // Pending-item bound (default 1000)
	Timeout       time.Duration // Per-item processing deadline (default 30s)
	MaxRetries    int           // Re-enqueues after failure (default 3)
	RetryDelay    time.Duration // Spacing between retries (default 5s)
	OnMaxRetries  func(item Item, err error)
}

// Queue is a priority work queue with per-item timeout and retry.
//
// Ordering: priority ascending, then createdAt ascending. Enqueueing an
// id already pending either promotes it (new priority is higher) or is
// dropped. Up to MaxConcurrent items run in parallel.
type Queue struct {
	mu      sync.Mutex
	items   itemHeap
	pending map[string]*heapEntry

	opts    Options
	handler Handler
	logger  zerolog.Logger

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dropped   atomic.Int64
	exhausted atomic.Int64
}

type heapEntry struct {
	item  Item
	index int
}

type itemHeap []*heapEntry

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority < h[j].item.Priority
	}
	return h[i].item.CreatedAt.Before(h[j].item.CreatedAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	entry := x.(*heapEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// New creates a queue. Call Start before enqueueing.
func New(opts Options, handler Handler, logger zerolog.Logger) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Queue{
		pending: make(map[string]*heapEntry),
		opts:    opts,
		handler: handler,
		logger:  logger.With().Str("component", "work_queue").Logger(),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the dispatcher and worker pool
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)

	slots := make(chan struct{}, q.opts.MaxConcurrent)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			entry := q.pop()
			if entry == nil {
				select {
				case <-q.wake:
					continue
				case <-q.ctx.Done():
					return
				}
			}

			select {
			case slots <- struct{}{}:
			case <-q.ctx.Done():
				return
			}

			item := entry.item
			q.wg.Add(1)
			go func() {
				defer q.wg.Done()
				defer func() { <-slots }()
				defer logging.RecoverPanic(q.logger, "queue_worker", map[string]any{"item_id": item.ID})
				q.process(item)
			}()
		}
	}()
}

// Stop cancels the dispatcher and waits for in-flight items
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue adds an item.
//
// If the id is already pending: a higher (numerically smaller) priority
// replaces the existing priority and createdAt; otherwise the enqueue
// is a no-op, making same-priority re-enqueues idempotent. Returns
// false when the item was dropped (duplicate without promotion, or the
// queue is full).
func (q *Queue) Enqueue(id string, payload any, priority Priority) bool {
	q.mu.Lock()

	if existing, ok := q.pending[id]; ok {
		if priority < existing.item.Priority {
			existing.item.Priority = priority
			existing.item.CreatedAt = time.Now()
			heap.Fix(&q.items, existing.index)
			q.mu.Unlock()
			q.signal()
			return true
		}
		q.mu.Unlock()
		return false
	}

	if len(q.items) >= q.opts.MaxSize {
		q.mu.Unlock()
		q.dropped.Add(1)
		q.logger.Warn().Str("item_id", id).Msg("queue full, item dropped")
		return false
	}

	entry := &heapEntry{item: Item{
		ID:        id,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: time.Now(),
	}}
	heap.Push(&q.items, entry)
	q.pending[id] = entry
	q.mu.Unlock()

	q.signal()
	return true
}

// Size returns the number of pending items
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many enqueues were rejected because the queue
// was full.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Exhausted returns how many items ran out of retries
func (q *Queue) Exhausted() int64 { return q.exhausted.Load() }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop removes and returns the highest-priority pending item, or nil
func (q *Queue) pop() *heapEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	entry := heap.Pop(&q.items).(*heapEntry)
	delete(q.pending, entry.item.ID)
	return entry
}

// process runs one item under the processing timeout. A timeout counts
// as a failure. Failures are re-enqueued up to MaxRetries times spaced
// by RetryDelay; exhaustion fires OnMaxRetries and the item is not
// re-enqueued.
func (q *Queue) process(item Item) {
	item.Attempts++
	item.LastAttemptAt = time.Now()

	ctx, cancel := context.WithTimeout(q.ctx, q.opts.Timeout)
	err := q.handler(ctx, item)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	cancel()

	if err == nil {
		return
	}

	if item.Attempts > q.opts.MaxRetries {
		q.exhausted.Add(1)
		q.logger.Warn().
			Str("item_id", item.ID).
			Int("attempts", item.Attempts).
			Err(err).
			Msg("item exhausted retries")
		if q.opts.OnMaxRetries != nil {
			q.opts.OnMaxRetries(item, err)
		}
		return
	}

	q.logger.Debug().
		Str("item_id", item.ID).
		Int("attempt", item.Attempts).
		Err(err).
		Msg("item failed, scheduling retry")

	// The timer may fire during shutdown; requeue checks ctx.
	retry := item
	time.AfterFunc(q.opts.RetryDelay, func() {
		q.requeue(retry)
	})
}

// requeue re-inserts a retried item preserving its attempt count
func (q *Queue) requeue(item Item) {
	if q.ctx.Err() != nil {
		return
	}
	q.mu.Lock()
	if _, ok := q.pending[item.ID]; ok {
		// A fresh enqueue of the same id raced in; keep it.
		q.mu.Unlock()
		return
	}
	if len(q.items) >= q.opts.MaxSize {
		q.mu.Unlock()
		q.dropped.Add(1)
		return
	}
	entry := &heapEntry{item: item}
	heap.Push(&q.items, entry)
	q.pending[item.ID] = entry
	q.mu.Unlock()
	q.signal()
}
