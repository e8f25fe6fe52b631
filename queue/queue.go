// Package queue implements a bounded FIFO blocking queue using the
// two-lock variant of java.util.concurrent.LinkedBlockingQueue: an
// independent lock guards each end of a singly-linked, sentinel-headed
// list, so a concurrent Put and Take share a mutex only when one of them
// moves the queue off empty or off full and signals the other end. Size
// is tracked with a single atomic counter read by both ends without
// locking either.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-concur/internal/xlog"
)

// ErrInvalidArgument is returned by New for a non-positive capacity.
var ErrInvalidArgument = errors.New("queue: capacity must be > 0")

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// Queue is a bounded, FIFO, blocking queue of T. The zero value is not
// usable; construct with New.
type Queue[T any] struct {
	capacity int64

	// betteralign:ignore -- count is the hottest field in the type; padding
	// keeps it off the cache line shared with the locks below.
	_     [64]byte
	count atomic.Int64
	_     [56]byte //nolint:unused

	putLock  sync.Mutex
	putCond  *sync.Cond
	lastNode *node[T]

	takeLock sync.Mutex
	takeCond *sync.Cond
	head     *node[T] // sentinel: head.next is the real first element, if any

	limiter *catrate.Limiter
}

// Option configures a Queue at construction.
type Option func(*config)

type config struct {
	limiter *catrate.Limiter
}

// WithBackpressureLimiter enables backpressure logging: a Put blocking on a
// full queue, or an Offer finding it full, is logged via xlog at most as
// often as limiter allows — so a producer hammering a full queue can't
// flood the configured logger. Without this option nothing is logged.
func WithBackpressureLimiter(limiter *catrate.Limiter) Option {
	return func(c *config) { c.limiter = limiter }
}

// New creates a Queue with the given maximum capacity.
func New[T any](capacity int, opts ...Option) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidArgument
	}
	var c config
	for _, o := range opts {
		o(&c)
	}
	sentinel := &node[T]{}
	q := &Queue[T]{
		capacity: int64(capacity),
		head:     sentinel,
		lastNode: sentinel,
		limiter:  c.limiter,
	}
	q.putCond = sync.NewCond(&q.putLock)
	q.takeCond = sync.NewCond(&q.takeLock)
	return q, nil
}

// Cap returns the queue's fixed capacity.
func (q *Queue[T]) Cap() int { return int(q.capacity) }

// Len returns the number of elements currently queued.
func (q *Queue[T]) Len() int { return int(q.count.Load()) }

// RemainingCapacity returns how many more elements can be put without
// blocking.
func (q *Queue[T]) RemainingCapacity() int { return int(q.capacity - q.count.Load()) }

// enqueue appends n at the tail. Caller must hold putLock.
func (q *Queue[T]) enqueue(n *node[T]) {
	q.lastNode.next.Store(n)
	q.lastNode = n
}

// dequeue removes and returns the element after the sentinel head, advancing
// the sentinel to that node (so the old first element's node becomes the
// new sentinel — this is what lets put/take use fully independent locks:
// the node a Take frees never overlaps the node a concurrent Put appends
// to). Caller must hold takeLock.
func (q *Queue[T]) dequeue() T {
	h := q.head
	first := h.next.Load()
	q.head = first
	v := first.value
	var zero T
	first.value = zero // drop the reference so idle capacity doesn't retain it
	return v
}

func (q *Queue[T]) signalNotEmpty() {
	q.takeLock.Lock()
	q.takeCond.Signal()
	q.takeLock.Unlock()
}

func (q *Queue[T]) signalNotFull() {
	q.putLock.Lock()
	q.putCond.Signal()
	q.putLock.Unlock()
}

func (q *Queue[T]) logBackpressure(message string) {
	if q.limiter == nil {
		return
	}
	if _, ok := q.limiter.Allow("queue-full"); !ok {
		return
	}
	xlog.Warn("queue", message, map[string]any{"len": q.Len(), "cap": q.Cap()})
}

// Put inserts v, blocking indefinitely while the queue is at capacity, or
// until ctx is cancelled.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	n := &node[T]{value: v}

	q.putLock.Lock()
	for q.count.Load() >= q.capacity {
		q.logBackpressure("put blocked: queue full")
		if err := q.waitCtx(ctx, q.putCond, &q.putLock); err != nil {
			q.putLock.Unlock()
			return err
		}
	}
	q.enqueue(n)
	size := q.count.Add(1)
	if size < q.capacity {
		// Cascade: there's still room, so wake one more waiting putter
		// (if any) instead of leaving it to notice on its own. Bounds
		// total wakeups for a burst of N puts to O(N), not O(N^2).
		q.putCond.Signal()
	}
	q.putLock.Unlock()

	if size == 1 {
		q.signalNotEmpty()
	}
	return nil
}

// Offer inserts v without blocking, returning false if the queue is full.
func (q *Queue[T]) Offer(v T) bool {
	if q.count.Load() >= q.capacity {
		return false
	}
	n := &node[T]{value: v}

	q.putLock.Lock()
	if q.count.Load() >= q.capacity {
		q.putLock.Unlock()
		q.logBackpressure("offer rejected: queue full")
		return false
	}
	q.enqueue(n)
	size := q.count.Add(1)
	if size < q.capacity {
		q.putCond.Signal()
	}
	q.putLock.Unlock()

	if size == 1 {
		q.signalNotEmpty()
	}
	return true
}

// OfferTimeout inserts v, blocking up to d while the queue is full.
func (q *Queue[T]) OfferTimeout(d time.Duration, v T) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Put(ctx, v) == nil
}

// Take removes and returns the head element, blocking indefinitely while
// the queue is empty, or until ctx is cancelled.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	q.takeLock.Lock()
	for q.count.Load() == 0 {
		if err := q.waitCtx(ctx, q.takeCond, &q.takeLock); err != nil {
			q.takeLock.Unlock()
			var zero T
			return zero, err
		}
	}
	v := q.dequeue()
	size := q.count.Add(-1)
	if size > 0 {
		q.takeCond.Signal()
	}
	q.takeLock.Unlock()

	if size == q.capacity-1 {
		q.signalNotFull()
	}
	return v, nil
}

// Poll removes and returns the head element without blocking; ok is false
// if the queue was empty.
func (q *Queue[T]) Poll() (v T, ok bool) {
	if q.count.Load() == 0 {
		return v, false
	}
	q.takeLock.Lock()
	if q.count.Load() == 0 {
		q.takeLock.Unlock()
		return v, false
	}
	v = q.dequeue()
	size := q.count.Add(-1)
	if size > 0 {
		q.takeCond.Signal()
	}
	q.takeLock.Unlock()

	if size == q.capacity-1 {
		q.signalNotFull()
	}
	return v, true
}

// Peek returns the head element without removing it; ok is false if the
// queue was empty.
func (q *Queue[T]) Peek() (v T, ok bool) {
	if q.count.Load() == 0 {
		return v, false
	}
	q.takeLock.Lock()
	defer q.takeLock.Unlock()
	first := q.head.next.Load()
	if first == nil {
		return v, false
	}
	return first.value, true
}

// PollTimeout removes and returns the head element, blocking up to d while
// the queue is empty.
func (q *Queue[T]) PollTimeout(d time.Duration) (v T, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	v, err := q.Take(ctx)
	return v, err == nil
}

// waitCtx blocks on cond until signalled or ctx is done. cond.L must
// already be held. sync.Cond has no cancellation hook and no way to target
// a single waiter, so a cancelling ctx broadcasts rather than signals: that
// risks waking other blocked callers spuriously (they just re-check their
// own predicate and go back to sleep), but a Signal could pick the wrong
// goroutine and leave the actually-cancelled caller parked forever.
func (q *Queue[T]) waitCtx(ctx context.Context, cond *sync.Cond, lock *sync.Mutex) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := ctx.Done()
	if done == nil {
		cond.Wait()
		return nil
	}

	woke := make(chan struct{}, 1)
	stop := context.AfterFunc(ctx, func() {
		lock.Lock()
		defer lock.Unlock()
		select {
		case woke <- struct{}{}:
		default:
		}
		cond.Broadcast()
	})
	defer stop()

	cond.Wait()
	select {
	case <-woke:
		if ctx.Err() != nil {
			return ctx.Err()
		}
	default:
	}
	return nil
}

// Clear removes all elements, returning how many were removed.
func (q *Queue[T]) Clear() int {
	q.putLock.Lock()
	defer q.putLock.Unlock()
	q.takeLock.Lock()
	defer q.takeLock.Unlock()

	n := int(q.count.Load())
	sentinel := &node[T]{}
	q.head = sentinel
	q.lastNode = sentinel
	q.count.Store(0)
	q.putCond.Broadcast()
	return n
}

// DrainTo removes up to max elements (or all, if max <= 0) and returns
// them in FIFO order, without blocking.
func (q *Queue[T]) DrainTo(max int) []T {
	q.takeLock.Lock()

	var out []T
	signal := false
	for max <= 0 || len(out) < max {
		if q.count.Load() == 0 {
			break
		}
		out = append(out, q.dequeue())
		size := q.count.Add(-1)
		if size == q.capacity-1 {
			signal = true
		}
	}
	q.takeLock.Unlock()

	// signalNotFull acquires putLock; it must run after takeLock is released,
	// the same order Take/Poll already use, or it can AB-BA deadlock against
	// Clear (which holds putLock then takeLock simultaneously).
	if signal {
		q.signalNotFull()
	}
	return out
}

// Remove splices the first queued element equal to v (under eq) out of the
// list, reporting whether one was found. Unlike Put/Take, this takes both
// locks simultaneously (the same order Clear uses: putLock, then takeLock)
// since it mutates an interior link rather than either end.
func (q *Queue[T]) Remove(v T, eq func(a, b T) bool) bool {
	q.putLock.Lock()
	defer q.putLock.Unlock()
	q.takeLock.Lock()
	defer q.takeLock.Unlock()

	trail := q.head
	for p := trail.next.Load(); p != nil; p = trail.next.Load() {
		if eq(p.value, v) {
			trail.next.Store(p.next.Load())
			if p == q.lastNode {
				q.lastNode = trail
			}
			q.count.Add(-1)
			q.putCond.Signal()
			return true
		}
		trail = p
	}
	return false
}

// Contains reports whether any queued element equals v, under eq.
//
// This walks a weakly-consistent snapshot: it reflects the state of the
// queue at some point during the call, and may or may not reflect
// concurrent modifications that race with it.
func (q *Queue[T]) Contains(v T, eq func(a, b T) bool) bool {
	found := false
	q.All()(func(item T) bool {
		if eq(item, v) {
			found = true
			return false
		}
		return true
	})
	return found
}

// All returns a weakly-consistent range-over-func iterator over the
// queue's elements in FIFO order, snapshotting the linked list at the
// moment each step is taken rather than locking for the whole traversal.
// Elements inserted or removed mid-iteration may or may not be observed,
// matching java.util.concurrent's weakly-consistent iterator contract.
func (q *Queue[T]) All() func(yield func(T) bool) {
	return func(yield func(T) bool) {
		q.takeLock.Lock()
		n := q.head.next.Load()
		q.takeLock.Unlock()

		for n != nil {
			if !yield(n.value) {
				return
			}
			n = n.next.Load()
		}
	}
}
