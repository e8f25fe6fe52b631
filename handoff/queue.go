package handoff

import (
	"context"
	"sync/atomic"

	"github.com/joeycumines/go-concur/park"
)

type qnode[T any] struct {
	isData bool
	item   T // immutable after construction: the value a data-mode node offers
	next   atomic.Pointer[qnode[T]]
	match  atomic.Pointer[qnode[T]] // CAS'd exactly once: the node that paired with this one, or itself if cancelled
	waiter atomic.Pointer[park.Token]
}

func (n *qnode[T]) isCancelled() bool { return n.match.Load() == n }

func (n *qnode[T]) tryMatch(partner *qnode[T]) bool {
	if n.match.CompareAndSwap(nil, partner) {
		if tok := n.waiter.Swap(nil); tok != nil {
			tok.Unpark()
		}
		return true
	}
	return n.match.Load() == partner
}

// transferQueue is the fair, FIFO dual-queue rendezvous algorithm: a
// singly-linked list with a permanent dummy head, where arrivals either
// enqueue alongside same-mode waiters at the tail or claim the
// complementary waiter immediately behind the head. A single deferred
// cleanMe slot amortizes cancellation cleanup to O(1) per cancel rather
// than an O(n) rescan every time.
type transferQueue[T any] struct {
	head    atomic.Pointer[qnode[T]]
	tail    atomic.Pointer[qnode[T]]
	cleanMe atomic.Pointer[qnode[T]]
}

func newTransferQueue[T any]() *transferQueue[T] {
	dummy := &qnode[T]{}
	q := &transferQueue[T]{}
	q.head.Store(dummy)
	q.tail.Store(dummy)
	return q
}

func (q *transferQueue[T]) transfer(ctx context.Context, v T, hasValue bool) (T, bool) {
	var self *qnode[T]
	for {
		t := q.tail.Load()
		h := q.head.Load()

		if h == t || t.isData == hasValue {
			tn := t.next.Load()
			if t != q.tail.Load() {
				continue
			}
			if tn != nil {
				q.tail.CompareAndSwap(t, tn)
				continue
			}
			if ctx.Err() != nil {
				var zero T
				return zero, false
			}
			if self == nil {
				self = &qnode[T]{item: v, isData: hasValue}
			}
			if !t.next.CompareAndSwap(nil, self) {
				continue
			}
			q.tail.CompareAndSwap(t, self)

			val, ok := q.awaitFulfill(ctx, t, self)
			if !ok {
				q.clean(t, self)
				logRendezvousFailure("handoff-fair")
				var zero T
				return zero, false
			}
			return val, true
		}

		// h has a complementary waiter right behind it: try to claim it.
		m := h.next.Load()
		if m == nil || t != q.tail.Load() || h != q.head.Load() {
			continue
		}
		matched := m.tryMatch(&qnode[T]{item: v, isData: hasValue})
		q.head.CompareAndSwap(h, m)
		if !matched {
			continue
		}
		if hasValue {
			return v, true
		}
		return m.item, true
	}
}

// awaitFulfill parks self until it's matched, ctx is done, or it spuriously
// wakes. Only the head's successor spins before parking: that's the only
// waiter FIFO order guarantees is next to be fulfilled, so it's the only one
// for which a brief busy-spin can plausibly shorten the wait; everyone
// further back blocks immediately instead of burning CPU on a check that
// won't resolve any sooner.
func (q *transferQueue[T]) awaitFulfill(ctx context.Context, pred, self *qnode[T]) (T, bool) {
	tok := park.NewToken()
	self.waiter.Store(tok)

	for {
		if m := self.match.Load(); m != nil {
			return m.item, true
		}

		var timedOut, canceled bool
		if q.head.Load() == pred {
			timedOut, canceled = tok.ParkContext(ctx)
		} else {
			timedOut, canceled = tok.ParkContextNoSpin(ctx)
		}

		if m := self.match.Load(); m != nil {
			return m.item, true
		}
		if timedOut || canceled {
			if self.match.CompareAndSwap(nil, self) {
				var zero T
				return zero, false
			}
			return self.match.Load().item, true
		}
	}
}

// clean is a direct port of SynchronousQueue.TransferQueue's deferred
// single-slot cleanup: it tries to unsplice s from behind pred, and if
// that's not immediately possible (s is currently the tail, which can't be
// unspliced without racing an arrival appending behind it), parks the
// cleanup job in cleanMe so the NEXT cancel finishes it, rather than
// rescanning the whole list on every cancel.
func (q *transferQueue[T]) clean(pred, s *qnode[T]) {
	for pred.next.Load() == s {
		h := q.head.Load()
		if hn := h.next.Load(); hn != nil && hn.isCancelled() {
			q.head.CompareAndSwap(h, hn)
			continue
		}
		t := q.tail.Load()
		if t == h {
			return
		}
		tn := t.next.Load()
		if t != q.tail.Load() {
			continue
		}
		if tn != nil {
			q.tail.CompareAndSwap(t, tn)
			continue
		}
		if s != t {
			sn := s.next.Load()
			if sn == s || pred.next.CompareAndSwap(s, sn) {
				return
			}
		}

		dp := q.cleanMe.Load()
		if dp != nil {
			d := dp.next.Load()
			var dn *qnode[T]
			if d == nil || d == dp || !d.isCancelled() ||
				(d != t && func() bool {
					dn = d.next.Load()
					return dn != nil && dn != d && dp.next.CompareAndSwap(d, dn)
				}()) {
				q.cleanMe.CompareAndSwap(dp, nil)
			}
			if dp == pred {
				return
			}
		} else if q.cleanMe.CompareAndSwap(nil, pred) {
			return
		}
	}
}
