package handoff

import (
	"context"
	"sync/atomic"

	"github.com/joeycumines/go-concur/park"
)

// mode bits for a stackNode. A plain mode is either data or request; the
// fulfilling bit is OR'd in by whichever thread is actively trying to pair
// itself with the node at the head of the stack.
const (
	modeRequest    int32 = 0
	modeData       int32 = 1
	modeFulfilling int32 = 2
)

type stackNode[T any] struct {
	mode   int32
	item   T // immutable after construction: the value a data-mode node offers
	next   atomic.Pointer[stackNode[T]]
	match  atomic.Pointer[stackNode[T]] // CAS'd exactly once: the node that paired with this one, or itself if cancelled
	waiter atomic.Pointer[park.Token]
}

func newStackNode[T any](mode int32, item T) *stackNode[T] {
	return &stackNode[T]{mode: mode, item: item}
}

func (n *stackNode[T]) isCancelled() bool { return n.match.Load() == n }

// tryMatch pairs n with partner, unparking n's waiter if n wasn't already
// matched. Returns true if n is now paired with partner (whether this call
// won the CAS or a concurrent one did).
func (n *stackNode[T]) tryMatch(partner *stackNode[T]) bool {
	if n.match.CompareAndSwap(nil, partner) {
		if tok := n.waiter.Swap(nil); tok != nil {
			tok.Unpark()
		}
		return true
	}
	return n.match.Load() == partner
}

// transferStack is the unfair, LIFO dual-stack rendezvous algorithm: a
// Treiber stack of waiting data/request nodes, where arrivals either push
// alongside same-mode waiters or pop-and-pair with a complementary one at
// the head.
type transferStack[T any] struct {
	head atomic.Pointer[stackNode[T]]
}

func newTransferStack[T any]() *transferStack[T] {
	return &transferStack[T]{}
}

func (s *transferStack[T]) transfer(ctx context.Context, v T, hasValue bool) (T, bool) {
	mode := modeRequest
	if hasValue {
		mode = modeData
	}

	var self *stackNode[T]
	for {
		h := s.head.Load()

		switch {
		case h == nil || h.mode == mode:
			// Empty stack, or the head is waiting for the same thing we
			// are: join it as a waiter rather than fulfilling anything.
			if ctx.Err() != nil {
				var zero T
				return zero, false
			}
			if self == nil {
				self = newStackNode[T](mode, v)
			}
			self.next.Store(h)
			if !s.head.CompareAndSwap(h, self) {
				continue
			}
			val, ok := s.awaitFulfill(ctx, self)
			if !ok {
				s.clean(self)
				logRendezvousFailure("handoff-unfair")
				var zero T
				return zero, false
			}
			return val, true

		case h.mode&modeFulfilling == 0:
			// Complementary waiter at head, not yet claimed: try to become
			// its fulfiller.
			if h.isCancelled() {
				s.head.CompareAndSwap(h, h.next.Load())
				continue
			}
			fulfiller := newStackNode[T](mode|modeFulfilling, v)
			fulfiller.next.Store(h)
			if !s.head.CompareAndSwap(h, fulfiller) {
				continue
			}
			if val, ok, done := s.completeFulfill(fulfiller, hasValue, v); done {
				return val, ok
			}
			self = nil // fulfiller loop restarts the whole algorithm from scratch

		default:
			// Head is already being fulfilled by someone else: help by
			// popping the pair once it resolves, then retry.
			hn := h.next.Load()
			if hn == nil {
				s.head.CompareAndSwap(h, nil)
				continue
			}
			mn := hn.next.Load()
			if hn.tryMatch(h) {
				s.head.CompareAndSwap(h, mn)
			} else {
				h.next.CompareAndSwap(hn, mn)
			}
		}
	}
}

// completeFulfill drives the inner loop of claiming the node(s) beneath a
// freshly-pushed fulfilling node until either a match completes or the
// waiters it could pair with are gone (in which case the outer transfer
// loop restarts). done is false only in the "restart" case.
func (s *transferStack[T]) completeFulfill(fulfiller *stackNode[T], hasValue bool, v T) (val T, ok bool, done bool) {
	for {
		m := fulfiller.next.Load()
		if m == nil {
			s.head.CompareAndSwap(fulfiller, nil)
			var zero T
			return zero, false, false
		}
		mn := m.next.Load()
		if m.tryMatch(fulfiller) {
			s.head.CompareAndSwap(fulfiller, mn)
			if hasValue {
				return v, true, true
			}
			return m.item, true, true
		}
		fulfiller.next.CompareAndSwap(m, mn)
	}
}

func (s *transferStack[T]) awaitFulfill(ctx context.Context, self *stackNode[T]) (T, bool) {
	tok := park.NewToken()
	self.waiter.Store(tok)

	for {
		if m := self.match.Load(); m != nil {
			return m.item, true
		}

		timedOut, canceled := tok.ParkContext(ctx)

		if m := self.match.Load(); m != nil {
			return m.item, true
		}
		if timedOut || canceled {
			if self.match.CompareAndSwap(nil, self) {
				var zero T
				return zero, false
			}
			// A match landed in the exact instant we tried to cancel.
			return self.match.Load().item, true
		}
		// Spurious wake with no match yet: loop and re-park.
	}
}

// clean best-effort unsplices target (already self-matched as cancelled)
// and any other cancelled nodes it walks past. A cancelled node left in
// place is harmless — transfer's main loop also evicts a cancelled node it
// finds at the head — this just bounds how long that takes.
func (s *transferStack[T]) clean(target *stackNode[T]) {
	for {
		h := s.head.Load()
		if h == nil {
			return
		}
		if h == target {
			if s.head.CompareAndSwap(h, h.next.Load()) {
				return
			}
			continue
		}
		prev := h
		for n := h.next.Load(); n != nil; {
			if n.isCancelled() {
				nxt := n.next.Load()
				prev.next.CompareAndSwap(n, nxt)
				n = nxt
				continue
			}
			if n == target {
				return
			}
			prev = n
			n = n.next.Load()
		}
		return
	}
}
