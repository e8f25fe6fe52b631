// Package handoff implements a synchronous, zero-capacity rendezvous
// channel: every Put blocks until a matching Take arrives (and vice
// versa), modeled on java.util.concurrent.SynchronousQueue. Two
// interchangeable transfer algorithms are available, selected at
// construction:
//
//   - unfair (default): a lock-free LIFO dual stack, trading fairness for
//     lower latency under contention.
//   - fair (WithFair): a lock-free FIFO dual queue, serving waiters in
//     arrival order.
//
// Both algorithms use the same matching idiom: a waiting goroutine pushes
// a node and parks on it; a complementary arrival either joins the stack/
// queue as a waiter itself (same mode already at the insertion point) or
// claims the existing waiter via a single CAS on its match field and wakes
// it directly, without ever taking a lock.
package handoff

import (
	"context"
	"errors"
	"time"

	"github.com/joeycumines/go-concur/internal/xlog"
)

// ErrTimedOut is returned by OfferTimeout when no matching Take arrives
// within the given duration. PollTimeout reports a timeout as ok == false.
var ErrTimedOut = errors.New("handoff: timed out waiting for a matching party")

// transferer is satisfied by both the unfair (stack) and fair (queue)
// algorithms. hasValue selects Put (true, v is the value offered) vs Take
// (false, v is ignored); the returned bool is false on timeout/cancel.
type transferer[T any] interface {
	transfer(ctx context.Context, v T, hasValue bool) (T, bool)
}

// Channel is a synchronous handoff point for values of type T.
type Channel[T any] struct {
	t transferer[T]
}

type config struct {
	fair bool
}

// Option configures a Channel at construction.
type Option func(*config)

// WithFair selects the fair, FIFO dual-queue transfer algorithm instead of
// the default unfair LIFO dual stack.
func WithFair() Option {
	return func(c *config) { c.fair = true }
}

// New creates a Channel. Fairness is selected once, at construction, and
// cannot be changed afterwards.
func New[T any](opts ...Option) *Channel[T] {
	var c config
	for _, o := range opts {
		o(&c)
	}
	ch := &Channel[T]{}
	if c.fair {
		ch.t = newTransferQueue[T]()
	} else {
		ch.t = newTransferStack[T]()
	}
	return ch
}

// Put blocks until a Take (or Poll) rendezvouses with v, or ctx is done.
func (c *Channel[T]) Put(ctx context.Context, v T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := c.t.transfer(ctx, v, true); !ok {
		return ctxErrOrTimedOut(ctx)
	}
	return nil
}

// closedCtx is already-Done: handing it to transfer means "match right now
// or fail", which is exactly the non-blocking Offer/Poll contract.
var closedCtx = func() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}()

// Offer attempts a non-blocking handoff: it succeeds only if a Take is
// already waiting at the moment of the call.
func (c *Channel[T]) Offer(v T) bool {
	_, ok := c.t.transfer(closedCtx, v, true)
	return ok
}

// OfferTimeout blocks up to d for a matching Take.
func (c *Channel[T]) OfferTimeout(d time.Duration, v T) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := c.Put(ctx, v); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimedOut
		}
		return err
	}
	return nil
}

// Take blocks until a Put (or Offer) rendezvouses a value, or ctx is done.
func (c *Channel[T]) Take(ctx context.Context) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	v, ok := c.t.transfer(ctx, *new(T), false)
	if !ok {
		var zero T
		return zero, ctxErrOrTimedOut(ctx)
	}
	return v, nil
}

// Poll attempts a non-blocking receive: it succeeds only if a Put is
// already waiting at the moment of the call.
func (c *Channel[T]) Poll() (v T, ok bool) {
	return c.t.transfer(closedCtx, v, false)
}

// PollTimeout blocks up to d for a matching Put.
func (c *Channel[T]) PollTimeout(d time.Duration) (v T, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.t.transfer(ctx, v, false)
}

func ctxErrOrTimedOut(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrTimedOut
}

func logRendezvousFailure(algorithm string) {
	if l := xlog.Get(); l.Enabled(xlog.LevelDebug) {
		l.Log(xlog.Entry{Level: xlog.LevelDebug, Component: "handoff", Message: "transfer cancelled without a match", Fields: map[string]any{"algorithm": algorithm}})
	}
}
