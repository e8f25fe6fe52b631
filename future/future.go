// Package future implements a one-shot computation whose outcome is
// published atomically to an unbounded set of waiters, with
// interrupt-driven cancellation racing completion.
//
// The design mirrors java.util.concurrent.FutureTask's state machine:
// NEW is the only state Run or Cancel may leave via a winning CAS on the
// same field, so a completing computation and a concurrent cancel can never
// both "win". What differs from a channel-of-one is the waiter side: an
// arbitrary number of goroutines can block in Get concurrently, enrolling
// on a lock-free Treiber stack that the terminal transition drains with a
// single atomic swap.
package future

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-concur/internal/xlog"
	"github.com/joeycumines/go-concur/park"
)

// State is a Future's lifecycle state. The zero value is StateNew.
type State uint32

const (
	StateNew State = iota
	StateCompleting
	StateNormal
	StateExceptional
	StateCancelled
	StateInterrupting
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateCompleting:
		return "COMPLETING"
	case StateNormal:
		return "NORMAL"
	case StateExceptional:
		return "EXCEPTIONAL"
	case StateCancelled:
		return "CANCELLED"
	case StateInterrupting:
		return "INTERRUPTING"
	case StateInterrupted:
		return "INTERRUPTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(s))
	}
}

func isTerminal(s State) bool {
	switch s {
	case StateNormal, StateExceptional, StateCancelled, StateInterrupted:
		return true
	default:
		return false
	}
}

// TaskHandle is the task-identity surface a Func receives, and the surface
// Cancel(true) uses to deliver an interrupt to whatever is currently
// running the computation. *park.Token satisfies this directly: the same
// token an executor parks workers on doubles as the handle it hands to the
// task it's running.
type TaskHandle interface {
	Interrupt()
	Interrupted() bool
}

// Func is the computation a Future wraps. It receives the TaskHandle of
// whoever is executing it, so it can cooperatively check Interrupted() at
// safe points, the same way a java.util.concurrent task checks
// Thread.interrupted() — Go goroutines, like Java threads, are not
// preemptible, so interruption is always cooperative.
type Func[T any] func(tok TaskHandle) (T, error)

// Sentinel and wrapping errors returned by Get/GetTimeout.
var (
	ErrCancelled = errors.New("future: cancelled")
	ErrTimedOut  = errors.New("future: timed out waiting for result")
)

// ExecutionError wraps the error (or recovered panic) a Func produced.
type ExecutionError struct {
	Cause error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("future: task failed: %v", e.Cause) }
func (e *ExecutionError) Unwrap() error { return e.Cause }

type runnerBox struct {
	handle TaskHandle
}

type waiterNode struct {
	tok  atomic.Pointer[park.Token]
	next atomic.Pointer[waiterNode]
}

// Option configures a Future at construction.
type Option[T any] interface{ apply(*Future[T]) }

type optionFunc[T any] func(*Future[T])

func (f optionFunc[T]) apply(fut *Future[T]) { f(fut) }

// WithOnDone installs a hook fired exactly once, from the goroutine that
// settles the Future, immediately after its terminal state is published.
func WithOnDone[T any](cb func(State)) Option[T] {
	return optionFunc[T](func(fut *Future[T]) { fut.onDone = cb })
}

// Future is a one-shot, generically-typed result slot.
//
// betteralign:ignore -- state is hot and contended; padding avoids false
// sharing with the waiters head, which is written by every Get/unlink.
type Future[T any] struct {
	_       [64]byte
	state   atomic.Uint32
	_       [60]byte //nolint:unused

	fn      Func[T]
	value   T
	cause   error
	runner  atomic.Pointer[runnerBox]
	waiters atomic.Pointer[waiterNode]
	onDone  func(State)
}

// New creates a pending Future wrapping fn. fn is not invoked until Run is
// called, normally by an Executor worker goroutine.
func New[T any](fn Func[T], opts ...Option[T]) *Future[T] {
	fut := &Future[T]{fn: fn}
	for _, o := range opts {
		o.apply(fut)
	}
	return fut
}

// Completed returns an already-settled Future with the given value.
func Completed[T any](value T) *Future[T] {
	fut := &Future[T]{value: value}
	fut.state.Store(uint32(StateNormal))
	return fut
}

// Failed returns an already-settled Future carrying err.
func Failed[T any](err error) *Future[T] {
	fut := &Future[T]{cause: err}
	fut.state.Store(uint32(StateExceptional))
	return fut
}

// Run claims the runner slot (via CAS, so concurrent or repeated Run calls
// on the same Future are no-ops past the first) and executes fn, racing any
// concurrent Cancel on the Future's state field. A panic inside fn is
// recovered and reported as an *ExecutionError, matching the "failure
// inside the computation settles the Future exceptionally" contract.
func (f *Future[T]) Run(tok TaskHandle) {
	if State(f.state.Load()) != StateNew {
		return
	}
	if !f.runner.CompareAndSwap(nil, &runnerBox{handle: tok}) {
		return
	}

	value, err := f.invoke(tok)

	if !f.state.CompareAndSwap(uint32(StateNew), uint32(StateCompleting)) {
		// A concurrent Cancel already won the race on state; our result is
		// discarded. If it cancelled with interrupt, wait for that to fully
		// land before returning, so the interrupt doesn't leak onto
		// whatever this goroutine runs next.
		f.awaitInterruptSettled()
		f.runner.Store(nil)
		return
	}

	f.value = value
	final := StateNormal
	if err != nil {
		if _, ok := err.(*ExecutionError); !ok {
			err = &ExecutionError{Cause: err}
		}
		final = StateExceptional
	}
	f.cause = err
	f.runner.Store(nil)
	f.state.Store(uint32(final))
	f.finish(final)
}

// RunAndReset behaves like Run, but discards any produced value/error and,
// if no concurrent Cancel intervened, resets the Future back to StateNew
// instead of publishing a terminal state. Returns true iff it reset (i.e.
// the Future remains usable for another Run), modeled on
// ScheduledThreadPoolExecutor's periodic-task re-arming.
func (f *Future[T]) RunAndReset(tok TaskHandle) bool {
	if State(f.state.Load()) != StateNew {
		return false
	}
	if !f.runner.CompareAndSwap(nil, &runnerBox{handle: tok}) {
		return false
	}

	f.invoke(tok)

	if s := State(f.state.Load()); s != StateNew {
		f.awaitInterruptSettled()
		f.runner.Store(nil)
		return false
	}
	f.runner.Store(nil)
	return true
}

func (f *Future[T]) invoke(tok TaskHandle) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = &ExecutionError{Cause: e}
			} else {
				err = &ExecutionError{Cause: fmt.Errorf("%v", r)}
			}
		}
	}()
	return f.fn(tok)
}

func (f *Future[T]) awaitInterruptSettled() {
	for State(f.state.Load()) == StateInterrupting {
		runtime.Gosched()
	}
}

// Cancel attempts to move the Future out of StateNew. Returns false if the
// Future already completed, was already cancelled, or Run already won the
// race to StateCompleting. When interrupt is true and Cancel wins the race,
// it additionally calls Interrupt() on whatever TaskHandle Run claimed the
// runner slot with, if any.
func (f *Future[T]) Cancel(interrupt bool) bool {
	target := StateCancelled
	if interrupt {
		target = StateInterrupting
	}
	if !f.state.CompareAndSwap(uint32(StateNew), uint32(target)) {
		return false
	}

	if interrupt {
		if box := f.runner.Load(); box != nil && box.handle != nil {
			box.handle.Interrupt()
		}
		f.state.Store(uint32(StateInterrupted))
		f.finish(StateInterrupted)
	} else {
		f.finish(StateCancelled)
	}
	return true
}

func (f *Future[T]) finish(final State) {
	if final == StateCancelled || final == StateInterrupted {
		f.cause = ErrCancelled
	}

	head := f.waiters.Swap(nil)
	for n := head; n != nil; n = n.next.Load() {
		if tok := n.tok.Swap(nil); tok != nil {
			tok.Unpark()
		}
	}

	if f.onDone != nil {
		f.onDone(final)
	}

	if l := xlog.Get(); l.Enabled(xlog.LevelDebug) {
		l.Log(xlog.Entry{Level: xlog.LevelDebug, Component: "future", Message: "settled", Fields: map[string]any{"state": final.String()}})
	}
}

// State returns the Future's current lifecycle state.
func (f *Future[T]) State() State { return State(f.state.Load()) }

// Done reports whether the Future has reached a terminal state.
func (f *Future[T]) Done() bool { return isTerminal(f.State()) }

// IsCancelled reports whether the Future was cancelled (with or without
// interrupt), including the transient INTERRUPTING state.
func (f *Future[T]) IsCancelled() bool {
	switch f.State() {
	case StateCancelled, StateInterrupting, StateInterrupted:
		return true
	default:
		return false
	}
}

// Get blocks until the Future settles, returning its value or an error:
// ErrCancelled, an *ExecutionError wrapping whatever the computation
// returned or panicked with, or the error a Failed Future was created with.
func (f *Future[T]) Get() (T, error) {
	return f.await(false, time.Time{})
}

// GetTimeout blocks until the Future settles or d elapses, whichever comes
// first, returning ErrTimedOut in the latter case.
func (f *Future[T]) GetTimeout(d time.Duration) (T, error) {
	return f.await(true, time.Now().Add(d))
}

func (f *Future[T]) outcome(s State) (T, error) {
	switch s {
	case StateNormal:
		return f.value, nil
	case StateExceptional:
		var zero T
		return zero, f.cause
	case StateCancelled, StateInterrupted:
		var zero T
		return zero, ErrCancelled
	default:
		var zero T
		return zero, fmt.Errorf("future: unexpected state %s", s)
	}
}

func (f *Future[T]) await(timed bool, deadline time.Time) (T, error) {
	for {
		if s := State(f.state.Load()); isTerminal(s) {
			return f.outcome(s)
		}

		node := &waiterNode{}
		tok := park.NewToken()
		node.tok.Store(tok)
		for {
			old := f.waiters.Load()
			node.next.Store(old)
			if f.waiters.CompareAndSwap(old, node) {
				break
			}
		}

		if s := State(f.state.Load()); isTerminal(s) {
			f.unlinkWaiter(node)
			return f.outcome(s)
		}

		timedOut := tok.ParkSpin(timed, deadline)
		f.unlinkWaiter(node)

		if s := State(f.state.Load()); isTerminal(s) {
			return f.outcome(s)
		}
		if timedOut {
			var zero T
			return zero, ErrTimedOut
		}
		// Spurious wake with no terminal state yet: loop and re-enroll.
	}
}

// unlinkWaiter best-effort removes target from the waiter stack. It always
// clears target's token first, so a concurrent finish's broadcast won't
// double-unpark it. The splice itself uses CAS on each node's next pointer
// (never a plain write) since multiple goroutines — e.g. two GetTimeout
// callers expiring around the same time — can run unlinkWaiter concurrently;
// a lost CAS race just restarts the walk from the current head rather than
// corrupting the list.
func (f *Future[T]) unlinkWaiter(target *waiterNode) {
	target.tok.Store(nil)

restart:
	for {
		head := f.waiters.Load()
		if head == nil {
			return
		}
		if head == target {
			if f.waiters.CompareAndSwap(head, head.next.Load()) {
				return
			}
			continue
		}
		prev := head
		for n := prev.next.Load(); n != nil; {
			next := n.next.Load()
			if n.tok.Load() == nil {
				if !prev.next.CompareAndSwap(n, next) {
					continue restart
				}
				n = next
				continue
			}
			prev = n
			n = next
		}
		return
	}
}
