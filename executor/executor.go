// Package executor supplies the external Executor surface Futures are
// submitted through, plus InvokeAny/InvokeAll orchestration composing
// future.Future with a queue.Queue-backed completion order.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-concur/future"
	"github.com/joeycumines/go-concur/internal/xlog"
	"github.com/joeycumines/go-concur/park"
	"github.com/joeycumines/go-concur/queue"
)

// ErrRejected is returned by Execute when a task cannot be accepted (e.g.
// the backing queue is full).
var ErrRejected = errors.New("executor: task rejected")

// ErrClosed is returned by Execute after Shutdown.
var ErrClosed = errors.New("executor: closed")

// Executor is the minimal task-submission surface Futures are run through.
// Any type satisfying this (this package's FixedPool, or an external one)
// can drive future.Future via Submit/SubmitFunc/InvokeAny/InvokeAll.
type Executor interface {
	Execute(task func()) error
}

// Submit wraps fn in a new Future and hands it to ex for execution,
// returning the Future immediately (before it necessarily runs).
func Submit[T any](ex Executor, fn future.Func[T], opts ...future.Option[T]) (*future.Future[T], error) {
	fut := future.New(fn, opts...)
	tok := park.NewToken()
	if err := ex.Execute(func() { fut.Run(tok) }); err != nil {
		fut.Cancel(false)
		return nil, err
	}
	return fut, nil
}

// SubmitFunc is Submit for a computation that doesn't need its TaskHandle.
func SubmitFunc[T any](ex Executor, fn func() (T, error)) (*future.Future[T], error) {
	return Submit[T](ex, func(future.TaskHandle) (T, error) { return fn() })
}

// SubmitRunnable wraps a side-effecting task with no return value, handing
// back result on success (mirroring ExecutorService.submit(Runnable, V)): run
// fn for effect, then settle the Future with the caller-supplied fixed
// result instead of anything fn itself produced.
func SubmitRunnable[T any](ex Executor, fn func(), result T) (*future.Future[T], error) {
	return Submit[T](ex, func(future.TaskHandle) (T, error) {
		fn()
		return result, nil
	})
}

func cancelAll[T any](futs []*future.Future[T], interrupt bool) {
	for _, f := range futs {
		f.Cancel(interrupt)
	}
}

// InvokeAny submits every fn to ex, returns the value of the first one to
// complete successfully, and interrupts the rest. Returns the last error
// observed if every task fails, or ctx's error if ctx is done first.
func InvokeAny[T any](ctx context.Context, ex Executor, fns []future.Func[T]) (T, error) {
	var zero T
	if len(fns) == 0 {
		return zero, errors.New("executor: InvokeAny requires at least one task")
	}

	completions, err := queue.New[*future.Future[T]](len(fns))
	if err != nil {
		return zero, err
	}

	futs := make([]*future.Future[T], len(fns))
	for i, fn := range fns {
		i := i
		futs[i] = future.New(fn, future.WithOnDone[T](func(future.State) {
			_ = completions.Offer(futs[i])
		}))
	}
	for _, fut := range futs {
		tok := park.NewToken()
		if err := ex.Execute(func() { fut.Run(tok) }); err != nil {
			fut.Cancel(false) // rejection still settles the Future, driving its OnDone
		}
	}

	var lastErr error
	for remaining := len(futs); remaining > 0; remaining-- {
		fut, err := completions.Take(ctx)
		if err != nil {
			cancelAll(futs, true)
			return zero, err
		}
		v, err := fut.Get()
		if err == nil {
			cancelAll(futs, true)
			return v, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = errors.New("executor: InvokeAny: all tasks failed")
	}
	return zero, lastErr
}

// InvokeAll submits every fn to ex and waits for all of them to settle, or
// for ctx to expire, whichever comes first. The deadline applied to each
// individual Future.GetTimeout is the *remaining* time on ctx at the point
// each is awaited, not ctx's duration divided evenly across tasks. Always
// returns the full slice of Futures (even on timeout — inspect each one's
// State/Get individually), alongside a non-nil error iff ctx expired
// before all of them settled.
func InvokeAll[T any](ctx context.Context, ex Executor, fns []future.Func[T]) ([]*future.Future[T], error) {
	futs := make([]*future.Future[T], len(fns))
	for i, fn := range fns {
		fut := future.New(fn)
		futs[i] = fut
		tok := park.NewToken()
		if err := ex.Execute(func() { fut.Run(tok) }); err != nil {
			fut.Cancel(false)
		}
	}

	for _, fut := range futs {
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				cancelAll(futs, true)
				return futs, context.DeadlineExceeded
			}
			if _, err := fut.GetTimeout(remaining); errors.Is(err, future.ErrTimedOut) {
				cancelAll(futs, true)
				return futs, context.DeadlineExceeded
			}
		} else {
			_, _ = fut.Get()
		}
		if err := ctx.Err(); err != nil {
			cancelAll(futs, true)
			return futs, err
		}
	}
	return futs, nil
}

// Option configures a FixedPool at construction.
type Option func(*poolConfig)

type poolConfig struct {
	queueCapacity int
	limiter       *catrate.Limiter
}

// WithQueueCapacity overrides the default backlog capacity (64).
func WithQueueCapacity(n int) Option {
	return func(c *poolConfig) { c.queueCapacity = n }
}

// WithDiagnosticLimiter installs a rate limiter throttling how often a
// rejection or recovered worker panic is logged, so a misbehaving caller
// or task can't flood the configured logger.
func WithDiagnosticLimiter(limiter *catrate.Limiter) Option {
	return func(c *poolConfig) { c.limiter = limiter }
}

// FixedPool is a fixed-size worker pool Executor backed by a bounded
// queue.Queue of pending tasks.
type FixedPool struct {
	tasks   *queue.Queue[func()]
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	limiter *catrate.Limiter
}

// NewFixedPool starts workers goroutines draining a bounded task queue.
func NewFixedPool(workers int, opts ...Option) (*FixedPool, error) {
	if workers <= 0 {
		return nil, errors.New("executor: workers must be > 0")
	}
	cfg := poolConfig{queueCapacity: 64}
	for _, o := range opts {
		o(&cfg)
	}

	tasks, err := queue.New[func()](cfg.queueCapacity)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &FixedPool{
		tasks:   tasks,
		ctx:     ctx,
		cancel:  cancel,
		limiter: cfg.limiter,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			p.worker()
		}()
	}

	return p, nil
}

func (p *FixedPool) worker() {
	for {
		task, err := p.tasks.Take(p.ctx)
		if err != nil {
			return
		}
		p.runTask(task)
	}
}

func (p *FixedPool) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logDiagnostic("worker recovered a panic", r)
		}
	}()
	task()
}

// Execute enqueues task, returning ErrClosed after Shutdown or ErrRejected
// if the backlog is full.
func (p *FixedPool) Execute(task func()) error {
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	if !p.tasks.Offer(task) {
		p.logDiagnostic("task rejected: queue full", nil)
		return ErrRejected
	}
	return nil
}

// Shutdown stops accepting new tasks and blocks until every worker has
// exited. A worker exits only once the backlog is empty, so tasks already
// queued when Shutdown is called still run before it returns.
func (p *FixedPool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

func (p *FixedPool) logDiagnostic(message string, cause any) {
	if p.limiter != nil {
		if _, ok := p.limiter.Allow("executor-diagnostic"); !ok {
			return
		}
	}
	fields := map[string]any{"queue_len": p.tasks.Len(), "queue_cap": p.tasks.Cap()}
	if cause == nil {
		xlog.Warn("executor", message, fields)
		return
	}
	err, ok := cause.(error)
	if !ok {
		err = fmt.Errorf("%v", cause)
	}
	xlog.Error("executor", message, err, fields)
}
