// Package concur collects a small set of java.util.concurrent-flavored
// building blocks translated into idiomatic Go:
//
//   - park: a per-task parkable handle with a spin-then-block policy.
//   - future: a one-shot, cancellable computation result (FutureTask).
//   - queue: a bounded, two-lock FIFO blocking queue (LinkedBlockingQueue).
//   - handoff: a synchronous, zero-capacity rendezvous channel
//     (SynchronousQueue), with unfair (LIFO) and fair (FIFO) transfer
//     algorithms.
//   - executor: a fixed-size worker pool plus Submit/InvokeAny/InvokeAll
//     orchestration over Future and queue.
//
// Each package is usable independently; executor is the only one that
// composes the others.
package concur
