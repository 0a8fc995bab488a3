// Package bridge implements C2: the thread-safe submission primitive that
// marshals work from radio-callback goroutines onto the single Matrix
// cooperative loop, per §4.2 and §9's "async everywhere vs. threads at the
// boundary" guidance (model (a): the radio side runs on its own goroutines
// and feeds the async/cooperative world through a channel).
//
// There is no corpus library for "submit a closure to a named event loop";
// this is a deliberate stdlib-channel design, noted in DESIGN.md.
package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrShutDown is returned by Submit once the bridge has been shut down
// (§4.2: "Shutdown sets a process-wide flag that causes the bridge to
// refuse new submissions").
var ErrShutDown = errors.New("bridge: shut down, refusing new submissions")

// Job is a unit of work scheduled onto the Matrix loop.
type Job struct {
	ID uuid.UUID
	Fn func(ctx context.Context) (any, error)
}

// Future is the result of a submitted Job.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

// Wait blocks until the job completes or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newResolvedFuture(result any, err error) *Future {
	f := &Future{done: make(chan struct{}), result: result, err: err}
	close(f.done)
	return f
}

// Bridge owns the channel the Matrix loop drains and the shutdown flag
// guarding new submissions.
type Bridge struct {
	mu       sync.Mutex
	running  bool
	shutDown bool
	queue    chan jobEnvelope
}

type jobEnvelope struct {
	job    Job
	future *Future
}

// New creates a Bridge with the given queue depth.
func New(queueDepth int) *Bridge {
	return &Bridge{queue: make(chan jobEnvelope, queueDepth)}
}

// Run drains the queue on the calling goroutine until ctx is cancelled. The
// calling goroutine becomes "the Matrix loop" for the duration of the call.
func (b *Bridge) Run(ctx context.Context) {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-b.queue:
			result, err := envelope.job.Fn(ctx)
			envelope.future.result = result
			envelope.future.err = err
			close(envelope.future.done)
		}
	}
}

// Submit schedules fn onto the Matrix loop and returns a Future (§4.2's
// primitive). Resolution order:
//
//  1. The call is itself happening from within a Run drain (reported by
//     onLoop) → run inline, whether or not the loop is running, since
//     enqueueing onto the loop's own queue from inside it could deadlock.
//  2. A running loop exists → enqueue for the Run goroutine to drain.
//  3. Otherwise → run to completion on the calling goroutine and return an
//     already-resolved future (the "fresh ephemeral loop" fallback).
func (b *Bridge) Submit(ctx context.Context, onLoop bool, fn func(ctx context.Context) (any, error)) (*Future, error) {
	b.mu.Lock()
	shutDown := b.shutDown
	running := b.running
	b.mu.Unlock()

	if shutDown {
		return newResolvedFuture(nil, ErrShutDown), ErrShutDown
	}

	if onLoop {
		result, err := fn(ctx)
		return newResolvedFuture(result, err), nil
	}

	future := &Future{done: make(chan struct{})}
	job := Job{ID: uuid.New(), Fn: fn}

	if running {
		select {
		case b.queue <- jobEnvelope{job: job, future: future}:
			return future, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Fallback #3: no loop is running, run inline and return resolved.
	result, err := fn(ctx)
	return newResolvedFuture(result, err), nil
}

// FireAndForget wraps Submit, discarding the future after attaching a
// logging handler for errors (§4.2).
func (b *Bridge) FireAndForget(ctx context.Context, onErr func(error), fn func(ctx context.Context) (any, error)) {
	future, err := b.Submit(ctx, false, fn)
	if err != nil {
		if onErr != nil {
			onErr(err)
		}
		return
	}

	go func() {
		if _, err := future.Wait(context.Background()); err != nil && onErr != nil {
			onErr(err)
		}
	}()
}

// Shutdown sets the process-wide refusal flag; submissions after this call
// return ErrShutDown instead of blocking (§4.2, §8: "no new Matrix task is
// scheduled" after shutting_down=true).
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	b.shutDown = true
	b.mu.Unlock()
}

// ShuttingDown reports whether Shutdown has been called.
func (b *Bridge) ShuttingDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutDown
}
