// Package pending turns callback-style notifications into awaitable results.
//
// An Operation is a result cell that can be settled exactly once, by success,
// failure or cancellation. Every later settlement attempt is a silent no-op
// that reports false, so racing callbacks (a completion against a timeout, a
// late device callback against an abandoned caller) never fault and never
// resume the waiter twice.
package pending

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cjeanneret/shutterbridge/internal/camerr"
)

// Operation is a single-settlement continuation.
type Operation[T any] struct {
	settled atomic.Bool
	done    chan struct{}
	value   T
	err     error
}

// New returns an unsettled operation.
func New[T any]() *Operation[T] {
	return &Operation[T]{done: make(chan struct{})}
}

func (o *Operation[T]) settle(v T, err error) bool {
	if !o.settled.CompareAndSwap(false, true) {
		return false
	}
	o.value = v
	o.err = err
	close(o.done)
	return true
}

// Resolve settles the operation with v. It returns false if the operation was
// already settled, in which case the caller still owns v.
func (o *Operation[T]) Resolve(v T) bool {
	return o.settle(v, nil)
}

// Reject settles the operation with err.
func (o *Operation[T]) Reject(err error) bool {
	var zero T
	return o.settle(zero, err)
}

// Cancel settles the operation with camerr.ErrCancelled.
func (o *Operation[T]) Cancel() bool {
	return o.Reject(camerr.ErrCancelled)
}

// Settled reports whether a settlement has happened.
func (o *Operation[T]) Settled() bool {
	return o.settled.Load()
}

// Done is closed once the operation is settled.
func (o *Operation[T]) Done() <-chan struct{} {
	return o.done
}

// Result returns the settled value. It must only be called after Done is
// closed.
func (o *Operation[T]) Result() (T, error) {
	return o.value, o.err
}

// Wait blocks until the operation settles or ctx ends. If ctx ends first the
// operation is cancelled; should a settlement win that race its result is
// returned instead.
func (o *Operation[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-o.done:
		return o.Result()
	case <-ctx.Done():
	}
	err := fmt.Errorf("%w: %w", camerr.ErrCancelled, ctx.Err())
	if o.Reject(err) {
		var zero T
		return zero, err
	}
	<-o.done
	return o.Result()
}

// Await runs start, which must arrange for op to be settled by a callback,
// and waits for the outcome. An error from start rejects the operation.
func Await[T any](ctx context.Context, start func(op *Operation[T]) error) (T, error) {
	op := New[T]()
	if err := start(op); err != nil {
		op.Reject(err)
	}
	return op.Wait(ctx)
}
