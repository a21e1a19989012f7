package cache

import (
	"context"
	"fmt"
	"runtime/debug"
)

// flight is the shared result of one producer invocation. Every caller that misses while the producer is running
// waits on the same flight, so the producer runs once and all waiters see the same value or the same error.
type flight struct {
	done  chan struct{} // Closed exactly once by finish.
	value any
	err   error
}

func newFlight() *flight {
	return &flight{done: make(chan struct{})}
}

// finish publishes the outcome and wakes all waiters. Must be called exactly once.
func (f *flight) finish(value any, err error) {
	f.value, f.err = value, err
	close(f.done)
}

// wait blocks until the flight finishes or `ctx` is done. Giving up on `ctx` only affects this waiter; the producer
// keeps running for everyone else.
func (f *flight) wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProducerPanicError is delivered to every waiter when the producer panics instead of returning.
type ProducerPanicError struct {
	Value any    // The value passed to panic.
	Stack []byte // Stack of the producer goroutine at the time of the panic.
}

func (e *ProducerPanicError) Error() string {
	return fmt.Sprintf("cache producer panicked: %v", e.Value)
}

// runProducer calls `producer` and turns a panic into a ProducerPanicError.
func runProducer(ctx context.Context, producer Producer) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, &ProducerPanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return producer(ctx)
}
