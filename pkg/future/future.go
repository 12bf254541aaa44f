package future

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
)

// Future carries the eventual result of an operation submitted to an
// Executor. It is completed exactly once, from the Executor's goroutine;
// Get may be called from any number of goroutines.
type Future[T any] struct {
	mu   sync.Mutex
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(val T, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return // already completed; ignore late completions (e.g. cancellation races)
	default:
	}
	f.val, f.err = val, err
	close(f.done)
}

// Get blocks until the future completes or ctx is done, whichever comes
// first. A context cancellation surfaces as OPERATION_CANCELLED and a
// context deadline as OPERATION_TIMEOUT; the underlying task, if still
// running on the Executor, is not interrupted (orphaned chunks are
// tolerated per the chunk manager's failure policy).
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, chunkerrors.New(chunkerrors.OperationTimeout, "operation deadline exceeded")
		}
		return zero, chunkerrors.New(chunkerrors.OperationCancelled, "operation cancelled")
	}
}

// Wait is Get without a context, for call sites that already know they
// want to block unconditionally (tests, background reconciliation).
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.val, f.err
}

// Run submits fn to ex and returns a Future that completes with fn's result.
func Run[T any](ex Executor, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	ex.Submit(func() {
		val, err := fn()
		f.complete(val, err)
	})
	return f
}

// Deadline turns an optional timeout into a context, mirroring the "every
// operation takes an optional deadline" contract: a zero timeout means no
// deadline at all.
func Deadline(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
