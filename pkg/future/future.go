// Package future provides single-assignment deferred results.
//
// A Future is settled exactly once, either with a value or with an error.
// Settling is a linearization point: callers that need some side effect to
// happen if and only if they win the race to settle (for example, applying a
// registration only if its deadline has not fired yet) do so with Settle.
package future

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"

	derror "github.com/hanfei1991/jobcoord/pkg/errors"
)

// Future is a deferred result that is completed exactly once.
type Future[T any] struct {
	mu      sync.Mutex
	settled bool
	value   T
	err     error

	doneCh chan struct{}
}

// New creates an unsettled Future.
func New[T any]() *Future[T] {
	return &Future[T]{
		doneCh: make(chan struct{}),
	}
}

// Completed returns a Future already settled with value.
func Completed[T any](value T) *Future[T] {
	f := New[T]()
	f.Complete(value)
	return f
}

// Failed returns a Future already settled with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Settle runs fn and stores its result, but only if the Future has
// not been settled yet. fn runs while the Future is locked, so no
// concurrent settle can interleave with it. It returns whether fn ran.
func (f *Future[T]) Settle(fn func() (T, error)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.settled {
		return false
	}
	f.value, f.err = fn()
	f.settled = true
	close(f.doneCh)
	return true
}

// Complete settles the Future with value. It returns false if the
// Future had already been settled.
func (f *Future[T]) Complete(value T) bool {
	return f.Settle(func() (T, error) {
		return value, nil
	})
}

// Fail settles the Future with err. It returns false if the
// Future had already been settled.
func (f *Future[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("future failed with a nil error")
	}
	return f.Settle(func() (T, error) {
		var noVal T
		return noVal, err
	})
}

// Done returns a channel that is closed once the Future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.doneCh
}

// IsSettled returns whether the Future has been settled.
func (f *Future[T]) IsSettled() bool {
	select {
	case <-f.doneCh:
		return true
	default:
		return false
	}
}

// Get blocks until the Future is settled or ctx is done.
// If ctx is done first, the Future is left untouched.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var noVal T
		return noVal, errors.Trace(ctx.Err())
	case <-f.doneCh:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// FailAfter fails the Future with a timeout error once deadline passes,
// unless it is settled before. The returned function releases the
// watcher early and must be called if the caller stops caring.
func (f *Future[T]) FailAfter(deadline time.Time, op string) (stop func()) {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	go func() {
		defer cancel()
		select {
		case <-f.doneCh:
		case <-ctx.Done():
			if errors.Cause(ctx.Err()) == context.DeadlineExceeded {
				f.Fail(derror.ErrTimeoutExceeded.GenWithStackByArgs(op))
			}
		}
	}()
	return cancel
}
