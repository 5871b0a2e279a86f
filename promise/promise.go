// Package promise provides single-assignment deferred values.
package promise

import (
	"context"
	"sync"
)

// Awaiter is satisfied by every *Future regardless of its type parameter. The dispatcher
// uses it to recognise methods that hand back a deferred value.
type Awaiter interface {
	AwaitAny(ctx context.Context) (any, error)
}

// Future holds a value that becomes available later. It resolves exactly once; later
// attempts are ignored.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func New[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

// Resolved returns a Future that is already complete.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v, nil)
	return f
}

// Rejected returns a Future that already failed with err.
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	var zero T
	f.Resolve(zero, err)
	return f
}

// Run resolves the returned Future with the result of fn, which runs on its own goroutine.
func Run[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		f.Resolve(fn())
	}()
	return f
}

// Resolve completes the future. It reports false when the future was already complete.
func (f *Future[T]) Resolve(v T, err error) bool {
	fired := false
	f.once.Do(func() {
		f.value = v
		f.err = err
		fired = true
		close(f.done)
	})
	return fired
}

// Done is closed once the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future resolves or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get blocks until the future resolves, with no deadline.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

func (f *Future[T]) AwaitAny(ctx context.Context) (any, error) {
	return f.Await(ctx)
}

// Then derives a future from f. fn runs once f resolves successfully; an error from f is
// passed through without calling fn.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	next := New[U]()
	go func() {
		v, err := f.Get()
		if err != nil {
			var zero U
			next.Resolve(zero, err)
			return
		}
		next.Resolve(fn(v))
	}()
	return next
}

// All waits for every future and returns their values and errors in the same order.
// Futures still pending once ctx is done report ctx's error; All does not wait for them.
func All[T any](ctx context.Context, futures ...*Future[T]) ([]T, []error) {
	results := make([]T, len(futures))
	errs := make([]error, len(futures))
	for i, f := range futures {
		results[i], errs[i] = f.Await(ctx)
	}
	return results, errs
}
