// Package future provides lazily-resolved, memoised values.
//
// A Future is how a pipeline refers to something that does not exist yet at
// graph-construction time: rendered content, its fingerprint, a secret held in
// Vault, or a version parsed out of a compose file. Resolution runs the
// producing function at most once; every caller observes the same value or the
// same error.
package future

import (
	"context"
	"sync"
)

// Resolver is implemented by every Future regardless of its type parameter.
// It lets heterogeneous parameter maps be resolved without reflection.
type Resolver interface {
	ResolveAny(ctx context.Context) (any, error)
}

// Future is a deferred value of type T.
type Future[T any] struct {
	fn func(ctx context.Context) (T, error)

	mu      sync.Mutex
	running bool
	done    chan struct{}
	value   T
	err     error
}

// New returns a future whose value is produced by fn on first resolution.
func New[T any](fn func(ctx context.Context) (T, error)) *Future[T] {
	return &Future[T]{
		fn:   fn,
		done: make(chan struct{}),
	}
}

// Resolved returns a future that already holds v.
func Resolved[T any](v T) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), value: v}
	close(f.done)
	return f
}

// Failed returns a future that always fails with err.
func Failed[T any](err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

// Then derives a future from f's value. fn is only called if f succeeds.
func Then[A, B any](f *Future[A], fn func(ctx context.Context, a A) (B, error)) *Future[B] {
	return New(func(ctx context.Context) (B, error) {
		a, err := f.Resolve(ctx)
		if err != nil {
			var zero B
			return zero, err
		}
		return fn(ctx, a)
	})
}

// Resolve blocks until the value is available or ctx is done.
//
// The producing function runs detached from the caller's cancellation, so a
// cancelled caller does not poison the value seen by later callers.
func (f *Future[T]) Resolve(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}

	f.mu.Lock()
	if !f.running {
		f.running = true
		go f.run(context.WithoutCancel(ctx))
	}
	f.mu.Unlock()

	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) run(ctx context.Context) {
	defer close(f.done)
	f.value, f.err = f.fn(ctx)
}

// ResolveAny implements Resolver.
func (f *Future[T]) ResolveAny(ctx context.Context) (any, error) {
	return f.Resolve(ctx)
}

// Done reports whether the future has settled.
func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// All resolves every future in fs and returns their values in order.
// The first error encountered is returned.
func All[T any](ctx context.Context, fs ...*Future[T]) ([]T, error) {
	out := make([]T, len(fs))
	for i, f := range fs {
		v, err := f.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
