package images

import (
	"context"
	"sync"
)

// Lazy is a value computed on first use and memoized, errors included.
type Lazy[T any] struct {
	once sync.Once
	fn   func(ctx context.Context) (T, error)
	val  T
	err  error
}

// NewLazy wraps fn. fn runs at most once.
func NewLazy[T any](fn func(ctx context.Context) (T, error)) *Lazy[T] {
	return &Lazy[T]{fn: fn}
}

// Resolved wraps an already known value.
func Resolved[T any](v T) *Lazy[T] {
	l := &Lazy[T]{val: v}
	l.once.Do(func() {})
	return l
}

// Resolve runs the thunk on the first call and returns the memoized result.
func (l *Lazy[T]) Resolve(ctx context.Context) (T, error) {
	l.once.Do(func() {
		l.val, l.err = l.fn(ctx)
	})
	return l.val, l.err
}
