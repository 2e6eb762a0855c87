package provider

import (
	"context"
	"fmt"
	"io"
	"time"
)

// DefaultIntentTimeout bounds an intent that was not given an explicit timeout.
const DefaultIntentTimeout = 2 * time.Minute

// Intent is a backend operation bound to its arguments. Constructing an intent
// does no I/O; Perform executes it.
type Intent[T any] struct {
	name    string
	timeout time.Duration
	do      func(ctx context.Context) (T, error)
}

// NewIntent binds fn under name. Backends build every controller method on it.
func NewIntent[T any](name string, fn func(ctx context.Context) (T, error)) Intent[T] {
	return Intent[T]{name: name, timeout: DefaultIntentTimeout, do: fn}
}

// Name returns the operation name, e.g. "createContainer".
func (i Intent[T]) Name() string { return i.name }

// WithTimeout returns a copy of the intent bounded by d. A zero or negative d
// leaves the call bounded only by the caller's context.
func (i Intent[T]) WithTimeout(d time.Duration) Intent[T] {
	i.timeout = d
	return i
}

// Perform executes the intent.
func (i Intent[T]) Perform(ctx context.Context) (T, error) {
	if i.do == nil {
		var zero T
		return zero, fmt.Errorf("%s: intent not bound", i.name)
	}
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithValue(ctx, callerKey{}, ctx), i.timeout)
		defer cancel()
	}
	return i.do(ctx)
}

type callerKey struct{}

// NewStreamIntent binds fn, whose stream outlives Perform. The intent timeout
// bounds opening the stream only; afterwards the stream ends when the caller's
// context is done or the stream is closed.
func NewStreamIntent(name string, fn func(ctx context.Context) (io.ReadCloser, error)) Intent[io.ReadCloser] {
	return NewIntent(name, func(ctx context.Context) (io.ReadCloser, error) {
		caller, ok := ctx.Value(callerKey{}).(context.Context)
		if !ok {
			caller = ctx
		}
		sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stop := context.AfterFunc(ctx, cancel)
		rc, err := fn(sctx)
		stop()
		if err != nil {
			cancel()
			return nil, err
		}
		release := context.AfterFunc(caller, cancel)
		return &stream{ReadCloser: rc, release: func() {
			release()
			cancel()
		}}, nil
	})
}

type stream struct {
	io.ReadCloser
	release func()
}

func (s *stream) Close() error {
	err := s.ReadCloser.Close()
	s.release()
	return err
}

// UnsupportedIntent returns an intent that always fails with an
// UnsupportedOperationError.
func UnsupportedIntent[T any](providerName, op string) Intent[T] {
	return NewIntent(op, func(context.Context) (T, error) {
		var zero T
		return zero, Unsupported(providerName, op)
	})
}
