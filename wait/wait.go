// Package wait decides when a started container is ready for use.
//
// Every strategy polls through the same engine: a rate limiter paces
// attempts, each iteration first checks the container is still alive, and the
// whole loop is bounded by a startup timeout.
package wait

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/go-connections/nat"
	"golang.org/x/time/rate"

	"github.com/dockhand/sandpit/internal/logging"
	"github.com/dockhand/sandpit/internal/metrics"
	"github.com/dockhand/sandpit/provider"
)

const (
	DefaultStartupTimeout = 60 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
)

// ErrWaitTimeout is matched by every readiness timeout.
var ErrWaitTimeout = errors.New("timed out waiting for container readiness")

// StrategyTarget is the container a strategy inspects.
type StrategyTarget interface {
	Host(ctx context.Context) (string, error)
	MappedPort(ctx context.Context, port nat.Port) (int, error)
	ExposedPorts() []nat.Port
	// Logs returns the demultiplexed output so far.
	Logs(ctx context.Context) (io.ReadCloser, error)
	Exec(ctx context.Context, cmd []string) (provider.ExecResult, error)
	State(ctx context.Context) (provider.ContainerState, error)
}

// Strategy blocks until target is ready, the timeout elapses or ctx ends.
type Strategy interface {
	WaitUntilReady(ctx context.Context, target StrategyTarget) error
}

// StrategyTimeout is implemented by strategies with a configurable timeout.
// A nil result means the default applies.
type StrategyTimeout interface {
	Timeout() *time.Duration
}

type inheritKey struct{}

// inheritDeadline marks ctx so nested strategies ignore their own timeout and
// run until ctx's deadline.
func inheritDeadline(ctx context.Context) context.Context {
	return context.WithValue(ctx, inheritKey{}, true)
}

func inherits(ctx context.Context) bool {
	v, _ := ctx.Value(inheritKey{}).(bool)
	return v
}

// base carries the settings every polling strategy shares.
type base struct {
	timeout      *time.Duration
	pollInterval time.Duration
}

func (b *base) Timeout() *time.Duration { return b.timeout }

func (b *base) setTimeout(d time.Duration) { b.timeout = &d }

func (b *base) interval() time.Duration {
	if b.pollInterval <= 0 {
		return DefaultPollInterval
	}
	return b.pollInterval
}

func (b *base) effectiveTimeout() time.Duration {
	if b.timeout == nil {
		return DefaultStartupTimeout
	}
	return *b.timeout
}

// errFatal aborts polling at once.
type errFatal struct{ err error }

func (e errFatal) Error() string { return e.err.Error() }
func (e errFatal) Unwrap() error { return e.err }

// Fatal wraps err so that the poll loop stops instead of retrying.
func Fatal(err error) error { return errFatal{err: err} }

// poll evaluates check until it reports ready. Transient check errors are
// remembered and reported on timeout.
func poll(ctx context.Context, name string, b *base, target StrategyTarget, check func(ctx context.Context) (bool, error)) error {
	parent := ctx
	timeout := b.effectiveTimeout()
	if !inherits(ctx) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	log := logging.For("wait").With().Str("strategy", name).Logger()
	limiter := rate.NewLimiter(rate.Every(b.interval()), 1)
	start := time.Now()
	defer func() { metrics.ObserveWaitDuration(time.Since(start)) }()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return timeoutError(parent, ctx, name, start, lastErr)
		}
		if err := checkAlive(ctx, target); err != nil {
			return err
		}
		ok, err := check(ctx)
		if ok {
			log.Debug().Int("attempt", attempt).Dur("took", time.Since(start)).Msg("ready")
			return nil
		}
		var fatal errFatal
		if errors.As(err, &fatal) {
			return fatal.err
		}
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Int("attempt", attempt).Msg("not ready")
		}
		if ctx.Err() != nil {
			return timeoutError(parent, ctx, name, start, lastErr)
		}
	}
}

func timeoutError(parent, ctx context.Context, name string, start time.Time, last error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	if ctx.Err() == nil {
		// rate.Limiter.Wait fails early when the next token lies past the deadline.
		if dl, ok := ctx.Deadline(); ok {
			t := time.NewTimer(time.Until(dl))
			select {
			case <-t.C:
			case <-parent.Done():
				t.Stop()
				if errors.Is(parent.Err(), context.Canceled) {
					return parent.Err()
				}
			}
		}
	}
	elapsed := time.Since(start).Round(time.Millisecond)
	if last != nil {
		return fmt.Errorf("%w: %s after %s: %v", ErrWaitTimeout, name, elapsed, last)
	}
	return fmt.Errorf("%w: %s after %s", ErrWaitTimeout, name, elapsed)
}

// checkAlive fails fast when the container is gone or stopped.
func checkAlive(ctx context.Context, target StrategyTarget) error {
	st, err := target.State(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("container state: %w", err)
	}
	if st.Exited() {
		return &provider.ExitError{Status: st.Status, ExitCode: st.ExitCode}
	}
	return nil
}

// Run waits for s, applying timeout when s has no timeout of its own.
func Run(ctx context.Context, s Strategy, target StrategyTarget, timeout time.Duration) error {
	if st, ok := s.(StrategyTimeout); ok && st.Timeout() != nil {
		return s.WaitUntilReady(ctx, target)
	}
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.WaitUntilReady(inheritDeadline(ctx), target)
}
