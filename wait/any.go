package wait

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// AnyStrategy is ready as soon as one child is. Children run concurrently.
type AnyStrategy struct {
	strategies []Strategy
	timeout    *time.Duration
}

var _ Strategy = (*AnyStrategy)(nil)

func ForAny(strategies ...Strategy) *AnyStrategy {
	return &AnyStrategy{strategies: strategies}
}

func (s *AnyStrategy) WithStartupTimeout(d time.Duration) *AnyStrategy {
	s.timeout = &d
	return s
}

func (s *AnyStrategy) Timeout() *time.Duration { return s.timeout }

// errReady stops the group once one child is ready.
var errReady = errors.New("one-of wait: ready")

func (s *AnyStrategy) WaitUntilReady(ctx context.Context, target StrategyTarget) error {
	if len(s.strategies) == 0 {
		return fmt.Errorf("one-of wait: no strategies")
	}
	outer, cancelOuter := outerContext(ctx, s.timeout)
	defer cancelOuter()
	start := time.Now()

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(inheritDeadline(outer))
	for _, child := range s.strategies {
		g.Go(func() error {
			err := child.WaitUntilReady(gctx, target)
			if err == nil {
				return errReady
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); errors.Is(err, errReady) {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	joined := errors.Join(errs...)
	if outer.Err() == nil {
		return joined
	}
	elapsed := time.Since(start).Round(time.Millisecond)
	if joined == nil {
		return fmt.Errorf("%w: one-of after %s", ErrWaitTimeout, elapsed)
	}
	return fmt.Errorf("%w: one-of after %s: %w", ErrWaitTimeout, elapsed, joined)
}
