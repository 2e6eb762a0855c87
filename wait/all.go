package wait

import (
	"context"
	"time"
)

// AllMode selects how ForAll bounds its children.
type AllMode int

const (
	// WithOuterTimeout runs every child until the shared outer deadline,
	// ignoring their own timeouts.
	WithOuterTimeout AllMode = iota
	// WithIndividualTimeoutsOnly applies no outer deadline.
	WithIndividualTimeoutsOnly
	// WithMaximumOuterTimeout keeps child timeouts and also enforces the outer one.
	WithMaximumOuterTimeout
)

// AllStrategy is ready once every child is, evaluated in order.
type AllStrategy struct {
	strategies []Strategy
	mode       AllMode
	timeout    *time.Duration
}

var _ Strategy = (*AllStrategy)(nil)

func ForAll(strategies ...Strategy) *AllStrategy {
	return &AllStrategy{strategies: strategies}
}

func (s *AllStrategy) WithMode(m AllMode) *AllStrategy {
	s.mode = m
	return s
}

func (s *AllStrategy) WithStartupTimeout(d time.Duration) *AllStrategy {
	s.timeout = &d
	return s
}

func (s *AllStrategy) Timeout() *time.Duration { return s.timeout }

func (s *AllStrategy) WaitUntilReady(ctx context.Context, target StrategyTarget) error {
	switch s.mode {
	case WithIndividualTimeoutsOnly:
	case WithMaximumOuterTimeout:
		var cancel context.CancelFunc
		ctx, cancel = outerContext(ctx, s.timeout)
		defer cancel()
		ctx = context.WithValue(ctx, inheritKey{}, false)
	default:
		var cancel context.CancelFunc
		ctx, cancel = outerContext(ctx, s.timeout)
		defer cancel()
		ctx = inheritDeadline(ctx)
	}
	for _, child := range s.strategies {
		if err := child.WaitUntilReady(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

func outerContext(ctx context.Context, timeout *time.Duration) (context.Context, context.CancelFunc) {
	if inherits(ctx) {
		return context.WithCancel(ctx)
	}
	d := DefaultStartupTimeout
	if timeout != nil {
		d = *timeout
	}
	return context.WithTimeout(ctx, d)
}
