package wait

import (
	"context"
	"fmt"
	"time"
)

// HealthStrategy waits for the runtime health check to report healthy.
type HealthStrategy struct {
	base
}

var _ Strategy = (*HealthStrategy)(nil)

func ForHealthCheck() *HealthStrategy { return &HealthStrategy{} }

func (s *HealthStrategy) WithStartupTimeout(d time.Duration) *HealthStrategy {
	s.setTimeout(d)
	return s
}

func (s *HealthStrategy) WithPollInterval(d time.Duration) *HealthStrategy {
	s.pollInterval = d
	return s
}

func (s *HealthStrategy) WaitUntilReady(ctx context.Context, target StrategyTarget) error {
	return poll(ctx, "health check", &s.base, target, func(ctx context.Context) (bool, error) {
		st, err := target.State(ctx)
		if err != nil {
			return false, err
		}
		switch st.Health {
		case "healthy":
			return true, nil
		case "":
			return false, fmt.Errorf("container has no health check")
		}
		return false, fmt.Errorf("health %s", st.Health)
	})
}
