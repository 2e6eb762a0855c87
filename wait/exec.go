package wait

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dockhand/sandpit/internal/logging"
	"github.com/dockhand/sandpit/provider"
)

// ExecStrategy waits until a command inside the container exits as expected.
type ExecStrategy struct {
	base
	cmd       []string
	exitCodes func(int) bool
}

var _ Strategy = (*ExecStrategy)(nil)

// ForExec waits for cmd to exit with code 0.
func ForExec(cmd ...string) *ExecStrategy {
	return &ExecStrategy{cmd: cmd, exitCodes: func(c int) bool { return c == 0 }}
}

func (s *ExecStrategy) WithExitCode(code int) *ExecStrategy {
	s.exitCodes = func(c int) bool { return c == code }
	return s
}

func (s *ExecStrategy) WithExitCodeMatcher(fn func(int) bool) *ExecStrategy {
	s.exitCodes = fn
	return s
}

func (s *ExecStrategy) WithStartupTimeout(d time.Duration) *ExecStrategy {
	s.setTimeout(d)
	return s
}

func (s *ExecStrategy) WithPollInterval(d time.Duration) *ExecStrategy {
	s.pollInterval = d
	return s
}

// WaitUntilReady treats a backend without exec support as ready, with a warning.
func (s *ExecStrategy) WaitUntilReady(ctx context.Context, target StrategyTarget) error {
	name := "exec " + strings.Join(s.cmd, " ")
	err := poll(ctx, name, &s.base, target, func(ctx context.Context) (bool, error) {
		res, err := target.Exec(ctx, s.cmd)
		if errors.Is(err, provider.ErrUnsupportedOperation) {
			return false, Fatal(err)
		}
		if err != nil {
			return false, err
		}
		if !s.exitCodes(res.ExitCode) {
			return false, fmt.Errorf("exit code %d", res.ExitCode)
		}
		return true, nil
	})
	if errors.Is(err, provider.ErrUnsupportedOperation) {
		logging.For("wait").Warn().Str("strategy", name).Msg("provider cannot exec, skipping readiness check")
		return nil
	}
	return err
}
