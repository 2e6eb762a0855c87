package sandpit

import (
	"errors"

	"github.com/dockhand/sandpit/provider"
	"github.com/dockhand/sandpit/wait"
)

var (
	// ErrNotStarted is returned by accessors that need a running container.
	ErrNotStarted = errors.New("container not started")
	// ErrInvalidState is returned when a lifecycle transition is not allowed.
	ErrInvalidState = errors.New("invalid container state")

	ErrUnsupportedOperation = provider.ErrUnsupportedOperation
	ErrContainerExited      = provider.ErrContainerExited
	ErrWaitTimeout          = wait.ErrWaitTimeout
	ErrNoProvider           = provider.ErrNoProvider
)

type (
	// ContainerLaunchError reports a container that could not be created or
	// started, including exhausted image pulls.
	ContainerLaunchError = provider.ContainerLaunchError
	// ContainerFailedToStartError reports a readiness failure and carries the
	// container logs.
	ContainerFailedToStartError = provider.ContainerFailedToStartError
	UnsupportedOperationError   = provider.UnsupportedOperationError
	ExitError                   = provider.ExitError
)

// failureReason labels the container failure metric.
func failureReason(err error) string {
	var launch *ContainerLaunchError
	var notReady *ContainerFailedToStartError
	switch {
	case errors.As(err, &launch):
		return "launch"
	case errors.Is(err, ErrWaitTimeout):
		return "timeout"
	case errors.Is(err, ErrContainerExited):
		return "exited"
	case errors.As(err, &notReady):
		return "readiness"
	}
	return "other"
}
