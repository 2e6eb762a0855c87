package provider

import (
	"errors"
	"fmt"
)

// ErrUnsupportedOperation is matched by every UnsupportedOperationError.
var ErrUnsupportedOperation = errors.New("operation not supported by provider")

// UnsupportedOperationError reports a capability the active backend lacks.
// Callers are expected to branch on it rather than treat it as a failure.
type UnsupportedOperationError struct {
	Provider  string
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s: %s is not supported by the %s provider", ErrUnsupportedOperation, e.Operation, e.Provider)
}

func (e *UnsupportedOperationError) Is(target error) bool {
	return target == ErrUnsupportedOperation
}

// Unsupported returns an UnsupportedOperationError for op on provider p.
func Unsupported(p, op string) error {
	return &UnsupportedOperationError{Provider: p, Operation: op}
}

// ContainerLaunchError is an unrecoverable create/start failure: missing image,
// invalid spec, unreachable daemon or an exhausted pull retry policy.
type ContainerLaunchError struct {
	Image string
	Err   error
}

func (e *ContainerLaunchError) Error() string {
	return fmt.Sprintf("container launch failed for image %s: %v", e.Image, e.Err)
}

func (e *ContainerLaunchError) Unwrap() error { return e.Err }

// ContainerFailedToStartError means the container was started but never
// became ready. Logs holds the last observed container output.
type ContainerFailedToStartError struct {
	ContainerID string
	Image       string
	Logs        string
	Err         error
}

func (e *ContainerFailedToStartError) Error() string {
	msg := fmt.Sprintf("container %s (%s) started but did not become ready: %v", shortID(e.ContainerID), e.Image, e.Err)
	if e.Logs != "" {
		msg += "\n--- container logs ---\n" + e.Logs
	}
	return msg
}

func (e *ContainerFailedToStartError) Unwrap() error { return e.Err }

// ErrContainerExited is matched by ExitError.
var ErrContainerExited = errors.New("container exited")

// ExitError reports a container that stopped running unexpectedly.
type ExitError struct {
	ContainerID string
	ExitCode    int
	Status      string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("container %s exited (status %s, exit code %d)", shortID(e.ContainerID), e.Status, e.ExitCode)
}

func (e *ExitError) Is(target error) bool { return target == ErrContainerExited }

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
