// Package errdefs defines the error classes surfaced to the command line.
// Every fatal error returned by the drivers wraps exactly one of the
// sentinels below so callers can branch with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrBackend           = errors.New("backend error")
	ErrPollTimeout       = errors.New("poll timeout")
	ErrManifest          = errors.New("manifest error")
)

// ExhaustedError reports that a scarce resource pool has no free value left.
type ExhaustedError struct {
	Resource string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("No available %s", e.Resource)
}

func (e *ExhaustedError) Unwrap() error {
	return ErrResourceExhausted
}

// InfeasibleError reports that the requested CPUs cannot be placed on the
// hosts that are currently available.
type InfeasibleError struct {
	Requested int
	Available int
	Shortfall int
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("insufficient cpu capacity: requested %d, available %d, short by %d",
		e.Requested, e.Available, e.Shortfall)
}

func (e *InfeasibleError) Unwrap() error {
	return ErrResourceExhausted
}

// BackendError wraps a failed call against the provisioning backend together
// with whatever output the backend produced.
type BackendError struct {
	Op     string
	Output []string
	Err    error
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if len(e.Output) > 0 {
		msg += ": " + strings.Join(e.Output, "\n")
	}
	return msg
}

func (e *BackendError) Unwrap() []error {
	return []error{ErrBackend, e.Err}
}

// PollTimeoutError reports that an asynchronous operation did not finish
// within its attempt budget.
type PollTimeoutError struct {
	What     string
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("%s not observed after %d attempts", e.What, e.Attempts)
}

func (e *PollTimeoutError) Unwrap() error {
	return ErrPollTimeout
}

func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func Manifestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrManifest, fmt.Sprintf(format, args...))
}

func Backendf(op string, err error, output ...string) error {
	return &BackendError{Op: op, Output: output, Err: err}
}
