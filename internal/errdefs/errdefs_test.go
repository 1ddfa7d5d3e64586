package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Classes(t *testing.T) {
	cause := errors.New("exit status 1")

	testCases := []struct {
		name     string
		err      error
		class    error
		expected string
	}{
		{
			name:     "exhausted public ips",
			err:      &ExhaustedError{Resource: "public IPs"},
			class:    ErrResourceExhausted,
			expected: "No available public IPs",
		},
		{
			name:     "infeasible",
			err:      &InfeasibleError{Requested: 10, Available: 4, Shortfall: 6},
			class:    ErrResourceExhausted,
			expected: "insufficient cpu capacity: requested 10, available 4, short by 6",
		},
		{
			name:     "backend with output",
			err:      Backendf("rocks add cluster", cause, "error - host not found"),
			class:    ErrBackend,
			expected: "rocks add cluster: exit status 1: error - host not found",
		},
		{
			name:     "poll timeout",
			err:      &PollTimeoutError{What: "cluster shutdown", Attempts: 3},
			class:    ErrPollTimeout,
			expected: "cluster shutdown not observed after 3 attempts",
		},
		{
			name:     "configuration",
			err:      Configf("unknown driver %q", "xen"),
			class:    ErrConfiguration,
			expected: `configuration error: unknown driver "xen"`,
		},
		{
			name:     "manifest",
			err:      Manifestf("missing <key>"),
			class:    ErrManifest,
			expected: "manifest error: missing <key>",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("failed to boot: %w", tc.err)

			assert.ErrorIs(t, wrapped, tc.class)
			assert.EqualError(t, tc.err, tc.expected)
		})
	}
}

func Test_BackendErrorKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")

	err := Backendf("listVirtualMachines", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrBackend)

	var backendErr *BackendError
	assert.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "listVirtualMachines", backendErr.Op)
}
