package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Flush(t *testing.T) {
	m := New()
	m.Allocations.WithLabelValues("kvm_rocks", Result(nil)).Inc()
	m.Allocations.WithLabelValues("kvm_rocks", Result(errors.New("boom"))).Inc()
	m.AllocatedCPUs.Set(10)
	m.PollAttempts.Add(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Allocations.WithLabelValues("kvm_rocks", ResultFailure)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.Allocations))

	path := filepath.Join(t.TempDir(), "pragma.prom")
	require.NoError(t, m.Flush(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `pragma_allocations_total{driver="kvm_rocks",result="success"} 1`)
	assert.Contains(t, string(content), "pragma_allocated_cpus 10")
	assert.Contains(t, string(content), "pragma_poll_attempts_total 3")
}

func Test_Flush_Disabled(t *testing.T) {
	assert.NoError(t, New().Flush(""))
}
