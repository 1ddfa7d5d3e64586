package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_HostCapacity_Available(t *testing.T) {
	testCases := []struct {
		name     string
		capacity HostCapacity
		expected int
	}{
		{
			name:     "free cpus",
			capacity: HostCapacity{Host: "h1", TotalCPUs: 16, ReservedCPUs: 2, UsedCPUs: 4},
			expected: 10,
		},
		{
			name:     "over reserved is clamped",
			capacity: HostCapacity{Host: "h1", TotalCPUs: 4, ReservedCPUs: 8},
			expected: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.capacity.Available())
		})
	}
}

func Test_ParseNodeState(t *testing.T) {
	testCases := []struct {
		status   string
		expected NodeState
	}{
		{status: "active", expected: StateActive},
		{status: "active,up", expected: StateActive},
		{status: "Running", expected: StateActive},
		{status: "Stopped", expected: StateStopped},
		{status: "shutoff", expected: StateStopped},
		{status: "nostate", expected: StateNoState},
		{status: "Migrating", expected: StateUnknown},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, ParseNodeState(tc.status), tc.status)
	}
}

func Test_ClusterStatus(t *testing.T) {
	cluster := ClusterStatus{
		Name:     "fe1",
		Frontend: NodeStatus{Name: "fe1", Role: RoleFrontend, State: StateStopped},
		Computes: []NodeStatus{
			{Name: "hosted-vm-0-0-0", Role: RoleCompute, State: StateActive},
			{Name: "hosted-vm-0-1-0", Role: RoleCompute, State: StateNoState},
		},
	}

	assert.Len(t, cluster.Nodes(), 3)
	assert.Equal(t, []NodeStatus{cluster.Computes[0]}, cluster.Active())
	assert.False(t, cluster.Stopped())

	cluster.Computes[0].State = StateStopped
	assert.True(t, cluster.Stopped())
}

func Test_AllocationPlan(t *testing.T) {
	plan := AllocationPlan{{Host: "h1", CPUs: 8}, {Host: "h2", CPUs: 2}}

	assert.Equal(t, 10, plan.Total())
	assert.Equal(t, map[string]int{"h1": 8, "h2": 2}, plan.ByHost())
}
