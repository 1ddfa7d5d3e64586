// Package metrics collects per run counters and writes them for the node
// exporter textfile collector.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pragma"

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type Metrics struct {
	registry *prometheus.Registry

	Allocations    *prometheus.CounterVec
	AllocatedCPUs  prometheus.Gauge
	NodeOperations *prometheus.CounterVec
	PollAttempts   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Cluster allocations by driver and result.",
		}, []string{"driver", "result"}),
		AllocatedCPUs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allocated_cpus",
			Help:      "CPUs granted to the last allocated cluster.",
		}),
		NodeOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_operations_total",
			Help:      "Node operations by kind and result.",
		}, []string{"op", "result"}),
		PollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Attempts made while waiting on the backend.",
		}),
	}

	m.registry.MustRegister(m.Allocations, m.AllocatedCPUs, m.NodeOperations, m.PollAttempts)

	return m
}

// Result maps an error to the result label.
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// Flush writes every metric to path. An empty path disables the output.
func (m *Metrics) Flush(path string) error {
	if path == "" {
		return nil
	}

	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}

	return nil
}
