/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Build information
	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glassdome_build_info",
			Help: "Build information for glassdome components",
		},
		[]string{"version", "git_sha", "go_version", "component"},
	)

	// Platform operation metrics
	platformOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glassdome_platform_operations_total",
			Help: "Total number of platform operations by platform, operation, and outcome",
		},
		[]string{"platform", "operation", "outcome"},
	)

	platformOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "glassdome_platform_operation_duration_seconds",
			Help:    "Duration of platform operations by platform and operation",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"platform", "operation"},
	)

	// Orchestrator task metrics
	taskExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glassdome_task_executions_total",
			Help: "Total number of lab task executions by task type and outcome",
		},
		[]string{"task_type", "outcome"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "glassdome_task_duration_seconds",
			Help:    "Duration of lab tasks by task type",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~10m
		},
		[]string{"task_type"},
	)

	labsDeployedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glassdome_labs_deployed_total",
			Help: "Total number of lab deployments by final status",
		},
		[]string{"status"},
	)

	// IP discovery metrics
	ipDiscoveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "glassdome_ip_discovery_duration_seconds",
			Help:    "Duration of guest IP discovery by platform",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
		},
		[]string{"platform"},
	)

	ipPoolAllocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glassdome_ip_pool_allocations_total",
			Help: "Total IP pool allocations by cidr and whether the fallback rule fired",
		},
		[]string{"cidr", "fallback"},
	)

	// Registry metrics
	registryEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glassdome_registry_events_total",
			Help: "Total registry state-change events by entity kind and source",
		},
		[]string{"kind", "source"},
	)

	registryDriftTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glassdome_registry_drift_total",
			Help: "Total drift records by entity kind and field",
		},
		[]string{"kind", "field"},
	)

	pollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glassdome_poll_cycles_total",
			Help: "Total polling-agent cycles by platform, tier, and outcome",
		},
		[]string{"platform", "tier", "outcome"},
	)

	// Overseer metrics
	requestsGatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glassdome_requests_gated_total",
			Help: "Total gated requests by kind and decision (approved or the denying rule)",
		},
		[]string{"kind", "decision"},
	)

	requestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "glassdome_request_queue_depth",
			Help: "Current depth of the Overseer request queue",
		},
	)

	overseerLoopDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "glassdome_overseer_loop_duration_seconds",
			Help:    "Elapsed time of each Overseer loop tick",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"loop"},
	)

	// SSH metrics
	sshSessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glassdome_ssh_sessions_active",
			Help: "Active pooled SSH sessions by host",
		},
		[]string{"host"},
	)

	// Circuit breaker state
	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glassdome_circuit_breaker_state",
			Help: "Circuit breaker state per platform (0=closed, 1=half-open, 2=open)",
		},
		[]string{"platform"},
	)

	// Error metrics
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glassdome_errors_total",
			Help: "Total errors by kind and component",
		},
		[]string{"kind", "component"},
	)
)

// RecordBuildInfo records build information for a component.
func RecordBuildInfo(version, gitSHA, component string) {
	buildInfo.WithLabelValues(version, gitSHA, runtime.Version(), component).Set(1)
}

// RecordPlatformOperation records one platform operation.
func RecordPlatformOperation(platform, operation, outcome string, duration time.Duration) {
	platformOperationsTotal.WithLabelValues(platform, operation, outcome).Inc()
	platformOperationDuration.WithLabelValues(platform, operation).Observe(duration.Seconds())
}

// RecordTask records one orchestrator task execution.
func RecordTask(taskType, outcome string, duration time.Duration) {
	taskExecutionsTotal.WithLabelValues(taskType, outcome).Inc()
	taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordLabDeployment records a finished lab deployment.
func RecordLabDeployment(status string) {
	labsDeployedTotal.WithLabelValues(status).Inc()
}

// RecordIPDiscovery records one guest IP discovery attempt.
func RecordIPDiscovery(platform string, duration time.Duration) {
	ipDiscoveryDuration.WithLabelValues(platform).Observe(duration.Seconds())
}

// RecordIPAllocation records one pool allocation.
func RecordIPAllocation(cidr string, fallback bool) {
	fb := "false"
	if fallback {
		fb = "true"
	}
	ipPoolAllocations.WithLabelValues(cidr, fb).Inc()
}

// RecordRegistryEvent records one published state change.
func RecordRegistryEvent(kind, source string) {
	registryEventsTotal.WithLabelValues(kind, source).Inc()
}

// RecordDrift records one detected drift.
func RecordDrift(kind, field string) {
	registryDriftTotal.WithLabelValues(kind, field).Inc()
}

// RecordPollCycle records one polling-agent cycle.
func RecordPollCycle(platform, tier, outcome string) {
	pollCyclesTotal.WithLabelValues(platform, tier, outcome).Inc()
}

// RecordGateDecision records one gate decision; decision is "approved" or
// the denying rule name.
func RecordGateDecision(kind, decision string) {
	requestsGatedTotal.WithLabelValues(kind, decision).Inc()
}

// SetRequestQueueDepth publishes the current queue depth.
func SetRequestQueueDepth(depth int) {
	requestQueueDepth.Set(float64(depth))
}

// RecordLoopTick records one Overseer loop tick.
func RecordLoopTick(loop string, duration time.Duration) {
	overseerLoopDuration.WithLabelValues(loop).Observe(duration.Seconds())
}

// SetActiveSSHSessions publishes the pooled session count for a host.
func SetActiveSSHSessions(host string, n int) {
	sshSessionsActive.WithLabelValues(host).Set(float64(n))
}

// SetCircuitBreakerState publishes a breaker state transition.
func SetCircuitBreakerState(platform, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	circuitBreakerState.WithLabelValues(platform).Set(v)
}

// RecordError records one categorized error.
func RecordError(kind, component string) {
	errorsTotal.WithLabelValues(kind, component).Inc()
}
