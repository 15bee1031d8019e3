// Package prom holds the service's Prometheus metrics and small helpers for updating them.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric the service exports.
const Namespace = "ephemeral_agents"

// Launch outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeNoResources = "no_resources"
)

var (
	// LaunchesTotal counts finished launches by outcome.
	LaunchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "launcher",
		Name:      "launches_total",
		Help:      "Agent container launches by outcome.",
	}, []string{"outcome"})

	// LaunchSeconds measures launches from creation until connected or failed.
	LaunchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "launcher",
		Name:      "launch_seconds",
		Help:      "Time taken to launch an agent container.",
		Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	// TeardownStepErrors counts failed teardown steps. Teardown carries on past them.
	TeardownStepErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "teardown",
		Name:      "step_errors_total",
		Help:      "Failed steps while tearing down agent containers.",
	}, []string{"step"})

	// ScheduleFailures counts build requests for which no agent could be scheduled.
	ScheduleFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "schedule_failures_total",
		Help:      "Build requests that could not be scheduled.",
	})

	// Agents is the number of registered agents.
	Agents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "agents",
		Help:      "Registered ephemeral agents.",
	})

	// ReapedContainers counts orphaned containers removed by the reaper.
	ReapedContainers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "reaper",
		Name:      "reaped_containers_total",
		Help:      "Orphaned agent containers torn down by the reaper.",
	})
)

func init() {
	prometheus.MustRegister(
		LaunchesTotal,
		LaunchSeconds,
		TeardownStepErrors,
		ScheduleFailures,
		Agents,
		ReapedContainers,
	)
}

// Time starts a timer and returns a function that observes the elapsed seconds on o. Use it as
// `defer prom.Time(o)()`.
func Time(o prometheus.Observer) func() {
	start := time.Now()
	return func() {
		o.Observe(time.Since(start).Seconds())
	}
}

// ErrCount increments c if *err is non-nil. It is meant to be deferred.
func ErrCount(c prometheus.Counter, err *error) {
	if err != nil && *err != nil {
		c.Inc()
	}
}
