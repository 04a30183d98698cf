// Package metrics exposes Prometheus counters for the dispatch core:
// lifecycle transitions, allocation outcomes, and allocation latency.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	transitions        *prometheus.CounterVec
	allocations        *prometheus.CounterVec
	allocationDuration *prometheus.HistogramVec
	jobsCreated        prometheus.Counter
)

// Allocation outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeExpanded  = "success_expanded"
	OutcomeFallback  = "success_fallback"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing the registry in Prometheus
// text format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry returns the live registry.
func Registry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return reg
}

// IncTransition records one committed lifecycle transition.
func IncTransition(from, to string) {
	mu.RLock()
	defer mu.RUnlock()
	if transitions != nil {
		transitions.WithLabelValues(from, to).Inc()
	}
}

// IncJobCreated records one created booking.
func IncJobCreated() {
	mu.RLock()
	defer mu.RUnlock()
	if jobsCreated != nil {
		jobsCreated.Inc()
	}
}

// ObserveAllocation records one allocation attempt with its outcome and
// elapsed time.
func ObserveAllocation(region, outcome string, elapsed time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if allocations != nil {
		allocations.WithLabelValues(region, outcome).Inc()
	}
	if allocationDuration != nil {
		allocationDuration.WithLabelValues(region).Observe(elapsed.Seconds())
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	transitionsVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Total committed booking status transitions by from and to status.",
	}, []string{"from", "to"})

	allocationsVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "allocation",
		Name:      "allocations_total",
		Help:      "Total allocation attempts by region and outcome.",
	}, []string{"region", "outcome"})

	durationVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Subsystem: "allocation",
		Name:      "allocation_duration_seconds",
		Help:      "Wall time of allocation attempts by region.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
	}, []string{"region"})

	created := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "lifecycle",
		Name:      "jobs_created_total",
		Help:      "Total bookings created.",
	})

	registry.MustRegister(transitionsVec, allocationsVec, durationVec, created)

	reg = registry
	transitions = transitionsVec
	allocations = allocationsVec
	allocationDuration = durationVec
	jobsCreated = created
}
