package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "tracevisor"
	subsystem = "server"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starts_total",
			Help:      "Number of starts that reached a healthy server.",
		},
	)
	serverStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Number of intentional stops (stop command or shutdown).",
		},
	)
	serverCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "crashes_total",
			Help:      "Number of unexpected exits after the server became healthy.",
		},
	)
	startupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "startup_failures_total",
			Help:      "Number of failed starts by reason.",
		}, []string{"reason"},
	)
	startupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "startup_duration_seconds",
			Help:      "Time from spawn until the server reported healthy.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 15, 30},
		},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "health_probe_duration_seconds",
			Help:      "Latency of single health probes by result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		serverStarts, serverStops, serverCrashes, startupFailures, startupDuration,
		probeDuration, stateTransitions, currentState,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart() {
	if regOK.Load() {
		serverStarts.Inc()
	}
}

func IncStop() {
	if regOK.Load() {
		serverStops.Inc()
	}
}

func IncCrash() {
	if regOK.Load() {
		serverCrashes.Inc()
	}
}

func IncStartupFailure(reason string) {
	if regOK.Load() {
		startupFailures.WithLabelValues(reason).Inc()
	}
}

func ObserveStartup(seconds float64) {
	if regOK.Load() {
		startupDuration.Observe(seconds)
	}
}

func ObserveProbe(result string, seconds float64) {
	if regOK.Load() {
		probeDuration.WithLabelValues(result).Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentState.WithLabelValues(state).Set(value)
	}
}
