package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bridgevisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	trackedProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "tracked_processes",
			Help:      "Entries in the persisted process registry after the last mutation.",
		},
	)
	reclaimRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reclaim",
			Name:      "runs_total",
			Help:      "Number of reclaim passes.",
		},
	)
	reclaimDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reclaim",
			Name:      "dropped_total",
			Help:      "Tracked entries dropped because the process was already gone.",
		},
	)
	reclaimKilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reclaim",
			Name:      "killed_total",
			Help:      "Orphaned processes killed by reclaim.",
		},
	)
	reclaimKillFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reclaim",
			Name:      "kill_failures_total",
			Help:      "Orphan kills that failed; the entry is retried next pass.",
		},
	)
	reclaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reclaim",
			Name:      "duration_seconds",
			Help:      "Wall time of one reclaim pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	sweepKilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "killed_total",
			Help:      "Untracked browser processes killed by a manual sweep.",
		},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Current session state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Number of session state transitions.",
		}, []string{"from", "to"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		trackedProcesses, reclaimRuns, reclaimDropped, reclaimKilled, reclaimKillFailures,
		reclaimDuration, sweepKilled, sessionState, sessionTransitions,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep existing
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

// Helpers below no-op until Register succeeds.

func SetTracked(n int) {
	if regOK.Load() {
		trackedProcesses.Set(float64(n))
	}
}

// ObserveReclaim records one finished reclaim pass.
func ObserveReclaim(dropped, killed, killFailures int, seconds float64) {
	if !regOK.Load() {
		return
	}
	reclaimRuns.Inc()
	reclaimDropped.Add(float64(dropped))
	reclaimKilled.Add(float64(killed))
	reclaimKillFailures.Add(float64(killFailures))
	reclaimDuration.Observe(seconds)
}

func AddSweepKilled(n int) {
	if regOK.Load() && n > 0 {
		sweepKilled.Add(float64(n))
	}
}

// RecordSessionTransition counts the transition and moves the state gauge.
func RecordSessionTransition(from, to string) {
	if !regOK.Load() {
		return
	}
	sessionTransitions.WithLabelValues(from, to).Inc()
	if from != "" {
		sessionState.WithLabelValues(from).Set(0)
	}
	sessionState.WithLabelValues(to).Set(1)
}
