package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "labvisor"

// Package-level collectors, registered via Register.
var (
	regOK atomic.Bool

	versionStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "version",
			Name:      "starts_total",
			Help:      "Number of versions that reached running.",
		}, []string{"version"},
	)
	versionStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "version",
			Name:      "stops_total",
			Help:      "Number of explicit stops.",
		}, []string{"version"},
	)
	versionCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "version",
			Name:      "crashes_total",
			Help:      "Number of unexpected exits and failed starts.",
		}, []string{"version"},
	)
	startFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "version",
			Name:      "start_failures_total",
			Help:      "Failed start attempts by error kind.",
		}, []string{"kind"},
	)
	readyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "version",
			Name:      "ready_duration_seconds",
			Help:      "Time from spawn until the readiness check passed.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"version"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "version",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between version states.",
		}, []string{"version", "from", "to"},
	)
	runningVersions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "version",
			Name:      "running",
			Help:      "Versions currently starting or running.",
		},
	)
	uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "uploads_total",
			Help:      "Archive uploads by result.",
		}, []string{"result"},
	)
	bulkOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bulk",
			Name:      "outcomes_total",
			Help:      "Per-version results of bulk operations.",
		}, []string{"op", "result"},
	)
	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Connected event subscribers.",
		},
	)
	evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "evictions_total",
			Help:      "Subscribers dropped for falling behind.",
		},
	)
	dropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_dropped_total",
			Help:      "Messages that could not be queued for a subscriber.",
		},
	)
)

// Register registers all collectors with r. Calling it again after success is a no-op.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		versionStarts, versionStops, versionCrashes, startFailures, readyDuration,
		stateTransitions, runningVersions, uploads, bulkOutcomes, subscribers, evictions, dropped,
	}
	for _, c := range cs {
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

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register succeeds.

func IncStart(version string) {
	if regOK.Load() {
		versionStarts.WithLabelValues(version).Inc()
	}
}

func IncStop(version string) {
	if regOK.Load() {
		versionStops.WithLabelValues(version).Inc()
	}
}

func IncCrash(version string) {
	if regOK.Load() {
		versionCrashes.WithLabelValues(version).Inc()
	}
}

func IncStartFailure(kind string) {
	if regOK.Load() {
		startFailures.WithLabelValues(kind).Inc()
	}
}

func ObserveReadyDuration(version string, seconds float64) {
	if regOK.Load() {
		readyDuration.WithLabelValues(version).Observe(seconds)
	}
}

func RecordStateTransition(version, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(version, from, to).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningVersions.Set(float64(n))
	}
}

func IncUpload(result string) {
	if regOK.Load() {
		uploads.WithLabelValues(result).Inc()
	}
}

func IncBulkOutcome(op string, ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		bulkOutcomes.WithLabelValues(op, result).Inc()
	}
}

func SetSubscribers(n int) {
	if regOK.Load() {
		subscribers.Set(float64(n))
	}
}

func IncEviction() {
	if regOK.Load() {
		evictions.Inc()
	}
}

func IncDropped() {
	if regOK.Load() {
		dropped.Inc()
	}
}
