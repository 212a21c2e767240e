package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	commandsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "commands",
			Name:      "started_total",
			Help:      "Number of commands launched, per action class.",
		}, []string{"class"},
	)
	commandsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "commands",
			Name:      "finished_total",
			Help:      "Number of commands that exited, per action class and result.",
		}, []string{"class", "result"},
	)
	commandsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "commands",
			Name:      "rejected_total",
			Help:      "Manual run requests refused because another command was running.",
		},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "commands",
			Name:      "spawn_failures_total",
			Help:      "Commands the OS could not start.",
		}, []string{"class"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devloop",
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Wall time of finished commands.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"class"},
	)
	runningCommands = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devloop",
			Subsystem: "commands",
			Name:      "running",
			Help:      "Commands currently running (0 or 1 under the run gate).",
		},
	)
	watchEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "watch",
			Name:      "events_total",
			Help:      "File change events, per action class they were routed to.",
		}, []string{"class"},
	)
	watchRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "watch",
			Name:      "refreshes_total",
			Help:      "Number of times all watch subscriptions were recreated.",
		},
	)
	routeSwaps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "route",
			Name:      "swaps_total",
			Help:      "Number of served route hot-swaps.",
		},
	)
	reloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "clients",
			Name:      "reloads_total",
			Help:      "Number of reload broadcasts sent to live clients.",
		},
	)
	connectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devloop",
			Subsystem: "clients",
			Name:      "connected",
			Help:      "Currently connected live-reload clients.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		commandsStarted, commandsFinished, commandsRejected, spawnFailures, commandDuration,
		runningCommands, watchEvents, watchRefreshes, routeSwaps, reloads, connectedClients,
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

// Helpers below no-op until Register has succeeded.

func IncCommandStarted(class string) {
	if regOK.Load() {
		commandsStarted.WithLabelValues(class).Inc()
	}
}

func ObserveCommandFinished(class string, success bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	commandsFinished.WithLabelValues(class, result).Inc()
	commandDuration.WithLabelValues(class).Observe(seconds)
}

func IncRejected() {
	if regOK.Load() {
		commandsRejected.Inc()
	}
}

func IncSpawnFailure(class string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(class).Inc()
	}
}

func SetRunningCommands(n int) {
	if regOK.Load() {
		runningCommands.Set(float64(n))
	}
}

func IncWatchEvent(class string) {
	if regOK.Load() {
		watchEvents.WithLabelValues(class).Inc()
	}
}

func IncWatchRefresh() {
	if regOK.Load() {
		watchRefreshes.Inc()
	}
}

func IncRouteSwap() {
	if regOK.Load() {
		routeSwaps.Inc()
	}
}

func IncReload() {
	if regOK.Load() {
		reloads.Inc()
	}
}

func SetConnectedClients(n int) {
	if regOK.Load() {
		connectedClients.Set(float64(n))
	}
}
