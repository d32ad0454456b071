package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "svcplane"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "manager",
			Name:      "envelopes_total",
			Help:      "Envelopes drained from the broker socket, by destination class.",
		}, []string{"class"},
	)
	envelopesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "manager",
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes that could not be decoded or routed.",
		}, []string{"reason"},
	)
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "manager",
			Name:      "commands_sent_total",
			Help:      "Messages sent to units, by command.",
		}, []string{"unit", "command"},
	)
	unitLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "unit",
			Name:      "launches_total",
			Help:      "Number of unit launches.",
		}, []string{"unit"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "unit",
			Name:      "state_transitions_total",
			Help:      "Reported state changes per unit.",
		}, []string{"unit", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "unit",
			Name:      "current_state",
			Help:      "Last known state of units (1 = current state, 0 = not).",
		}, []string{"unit", "state"},
	)
	scheduleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "schedule",
			Name:      "runs_total",
			Help:      "Scheduled unit commands, by schedule and result.",
		}, []string{"schedule", "result"},
	)
	scheduleNext = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "schedule",
			Name:      "next_run_timestamp_seconds",
			Help:      "Unix time of the next run of each schedule.",
		}, []string{"schedule"},
	)
	registeredUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "manager",
			Name:      "registered_units",
			Help:      "Units in the manager registry.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{envelopes, envelopesDropped, commandsSent, unitLaunches, stateTransitions, currentStates, registeredUnits, scheduleRuns, scheduleNext}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncEnvelope(class string) {
	if regOK.Load() {
		envelopes.WithLabelValues(class).Inc()
	}
}

func IncDropped(reason string) {
	if regOK.Load() {
		envelopesDropped.WithLabelValues(reason).Inc()
	}
}

func IncCommand(unit, command string) {
	if regOK.Load() {
		commandsSent.WithLabelValues(unit, command).Inc()
	}
}

func IncLaunch(unit string) {
	if regOK.Load() {
		unitLaunches.WithLabelValues(unit).Inc()
	}
}

// RecordStateTransition counts the change and moves the current_state gauge.
func RecordStateTransition(unit, from, to string) {
	if !regOK.Load() {
		return
	}
	if from != to {
		stateTransitions.WithLabelValues(unit, from, to).Inc()
	}
	if from != "" {
		currentStates.WithLabelValues(unit, from).Set(0)
	}
	currentStates.WithLabelValues(unit, to).Set(1)
}

// ForgetUnit drops the per-unit gauges of a unit that left the registry.
func ForgetUnit(unit string) {
	if regOK.Load() {
		currentStates.DeletePartialMatch(prometheus.Labels{"unit": unit})
	}
}

func SetRegistered(n int) {
	if regOK.Load() {
		registeredUnits.Set(float64(n))
	}
}

func IncScheduleRun(schedule, result string) {
	if regOK.Load() {
		scheduleRuns.WithLabelValues(schedule, result).Inc()
	}
}

func SetScheduleNext(schedule string, unix float64) {
	if regOK.Load() {
		scheduleNext.WithLabelValues(schedule).Set(unix)
	}
}
