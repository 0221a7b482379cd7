package backend

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wavecage/wavecage/sandbox"
)

// Metric label values for call outcomes.
const (
	statusOK        = "ok"
	statusError     = "error"
	statusDenied    = "denied"
	statusExhausted = "exhausted"
)

var (
	instanceBootDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wavecage_instance_boot_seconds",
			Help:    "Duration from instantiate to ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"level"},
	)

	activeInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wavecage_active_instances",
			Help: "Number of currently live sandbox instances.",
		},
		[]string{"level"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wavecage_call_seconds",
			Help:    "Sandboxed call duration from dispatch to result, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"level"},
	)

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wavecage_calls_total",
			Help: "Total sandboxed calls processed, by level and outcome.",
		},
		[]string{"level", "status"},
	)

	policyViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wavecage_policy_violations_total",
			Help: "Total denied capability attempts, by level and capability.",
		},
		[]string{"level", "capability"},
	)
)

func init() {
	prometheus.MustRegister(instanceBootDuration)
	prometheus.MustRegister(activeInstances)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(policyViolationsTotal)

	// Pre-initialize label combinations so every level reports 0 from
	// startup, rather than only after its first observation.
	for _, l := range sandbox.Levels() {
		name := l.String()
		activeInstances.WithLabelValues(name)
		for _, s := range []string{statusOK, statusError, statusDenied, statusExhausted} {
			callsTotal.WithLabelValues(name, s)
		}
	}
}

// ObserveBoot records an instance boot duration.
func ObserveBoot(level sandbox.IsolationLevel, seconds float64) {
	instanceBootDuration.WithLabelValues(level.String()).Observe(seconds)
}

// InstanceUp increments the live instance gauge for a level.
func InstanceUp(level sandbox.IsolationLevel) {
	activeInstances.WithLabelValues(level.String()).Inc()
}

// InstanceDown decrements the live instance gauge for a level.
func InstanceDown(level sandbox.IsolationLevel) {
	activeInstances.WithLabelValues(level.String()).Dec()
}

// ObserveCall records one call's duration and outcome.
func ObserveCall(level sandbox.IsolationLevel, seconds float64, err error) {
	name := level.String()
	callDuration.WithLabelValues(name).Observe(seconds)

	status := statusOK
	switch sandbox.KindOf(err) {
	case 0:
		if err != nil {
			status = statusError
		}
	case sandbox.KindPermissionDenied, sandbox.KindPolicyViolation:
		status = statusDenied
	case sandbox.KindResourceExhausted:
		status = statusExhausted
	default:
		status = statusError
	}
	callsTotal.WithLabelValues(name, status).Inc()
}

// CountViolation records a denied capability attempt.
func CountViolation(level sandbox.IsolationLevel, capability string) {
	policyViolationsTotal.WithLabelValues(level.String(), capability).Inc()
}
