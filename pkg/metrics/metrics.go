package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	AttemptsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_attempts_completed_total",
		Help: "The total number of execution attempts by terminal status",
	}, []string{"cadence", "status"})

	AttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dca_attempt_duration_seconds",
		Help:    "Time taken by an execution attempt from quote to terminal record",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // Start at 1s with 10 buckets doubling in size
	}, []string{"cadence"})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dca_phase_duration_seconds",
		Help:    "Time spent in each lifecycle phase",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"phase"})

	PhaseRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_phase_retries_total",
		Help: "Number of retried remote calls by phase and error type",
	}, []string{"phase", "error_type"})

	PhaseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_phase_failures_total",
		Help: "Number of attempts that failed in each phase",
	}, []string{"phase", "error_type"})

	InFlightAttempts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_in_flight_attempts",
		Help: "The number of execution attempts currently running",
	})

	IntentsSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_intents_selected_total",
		Help: "Number of due intents returned by selection cycles",
	}, []string{"cadence"})

	IntentsSkippedInFlight = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_intents_skipped_in_flight_total",
		Help: "Number of due intents skipped because an attempt was already running",
	}, []string{"cadence"})

	SelectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_selection_errors_total",
		Help: "Number of selection cycles that failed to query the store",
	}, []string{"cadence"})

	SelectionCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_selection_cycles_total",
		Help: "Number of selection cycles by trigger source",
	}, []string{"cadence", "trigger"})

	SignatureRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_signature_rejections_total",
		Help: "Number of signatures rejected locally before submission",
	}, []string{"reason"})

	ResumedAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_resumed_attempts_total",
		Help: "Number of attempts resumed at the poll phase from a submission marker",
	})

	UncertainSubmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_uncertain_submissions_total",
		Help: "Number of submissions that failed without a definite answer from the exchange",
	})

	FatalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_fatal_errors_total",
		Help: "Number of attempts aborted by an internal error",
	})

	CircuitBreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dca_circuit_breaker_open",
		Help: "1 while the circuit breaker for a remote is open",
	}, []string{"remote"})
)
