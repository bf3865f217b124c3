// Package metrics provides Prometheus metrics and process health collection
// for the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "alertcore"
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)
)

// Rule evaluation metrics
var (
	// SamplesTotal counts samples by outcome (evaluated, duplicate, unknown_rule).
	SamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "samples_total",
			Help:      "Total samples received by the rule evaluator",
		},
		[]string{"outcome"},
	)

	// RuleEventsTotal counts events emitted by the evaluator.
	RuleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "events_total",
			Help:      "Total alert events emitted by rule transitions",
		},
		[]string{"kind"},
	)
)

// Alert metrics
var (
	// EventsIngestedTotal counts ingested events by result (created, updated, duplicate).
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "events_ingested_total",
			Help:      "Total alert events ingested",
		},
		[]string{"result"},
	)

	// AlertTransitionsTotal counts feed transitions by kind.
	AlertTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "transitions_total",
			Help:      "Total alert transitions published",
		},
		[]string{"kind"},
	)

	// LiveAlerts tracks live alerts by state.
	LiveAlerts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "live",
			Help:      "Number of live alerts by state",
		},
		[]string{"state"},
	)

	// ExhaustedAlerts tracks alerts whose escalation policy ran out of levels
	// without acknowledgement.
	ExhaustedAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "exhausted",
			Help:      "Number of live alerts with an exhausted escalation policy",
		},
	)

	// FeedDroppedTotal counts transitions dropped for slow subscribers.
	FeedDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "feed_dropped_total",
			Help:      "Total transitions dropped because a subscriber was full",
		},
	)
)

// Escalation metrics
var (
	// EscalationRunsActive tracks runs with a pending timer.
	EscalationRunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "escalation",
			Name:      "runs_active",
			Help:      "Number of escalation runs with a scheduled timer",
		},
	)

	// EscalationLevelsNotifiedTotal counts level fan-outs.
	EscalationLevelsNotifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escalation",
			Name:      "levels_notified_total",
			Help:      "Total escalation levels notified",
		},
		[]string{"policy"},
	)

	// EscalationExhaustedTotal counts runs that reached PolicyExhausted.
	EscalationExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escalation",
			Name:      "exhausted_total",
			Help:      "Total escalation runs that exhausted their policy",
		},
		[]string{"policy"},
	)
)

// Provider metrics
var (
	// DeliveriesTotal counts provider calls by provider and status.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "deliveries_total",
			Help:      "Total notification deliveries",
		},
		[]string{"provider", "status"},
	)

	// DeliveryDuration tracks provider call latency.
	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "delivery_duration_seconds",
			Help:      "Provider call latency in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"provider"},
	)
)

// Incident metrics
var (
	// IncidentsOpen tracks non-resolved incidents.
	IncidentsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "open",
			Help:      "Number of open incidents",
		},
	)

	// IncidentTransitionsTotal counts incident state changes by target state.
	IncidentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "transitions_total",
			Help:      "Total incident state transitions",
		},
		[]string{"to"},
	)
)

// Worker metrics
var (
	// IngestQueueDepth tracks events waiting for an ingest worker.
	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Number of events queued for ingest workers",
		},
	)

	// IngestRejectedTotal counts events rejected because the queue was full.
	IngestRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rejected_total",
			Help:      "Total events rejected because the ingest queue was full",
		},
	)
)

// Configuration metrics
var (
	// ConfigReloadsTotal counts configuration file reloads by outcome.
	ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Total configuration reloads by result",
		},
		[]string{"result"},
	)
)
