package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsIssued counts command submissions by command and result.
	CommandsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_commands_issued_total",
		Help: "Control plane commands issued, by command name and result",
	}, []string{"command", "result"}) // result: ok, transport_error, rejected, signing_error

	// CommandLatency tracks one transport round trip.
	CommandLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_command_latency_seconds",
		Help:    "Latency of control plane command round trips",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// CommandRetries counts caller-side retries of transport failures.
	CommandRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_command_retries_total",
		Help: "Caller-side retries after transport failures",
	})

	// RegistryConflicts counts rejected reservations (operation already in
	// flight for the resource).
	RegistryConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_registry_conflicts_total",
		Help: "Job reservations rejected because a Pending job already exists",
	}, []string{"resource_type"})

	// TerminalStatusConflicts counts redelivered events carrying a terminal
	// status that disagrees with the first recorded one.
	TerminalStatusConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_terminal_status_conflicts_total",
		Help: "Job completions observed with a terminal status differing from the first recorded one",
	})

	// EventsDispatched counts bus messages dispatched per queue and outcome.
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_events_dispatched_total",
		Help: "Inbound bus messages dispatched, by queue and outcome",
	}, []string{"queue", "outcome"}) // outcome: applied, noop, rejected, untracked, duplicate, error

	// EventRedeliveries counts messages reclaimed after a failed handling.
	EventRedeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_event_redeliveries_total",
		Help: "Bus messages redelivered after a negative acknowledgement",
	}, []string{"queue"})

	// TransitionsApplied counts persisted state transitions.
	TransitionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_transitions_applied_total",
		Help: "Resource state transitions persisted, by resource type",
	}, []string{"resource_type"})

	// TransitionsRejected counts observations with no declared transition
	// (stale, duplicate, or out-of-order events; expected traffic).
	TransitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_transitions_rejected_total",
		Help: "Observations rejected by the state graph, by resource type",
	}, []string{"resource_type"})

	// VersionConflicts counts optimistic-lock retries in the reconciler.
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_version_conflicts_total",
		Help: "Resource writes retried after an optimistic version conflict",
	})

	// StaleJobsSwept counts Pending job records forced to Unknown by the
	// sweeper.
	StaleJobsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_stale_jobs_swept_total",
		Help: "Pending job records forced to Unknown after exceeding the age limit",
	})

	// FeedClients tracks connected event-feed websocket clients.
	FeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_feed_clients",
		Help: "Currently connected event feed websocket clients",
	})
)
