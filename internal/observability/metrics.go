package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollCycles counts completed poll cycles by outcome.
	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxpilot_poll_cycles_total",
		Help: "Total number of poll cycles by outcome",
	}, []string{"outcome"}) // ok, skipped, auth_error, storage_error, fetch_error

	// PollCycleDuration tracks how long one user's full cycle takes.
	PollCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "boxpilot_poll_cycle_duration_seconds",
		Help:    "Duration of a full poll cycle for one user",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
	})

	// InflightPolls tracks currently running poll tasks.
	InflightPolls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boxpilot_inflight_polls",
		Help: "Number of poll tasks currently in flight",
	})

	// DueUsers tracks how many users were due at the last scheduler tick.
	DueUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boxpilot_due_users",
		Help: "Users due for polling at the last scheduler tick",
	})

	// SchedulerTicks counts scheduler ticks, including skipped overlaps.
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxpilot_scheduler_ticks_total",
		Help: "Scheduler tick executions by result",
	}, []string{"result"}) // ran, overlapped

	// RuleMatches counts matched items per rule evaluation.
	RuleMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boxpilot_rule_matches_total",
		Help: "Total items matched by rule evaluations",
	})

	// RuleEvaluations counts rule evaluations by result.
	RuleEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxpilot_rule_evaluations_total",
		Help: "Rule evaluations by result",
	}, []string{"result"}) // evaluated, gated, error

	// ActionResults counts per-item action outcomes.
	ActionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxpilot_action_results_total",
		Help: "Per-item action outcomes",
	}, []string{"action", "result"}) // result: success, error

	// APIErrors counts external API failures by classification.
	APIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxpilot_api_errors_total",
		Help: "External API failures by error class",
	}, []string{"class"}) // auth, transient, other

	// ItemsSeen tracks snapshot sizes.
	ItemsSeen = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "boxpilot_snapshot_items",
		Help:    "Items per fetched snapshot",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)
