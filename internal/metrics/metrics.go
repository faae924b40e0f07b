// Package metrics holds the Prometheus instruments the ledger, lease
// manager, and reaper record against. A single package-level registry
// keeps every component wiring the same instrument rather than each
// defining its own.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReceiptsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legivellum",
		Subsystem: "ledger",
		Name:      "receipts_appended_total",
		Help:      "Receipts successfully appended, by phase.",
	}, []string{"phase"})

	AppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "legivellum",
		Subsystem: "ledger",
		Name:      "append_duration_seconds",
		Help:      "Latency of Ledger.Append, including validation.",
		Buckets:   prometheus.DefBuckets,
	})

	ValidationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "legivellum",
		Subsystem: "ledger",
		Name:      "validation_rejections_total",
		Help:      "Receipts rejected by the validator, by first error code.",
	}, []string{"code"})

	LeaseGrants = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "legivellum",
		Subsystem: "lease",
		Name:      "grants_total",
		Help:      "Leases granted by lease_next.",
	})

	LeaseGrantEmpty = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "legivellum",
		Subsystem: "lease",
		Name:      "grant_empty_total",
		Help:      "lease_next calls that found no candidate task.",
	})

	LeaseGrantRaces = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "legivellum",
		Subsystem: "lease",
		Name:      "grant_races_total",
		Help:      "lease_next retries caused by a lost conditional update race.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "legivellum",
		Subsystem: "tasks",
		Name:      "queue_depth",
		Help:      "Queued tasks per tenant, sampled on each lease_next call.",
	}, []string{"tenant_id"})

	ReaperSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "legivellum",
		Subsystem: "reaper",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of a single reaper sweep across all tenants.",
		Buckets:   prometheus.DefBuckets,
	})

	ReaperExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "legivellum",
		Subsystem: "reaper",
		Name:      "leases_expired_total",
		Help:      "Leases the reaper found expired and escalated.",
	})

	ReaperQuarantined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "legivellum",
		Subsystem: "reaper",
		Name:      "tasks_quarantined_total",
		Help:      "Malformed task rows the reaper skipped and quarantined.",
	})

	LateCompletions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "legivellum",
		Subsystem: "lease",
		Name:      "late_completions_total",
		Help:      "Completions that appended to the ledger after their lease had already expired.",
	})
)
