// Package metrics exposes the ingest pipeline's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FilesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "census_ingest_files_total",
		Help: "Census files processed, by terminal outcome.",
	}, []string{"outcome"})

	RowsStaged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "census_ingest_rows_staged_total",
		Help: "Rows written to staging, by disposition.",
	}, []string{"disposition"})

	FlushStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "census_ingest_flush_step_seconds",
		Help:    "Wall time per flush pipeline step.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"step"})

	MembersPromoted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "census_ingest_members_promoted_total",
		Help: "Versioned member rows touched by promotion, by kind.",
	}, []string{"kind"})

	MembersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "census_ingest_members_expired_total",
		Help: "Live member rows expired by trailing-window expiry.",
	})

	PreVerifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "census_ingest_preverifications_total",
		Help: "Member-verification joins created during flush.",
	})
)
