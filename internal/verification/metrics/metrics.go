// Package metrics exposes the verification service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Lookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "census_verification_lookups_total",
		Help: "Member identity lookups, by policy and outcome.",
	}, []string{"policy", "outcome"})

	Created = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "census_verifications_created_total",
		Help: "Verification rows written, by generation.",
	}, []string{"generation"})

	Deactivated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "census_verifications_deactivated_total",
		Help: "Verification rows deactivated.",
	})

	FailedAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "census_verification_failed_attempts_total",
		Help: "Verification attempts that matched no member.",
	})
)
