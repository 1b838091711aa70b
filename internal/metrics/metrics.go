// Package metrics exposes the service's Prometheus instruments. The
// collectors are registered with the default registry via promauto and served
// from the /metrics endpoint wired up in cmd/main.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokensIssued counts offline tokens issued since process start.
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_tokens_issued_total",
		Help: "Total offline tokens issued",
	})

	// TokensCancelled counts explicit owner cancellations.
	TokensCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_tokens_cancelled_total",
		Help: "Total offline tokens cancelled by their owner",
	})

	// SettlementsTotal counts settlement attempts by outcome:
	// settled, rejected, replayed, conflict, error.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_claims_total",
		Help: "Total settlement attempts by outcome",
	}, []string{"outcome"})

	// SettlementDuration observes end-to-end settlement latency.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_claim_duration_seconds",
		Help:    "Settlement latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	// VerificationsTotal counts verify calls by result.
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_verifications_total",
		Help: "Total claim verifications by result",
	}, []string{"result"})
)
