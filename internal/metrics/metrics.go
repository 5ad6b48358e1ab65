// Package metrics exposes pool counters over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SharesAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pool",
		Name:      "shares_accepted_total",
		Help:      "Accepted shares by algorithm.",
	}, []string{"algorithm"})

	SharesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pool",
		Name:      "shares_rejected_total",
		Help:      "Rejected shares by algorithm and reason.",
	}, []string{"algorithm", "reason"})

	BlocksMined = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pool",
		Name:      "blocks_mined_total",
		Help:      "Blocks accepted upstream by algorithm.",
	}, []string{"algorithm"})

	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pool",
		Name:      "sessions_active",
		Help:      "Open stratum sessions by algorithm.",
	}, []string{"algorithm"})

	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pool",
		Name:      "jobs_created_total",
		Help:      "Jobs built by algorithm.",
	}, []string{"algorithm"})

	PayoutsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pool",
		Name:      "payouts_sent_total",
		Help:      "Completed payout transactions.",
	})

	PayoutAmount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pool",
		Name:      "payout_amount_total",
		Help:      "Total amount paid out, in the smallest unit.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
