package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intents_rebalancer_build_info",
			Help: "Build information of the intents rebalancer",
		},
		[]string{"version", "commit", "date"},
	)

	QuoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intents_rebalancer_quote_requests_total",
			Help: "Total number of quote requests sent to the solver relay",
		},
		[]string{"status"},
	)

	NonceDrawsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intents_rebalancer_nonce_draws_total",
			Help: "Total number of nonce candidates checked against the verifying contract",
		},
		[]string{"result"},
	)

	SignaturePollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intents_rebalancer_signature_polls_total",
			Help: "Total number of transaction status polls while recovering a signature",
		},
		[]string{"result"},
	)

	RebalanceSidesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intents_rebalancer_sides_total",
			Help: "Total number of rebalance sides processed",
		},
		[]string{"side", "status"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intents_rebalancer_cycle_duration_seconds",
			Help:    "Duration of full rebalance cycles",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17 minutes
		},
	)
)
