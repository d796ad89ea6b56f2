package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bez"

var (
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "outcomes_total",
		Help:      "Settlement attempts by outcome (completed, retry_scheduled, dead_lettered).",
	}, []string{"outcome", "error_type"})

	SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "attempt_duration_seconds",
		Help:      "Wall time of a single settlement attempt.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"outcome"})

	PaymentsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "payments_received_total",
		Help:      "Payment confirmations received, split by whether they created a new record.",
	}, []string{"result"})

	LegTransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "leg_transfers_total",
		Help:      "Distribution leg transitions by leg and status.",
	}, []string{"leg", "status"})

	SignerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "signer_queue_depth",
		Help:      "Transfers waiting for the hot wallet signer.",
	})

	OracleRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oracle",
		Name:      "refreshes_total",
		Help:      "Upstream price reads by pair and result (ok, error, fallback).",
	}, []string{"pair", "result"})

	OracleCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oracle",
		Name:      "cache_hits_total",
		Help:      "Price lookups served from cache by tier (local, redis).",
	}, []string{"pair", "tier"})

	OraclePrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "oracle",
		Name:      "last_price",
		Help:      "Last spot price observed per pair.",
	}, []string{"pair"})

	DeadLetterPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "dead_letter_publishes_total",
		Help:      "Dead-letter publications by sink and result.",
	}, []string{"sink", "result"})

	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "alerts_total",
		Help:      "Operator alerts raised by error type.",
	}, []string{"error_type"})

	AlertDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "alert_deliveries_total",
		Help:      "Alert deliveries by channel and result.",
	}, []string{"channel", "result"})

	StuckClaimsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "stuck_claims_released_total",
		Help:      "Processing records released by the sweeper after their lease expired.",
	})

	DatabaseConnectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "connections",
		Help:      "Database pool connections by state.",
	}, []string{"state"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"method", "route", "status"})
)
