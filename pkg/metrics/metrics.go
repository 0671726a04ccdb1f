// Package metrics holds the Prometheus collectors shared across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "settlement"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status",
	}, []string{"route", "method", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	DatabaseConnectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "database_connections",
		Help:      "Database pool connections by state",
	}, []string{"state"})

	LedgerMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_mutations_total",
		Help:      "Ledger mutations by operation and outcome",
	}, []string{"op", "outcome"})

	DepositNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposit_notifications_total",
		Help:      "Inbound deposit notifications by result (queued, duplicate, rejected)",
	}, []string{"result"})

	DepositJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposit_jobs_total",
		Help:      "Deposit jobs by outcome (credited, duplicate, retry, parked)",
	}, []string{"outcome"})

	DepositCreditedAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposit_credited_amount_total",
		Help:      "Total credited deposit amount per token",
	}, []string{"token"})

	WithdrawalTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "withdrawal_transitions_total",
		Help:      "Withdrawal status transitions by target status",
	}, []string{"status"})

	WithdrawalFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "withdrawal_failures_total",
		Help:      "Failed payouts by failure type",
	}, []string{"failure_type"})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "collection_sweep_duration_seconds",
		Help:      "Duration of batch collection sweeps",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"token", "status"})

	SweepAddressesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collection_sweep_addresses_total",
		Help:      "Deposit addresses processed by the sweep by result",
	}, []string{"token", "result"})

	ChainRPCErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_rpc_errors_total",
		Help:      "Chain RPC errors by method",
	}, []string{"method"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Balance-changed events by outcome (published, dropped, failed)",
	}, []string{"outcome"})

	StalePendingDepositsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "deposit_events_stale_pending",
		Help:      "Unconfirmed deposit transfers older than the stale threshold",
	})

	ExpiredIdempotencyKeysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "idempotency_keys_expired_total",
		Help:      "Idempotency keys removed after their TTL",
	})
)
