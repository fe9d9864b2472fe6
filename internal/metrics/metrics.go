package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SettlementsTotal counts terminal transitions by entity (payment or
	// deposit) and outcome (completed or failed).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_transitions_total",
		Help: "Terminal settlement transitions by entity and outcome.",
	}, []string{"entity", "outcome"})

	ReplaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_replays_total",
		Help: "Terminal-transition calls that were idempotent no-ops.",
	}, []string{"entity"})

	AmountConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_amount_conflicts_total",
		Help: "Gateway confirmations rejected for amount mismatch.",
	})

	StockShortagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_stock_shortages_total",
		Help: "Completed orders delivered with fewer content units than purchased.",
	})

	GatewayFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_request_failures_total",
		Help: "Failed calls to the payment gateway.",
	})

	GatewayAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_failure_alerts_total",
		Help: "Operator alerts raised after consecutive gateway failures.",
	})

	UnitsAllocatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_units_allocated_total",
		Help: "Content units consumed by completed settlements.",
	})

	SweepBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sweeper_batch_size",
		Help:    "Number of expired records picked up per sweep pass.",
		Buckets: prometheus.LinearBuckets(0, 2, 8),
	})

	SweepItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweeper_items_total",
		Help: "Swept items by result.",
	}, []string{"result"})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_webhooks_total",
		Help: "Inbound gateway callbacks by result.",
	}, []string{"result"})
)
