package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OpportunitiesSeen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_opportunities_seen_total",
		Help: "Candidate paths that passed the detection filter",
	})

	ExecutionsAttempted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_executions_attempted_total",
		Help: "Arbitrage executions started",
	})

	ExecutionsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_executions_succeeded_total",
		Help: "Arbitrage executions that realized both legs",
	})

	ProfitQuoteUnits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_profit_quote_units_total",
		Help: "Realized profit in quote token smallest units",
	})

	GasQuoteUnits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_gas_quote_units_total",
		Help: "Gas spent in quote token smallest units",
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arb_queue_depth",
		Help: "Opportunities waiting in the execution queue",
	})

	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arb_executions_in_flight",
		Help: "Executions currently holding a concurrency slot",
	})

	ScanErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arb_scan_errors_total",
		Help: "Per-pair scan failures (logged and skipped)",
	})

	ExecutionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "arb_execution_latency_seconds",
		Help:    "Wall-clock duration of one execution attempt",
		Buckets: prometheus.DefBuckets,
	})

	InventoryImbalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arb_inventory_imbalance_pct",
		Help: "Sum of absolute allocation deviations from target",
	})
)

func init() {
	prometheus.MustRegister(
		OpportunitiesSeen,
		ExecutionsAttempted,
		ExecutionsSucceeded,
		ProfitQuoteUnits,
		GasQuoteUnits,
		QueueDepth,
		InFlight,
		ScanErrors,
		ExecutionLatency,
		InventoryImbalance,
	)
}
