// Package metrics exposes Prometheus instrumentation for the execution
// engine. Metrics are registered in init() and served at /metrics by the
// HTTP handler started in main.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ordersRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_routed_total",
			Help: "Orders routed to the broker, by style used and side",
		},
		[]string{"style", "side"},
	)

	orderFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_order_failures_total",
			Help: "Intents that failed after exhausting the routing paths",
		},
	)

	partialFills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_partial_fills_total",
			Help: "Accepted fills covering less than the requested quantity",
		},
	)

	retryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_retry_outcomes_total",
			Help: "Retry coordinator terminal outcomes (success|permanent|exhausted)",
		},
		[]string{"outcome"},
	)

	nettingResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_batch_netting_total",
			Help: "Batch symbol groups by netting result (netted|netted_zero|individual)",
		},
		[]string{"result"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_queue_depth",
			Help: "Orders currently waiting in the queue",
		},
	)

	expiredOrders = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_queue_expired_total",
			Help: "Queued orders dropped after exceeding their max wait",
		},
	)

	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_exits_total",
			Help: "Exit decisions emitted, by trigger and strategy",
		},
		[]string{"trigger", "strategy"},
	)
)

func init() {
	prometheus.MustRegister(ordersRouted, orderFailures, partialFills)
	prometheus.MustRegister(retryOutcomes, nettingResults)
	prometheus.MustRegister(queueDepth, expiredOrders)
	prometheus.MustRegister(exits)
}

func IncOrderRouted(style, side string) { ordersRouted.WithLabelValues(style, side).Inc() }
func IncOrderFailure()                  { orderFailures.Inc() }
func IncPartialFill()                   { partialFills.Inc() }
func IncRetryOutcome(outcome string)    { retryOutcomes.WithLabelValues(outcome).Inc() }
func IncNetting(result string)          { nettingResults.WithLabelValues(result).Inc() }
func SetQueueDepth(n int)               { queueDepth.Set(float64(n)) }
func IncExpired()                       { expiredOrders.Inc() }
func IncExit(trigger, strategy string)  { exits.WithLabelValues(trigger, strategy).Inc() }
