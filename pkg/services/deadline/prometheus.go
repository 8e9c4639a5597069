package deadline

import "github.com/prometheus/client_golang/prometheus"

// Metric declarations used by the deadline worker.
var stuckOrders = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stuck_orders_total",
		Help: "Orders found stuck by the deadline worker, by lifecycle state or escalation outcome.",
	},
	[]string{"state"},
)

func init() {
	prometheus.MustRegister(stuckOrders)
}
