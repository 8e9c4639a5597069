package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingSignatures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pending_signatures",
		Help: "Signatures still missing across all signing orders.",
	})
	broadcastFails = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_fail_total",
		Help: "Settlement transactions rejected at broadcast.",
	})
)

func init() {
	prometheus.MustRegister(pendingSignatures)
	prometheus.MustRegister(broadcastFails)
}
