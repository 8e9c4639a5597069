package webhook

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_total",
			Help: "Webhook delivery attempts by outcome.",
		},
		[]string{"status"},
	)
	queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "webhook_queue_size",
		Help: "Webhook deliveries queued or retrying.",
	})
)

func init() {
	prometheus.MustRegister(deliveries)
	prometheus.MustRegister(queueSize)
}
