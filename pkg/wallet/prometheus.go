package wallet

import "github.com/prometheus/client_golang/prometheus"

// rpcDurations observes successful RPC round trips only.
var rpcDurations = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "rpc_duration_seconds",
		Help: "Bitcoin Core RPC duration.",
	},
	[]string{"method"},
)

func init() {
	prometheus.MustRegister(rpcDurations)
}
