package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewPrometheusService creates the Prometheus scrape listener. An empty
// address means the listener is disabled; the result is then nil.
func NewPrometheusService(addr string, log *zap.Logger) *Service {
	if addr == "" || log == nil {
		return nil
	}
	return newService("Prometheus", &http.Server{
		Addr:    addr,
		Handler: promhttp.Handler(),
	}, log)
}
