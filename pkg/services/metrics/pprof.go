package metrics

import (
	"net/http"
	"net/http/pprof"

	"go.uber.org/zap"
)

// NewPprofService creates the pprof listener. An empty address means the
// listener is disabled; the result is then nil.
func NewPprofService(addr string, log *zap.Logger) *Service {
	if addr == "" || log == nil {
		return nil
	}
	handler := http.NewServeMux()
	handler.HandleFunc("/debug/pprof/", pprof.Index)
	handler.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	handler.HandleFunc("/debug/pprof/profile", pprof.Profile)
	handler.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	handler.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return newService("Pprof", &http.Server{
		Addr:    addr,
		Handler: handler,
	}, log)
}
