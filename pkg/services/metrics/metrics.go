// Package metrics exposes the operational listeners, Prometheus scrape and
// pprof, on their own addresses away from the public API.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Service serves one operational HTTP listener.
type Service struct {
	srv  *http.Server
	log  *zap.Logger
	name string
}

func newService(name string, srv *http.Server, log *zap.Logger) *Service {
	return &Service{srv: srv, log: log, name: name}
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.name
}

// Start runs the listener and blocks until Shutdown.
func (s *Service) Start() error {
	s.log.Info("service is running",
		zap.String("service", s.name),
		zap.String("endpoint", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, waiting out in-flight requests.
func (s *Service) Shutdown() {
	s.log.Info("shutting down service",
		zap.String("service", s.name),
		zap.String("endpoint", s.srv.Addr))
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error("can't shut service down",
			zap.String("service", s.name), zap.Error(err))
	}
}
