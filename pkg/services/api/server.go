// Package api implements the coordinator's HTTP surface: order lifecycle
// and PSBT endpoints plus the health, liveness and metrics routes. Every
// route shares the request-log, rate-limit and CORS middleware; all but
// /live sit behind the API key check.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/weo-dev/escrowd/pkg/escrow"
	"github.com/weo-dev/escrowd/pkg/wallet"
)

const shutdownTimeout = 5 * time.Second

type (
	// Pinger reports whether the order store answers.
	Pinger interface {
		Ping() error
	}

	// BacklogReporter exposes the webhook backlog for the health probe.
	BacklogReporter interface {
		QueueLen() int64
	}

	// Config collects the server dependencies.
	Config struct {
		// Address is the host:port to listen on.
		Address string
		// APIKeys are the accepted x-api-key values. Empty disables auth.
		APIKeys []string
		// RevokedKeys are rejected even when listed in APIKeys.
		RevokedKeys []string
		// AllowOrigins is the CORS origin allowlist.
		AllowOrigins []string
		// RateLimit is the per-caller budget. Zero means 100/minute.
		RateLimit RateLimit

		Coordinator *escrow.Coordinator
		Wallet      *wallet.Client
		DB          Pinger
		// Queue reports the webhook backlog, nil when webhooks are off.
		Queue BacklogReporter
		Log   *zap.Logger
	}

	// Server is the HTTP front of the coordinator.
	Server struct {
		cfg    Config
		coord  *escrow.Coordinator
		wallet *wallet.Client
		db     Pinger
		queue  BacklogReporter
		log    *zap.Logger

		keys    map[string]bool
		revoked map[string]bool
		limiter *keyLimiter

		handler http.Handler
		srv     *http.Server
		ln      net.Listener
		started *atomic.Bool
	}
)

// New validates cfg, builds the route table and wraps it in the middleware
// chain. The key check runs per keyed route; logging and the rate limit
// cover everything, /live included.
func New(cfg Config) (*Server, error) {
	if cfg.Address == "" {
		return nil, errors.New("api: no address to listen on")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("api: nil coordinator")
	}
	if cfg.Wallet == nil {
		return nil, errors.New("api: nil wallet client")
	}
	if cfg.DB == nil {
		return nil, errors.New("api: nil db pinger")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.RateLimit.Count == 0 {
		cfg.RateLimit = RateLimit{Count: 100, Window: time.Minute}
	}

	s := &Server{
		cfg:     cfg,
		coord:   cfg.Coordinator,
		wallet:  cfg.Wallet,
		db:      cfg.DB,
		queue:   cfg.Queue,
		log:     cfg.Log,
		keys:    keySet(cfg.APIKeys),
		revoked: keySet(cfg.RevokedKeys),
		limiter: newKeyLimiter(cfg.RateLimit),
		started: atomic.NewBool(false),
	}

	r := mux.NewRouter()
	r.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)

	keyed := r.PathPrefix("/").Subrouter()
	keyed.Use(s.requireKey)
	keyed.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	keyed.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	keyed.HandleFunc("/orders", s.handleCreateOrder).Methods(http.MethodPost)
	keyed.HandleFunc("/orders/{id}/status", s.handleStatus).Methods(http.MethodGet)
	keyed.HandleFunc("/orders/{id}/payout_quote", s.handlePayoutQuote).Methods(http.MethodPost)
	keyed.HandleFunc("/psbt/build", s.handleBuildPayout).Methods(http.MethodPost)
	keyed.HandleFunc("/psbt/build_refund", s.handleBuildRefund).Methods(http.MethodPost)
	keyed.HandleFunc("/psbt/merge", s.handleMerge).Methods(http.MethodPost)
	keyed.HandleFunc("/psbt/decode", s.handleDecode).Methods(http.MethodPost)
	keyed.HandleFunc("/psbt/finalize", s.handleFinalize).Methods(http.MethodPost)
	keyed.HandleFunc("/tx/broadcast", s.handleBroadcast).Methods(http.MethodPost)
	keyed.HandleFunc("/tx/bumpfee", s.handleBumpFee).Methods(http.MethodPost)
	keyed.HandleFunc("/tx/bumpfee/finalize", s.handleFinalizeBump).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "x-api-key", "X-Request-ID", "X-Actor"},
		AllowCredentials: true,
	})
	s.handler = s.logging(s.rateLimit(c.Handler(r)))
	s.srv = &http.Server{
		Addr:    cfg.Address,
		Handler: s.handler,
	}
	return s, nil
}

func keySet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		set[k] = true
	}
	return set
}

// Name returns the service name.
func (s *Server) Name() string {
	return "api"
}

// Start binds the listener and serves in the background. The Server only
// starts once; a stopped instance can not be restarted.
func (s *Server) Start() error {
	if !s.started.CAS(false, true) {
		return errors.New("api: already started")
	}
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv.Addr = ln.Addr().String() // set Addr to the actual address
	s.log.Info("starting api server", zap.String("endpoint", s.srv.Addr),
		zap.Bool("auth", len(s.keys) != 0))
	go func() {
		err := s.srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound listen address, useful with ":0".
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Address
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests. Subsequent
// calls are no-op.
func (s *Server) Shutdown() {
	if !s.started.CAS(true, false) {
		return
	}
	s.log.Info("shutting down api server", zap.String("endpoint", s.srv.Addr))
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("error during api server shutdown", zap.Error(err))
	}
}
