// Package server implements the escrowd server command: configuration,
// logger and service wiring plus the shutdown path.
package server

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/weo-dev/escrowd/pkg/config"
	"github.com/weo-dev/escrowd/pkg/escrow"
	"github.com/weo-dev/escrowd/pkg/services/api"
	"github.com/weo-dev/escrowd/pkg/services/deadline"
	"github.com/weo-dev/escrowd/pkg/services/metrics"
	"github.com/weo-dev/escrowd/pkg/services/webhook"
	"github.com/weo-dev/escrowd/pkg/storage"
	"github.com/weo-dev/escrowd/pkg/wallet"
)

// NewCommands returns the server command.
func NewCommands() []cli.Command {
	return []cli.Command{{
		Name:   "server",
		Usage:  "start the escrow coordinator",
		Action: startServer,
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "config, c",
				Usage: "YAML configuration file, environment variables win over it",
			},
		},
	}}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log setting: %w", err)
	}
	cc := zap.NewProductionConfig()
	cc.DisableCaller = true
	cc.DisableStacktrace = true
	cc.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cc.Encoding = "console"
	cc.Level = zap.NewAtomicLevelAt(lvl)
	cc.Sampling = nil
	return cc.Build()
}

func startServer(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer func() { _ = log.Sync() }()

	rl, err := api.ParseRateLimit(cfg.RateLimit)
	if err != nil {
		return cli.NewExitError(fmt.Errorf("config: %w", err), 1)
	}

	store, err := storage.New(cfg.OrdersDB)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer store.Close()

	node, err := wallet.New(wallet.Options{
		URL:    cfg.CoreURL,
		Wallet: cfg.CoreWallet,
		User:   cfg.CoreUser,
		Pass:   cfg.CorePass,
		Log:    log,
	})
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	hooks, err := webhook.New(webhook.Config{
		URL:         cfg.CallbackURL,
		Secret:      cfg.HMACSecret,
		Retries:     cfg.WebhookRetries,
		Backoff:     cfg.WebhookBackoff,
		JournalPath: cfg.WebhookDB,
		Store:       store,
		Log:         log,
	})
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	coord, err := escrow.New(escrow.Config{
		Store:           store,
		Wallet:          node,
		Events:          hooks,
		Log:             log,
		SigningDeadline: cfg.SigningDeadline,
	})
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	worker, err := deadline.New(deadline.Config{
		Coordinator: coord,
		Store:       store,
		Wallet:      node,
		Events:      hooks,
		Log:         log,
		StuckAfter:  cfg.StuckOrderAge,
		Interval:    cfg.StuckInterval,
	})
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	srv, err := api.New(api.Config{
		Address:      cfg.ListenAddr(),
		APIKeys:      cfg.APIKeys,
		RevokedKeys:  cfg.APIKeyRevoked,
		AllowOrigins: cfg.AllowOrigins,
		RateLimit:    rl,
		Coordinator:  coord,
		Wallet:       node,
		DB:           store,
		Queue:        hooks,
		Log:          log,
	})
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	if err := hooks.Start(); err != nil {
		return cli.NewExitError(err, 1)
	}
	if err := worker.Start(); err != nil {
		hooks.Shutdown()
		return cli.NewExitError(err, 1)
	}
	if err := srv.Start(); err != nil {
		worker.Shutdown()
		hooks.Shutdown()
		return cli.NewExitError(err, 1)
	}

	prom := metrics.NewPrometheusService(cfg.PrometheusAddr, log)
	pprof := metrics.NewPprofService(cfg.PprofAddr, log)
	for _, svc := range []*metrics.Service{prom, pprof} {
		if svc == nil {
			continue
		}
		svc := svc
		go func() {
			if err := svc.Start(); err != nil {
				log.Error("service failed",
					zap.String("service", svc.Name()), zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	log.Info("signal received, shutting down", zap.Stringer("signal", sig))

	// Public surface first, then the worker, then the dispatcher so late
	// events still drain into the journal.
	srv.Shutdown()
	worker.Shutdown()
	hooks.Shutdown()
	if pprof != nil {
		pprof.Shutdown()
	}
	if prom != nil {
		prom.Shutdown()
	}
	return nil
}
