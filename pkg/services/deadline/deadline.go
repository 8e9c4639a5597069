// Package deadline implements the background worker that counts stuck
// orders and escalates signing orders past their deadline. An escalation
// merges whatever partials the parties delivered, lets the wallet add what
// it can and either settles the order through the regular finalize and
// broadcast path or, when the quorum is out of reach, parks it in dispute
// for the arbiter.
package deadline

import (
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/weo-dev/escrowd/pkg/escrow"
	"github.com/weo-dev/escrowd/pkg/wallet"
)

const (
	defaultStuckAfter = 24 * time.Hour
	defaultInterval   = 10 * time.Minute
)

type (
	// Config collects the worker dependencies.
	Config struct {
		Coordinator *escrow.Coordinator
		Store       escrow.Store
		Wallet      *wallet.Client
		Events      escrow.EventSink
		Clock       clock.Clock
		Log         *zap.Logger

		// StuckAfter is the age past which an order in awaiting_deposit or
		// signing is counted as stuck.
		StuckAfter time.Duration
		// Interval is the sweep period. Ignored when Ticker is set.
		Interval time.Duration
		// Ticker overrides the sweep schedule.
		Ticker ticker.Ticker
	}

	// Worker runs the sweep loop. One sweep fires immediately on Start,
	// then one per tick.
	Worker struct {
		cfg  Config
		log  *zap.Logger
		tick ticker.Ticker

		started *atomic.Bool
		quit    chan struct{}
		done    chan struct{}
	}
)

// New validates cfg and builds a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("deadline: nil coordinator")
	}
	if cfg.Store == nil {
		return nil, errors.New("deadline: nil store")
	}
	if cfg.Wallet == nil {
		return nil, errors.New("deadline: nil wallet client")
	}
	if cfg.Events == nil {
		return nil, errors.New("deadline: nil event sink")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = defaultStuckAfter
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	tick := cfg.Ticker
	if tick == nil {
		tick = ticker.New(cfg.Interval)
	}
	return &Worker{
		cfg:     cfg,
		log:     cfg.Log,
		tick:    tick,
		started: atomic.NewBool(false),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Name returns the service name.
func (w *Worker) Name() string {
	return "deadline worker"
}

// Start launches the sweep loop.
func (w *Worker) Start() error {
	if !w.started.CAS(false, true) {
		return errors.New("deadline: already started")
	}
	w.log.Info("starting deadline worker",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("stuck_after", w.cfg.StuckAfter))
	w.tick.Resume()
	go w.run()
	return nil
}

// Shutdown stops the loop and waits for a running sweep to finish.
func (w *Worker) Shutdown() {
	if !w.started.CAS(true, false) {
		return
	}
	close(w.quit)
	<-w.done
	w.tick.Stop()
	w.log.Info("deadline worker stopped")
}

func (w *Worker) run() {
	defer close(w.done)
	w.sweep()
	for {
		select {
		case <-w.quit:
			return
		case <-w.tick.Ticks():
			w.sweep()
		}
	}
}

// sweep scans open orders once: stuck counting for awaiting_deposit and
// signing, escalation for signing orders past their deadline. Per-order
// failures are logged and do not stop the scan.
func (w *Worker) sweep() {
	orders, err := w.cfg.Store.ListByStates(escrow.StateAwaitingDeposit, escrow.StateSigning)
	if err != nil {
		w.log.Error("stuck order scan failed", zap.Error(err))
		return
	}
	now := w.cfg.Clock.Now().Unix()
	for _, o := range orders {
		age := time.Duration(now-o.CreatedAt) * time.Second
		if age > w.cfg.StuckAfter {
			stuckOrders.WithLabelValues(string(o.State)).Inc()
			w.log.Warn("order stuck",
				zap.String("order_id", o.ID),
				zap.String("state", string(o.State)),
				zap.Duration("age", age))
		}
		if o.State == escrow.StateSigning && o.DeadlineTS != 0 && now > o.DeadlineTS {
			if err := w.escalate(o); err != nil {
				w.log.Error("deadline escalation failed",
					zap.String("order_id", o.ID), zap.Error(err))
			}
		}
	}
	w.cfg.Coordinator.RefreshPendingGauge()
}

// escalate resolves one signing order whose deadline passed. With no
// partials on file there is nothing to work with and the order is left
// alone. Otherwise the partials are merged and handed to the wallet; the
// signature count before and against after processing decides the outcome.
func (w *Worker) escalate(o *escrow.Order) error {
	if len(o.Partials) == 0 {
		return nil
	}
	ctx := context.Background()

	merged, err := w.cfg.Wallet.CombinePSBT(ctx, o.Partials)
	if err != nil {
		return err
	}
	preSig, err := w.signatureCount(ctx, merged)
	if err != nil {
		return err
	}
	processed := merged
	proc, err := w.cfg.Wallet.WalletProcessPSBT(ctx, merged)
	if err != nil {
		return err
	}
	if proc.Psbt != "" {
		processed = proc.Psbt
	}
	postSig, err := w.signatureCount(ctx, processed)
	if err != nil {
		return err
	}

	switch {
	case postSig == preSig:
		// The wallet added nothing: it holds no keys for this escrow, so
		// no amount of waiting completes the quorum. Hand the order to
		// the arbiter.
		stuckOrders.WithLabelValues("watch_only").Inc()
		w.log.Warn("deadline passed on watch-only escrow, opening dispute",
			zap.String("order_id", o.ID),
			zap.Int("signatures", postSig))
		if _, err := w.cfg.Coordinator.Advance(o.ID, escrow.StateDispute, -1); err != nil {
			return err
		}
		w.cfg.Events.Enqueue(escrow.DisputeOpenedEvent(o.ID))
		return nil
	case postSig < escrow.SigThreshold:
		stuckOrders.WithLabelValues("insufficient_signatures").Inc()
		w.log.Info("deadline escalation waiting on signatures",
			zap.String("order_id", o.ID),
			zap.Int("signatures", postSig))
		return nil
	}

	final := escrow.StateCompleted
	if o.OutputType == "refund" {
		final = escrow.StateRefunded
	}
	fin, err := w.cfg.Coordinator.Finalize(ctx, escrow.FinalizeRequest{
		OrderID: o.ID,
		Psbt:    processed,
		State:   final,
	})
	if err != nil {
		return err
	}
	res, err := w.cfg.Coordinator.Broadcast(ctx, escrow.BroadcastRequest{
		Hex:     fin.Hex,
		OrderID: o.ID,
		State:   final,
	})
	if err != nil {
		return err
	}
	w.log.Info("deadline escalated to settlement",
		zap.String("order_id", o.ID),
		zap.String("state", string(final)),
		zap.String("txid", res.Txid))
	return nil
}

func (w *Worker) signatureCount(ctx context.Context, psbt string) (int, error) {
	dec, err := w.cfg.Wallet.DecodePSBT(ctx, psbt)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range dec.Inputs {
		n += len(dec.Inputs[i].PartialSignatures)
	}
	return n, nil
}
