// Package webhook delivers signed lifecycle notifications to the commerce
// backend. Deliveries are retried with exponential backoff and journaled
// on disk, so a restart replays anything not yet acknowledged.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/weo-dev/escrowd/pkg/escrow"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultRetries        = 3
	defaultBackoff        = 2.0
)

type (
	// OrderStamps is the slice of the order store the dispatcher needs for
	// terminal-event dedup.
	OrderStamps interface {
		Get(orderID string) (*escrow.Order, error)
		SetLastWebhookTS(orderID string, ts int64) error
	}

	// Config collects the dispatcher dependencies. URL and Secret both
	// empty is a valid configuration meaning notifications are off.
	Config struct {
		URL    string
		Secret string
		// Retries is the number of redeliveries after the first failed
		// attempt; attempt r waits Backoff^r seconds before the next one.
		Retries     int
		Backoff     float64
		JournalPath string
		Store       OrderStamps
		Clock       clock.Clock
		Client      *http.Client
		Log         *zap.Logger
	}

	// Dispatcher consumes lifecycle events and posts them to the callback
	// URL. It implements escrow.EventSink.
	Dispatcher struct {
		cfg     Config
		queue   *queue.ConcurrentQueue
		journal *journal
		log     *zap.Logger

		// started protects from double start/shutdown.
		started *atomic.Bool
		backlog *atomic.Int64
		quit    chan struct{}
		done    chan struct{}
	}

	// delivery is one journaled notification.
	delivery struct {
		ID       string          `json:"id"`
		OrderID  string          `json:"order_id"`
		Event    string          `json:"event"`
		Body     json.RawMessage `json:"body"`
		Attempt  int             `json:"attempt"`
		Terminal bool            `json:"terminal"`
	}
)

// New opens the journal and builds a Dispatcher. Start must be called
// before the first Enqueue.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, errors.New("webhook: nil order store")
	}
	if cfg.JournalPath == "" {
		return nil, errors.New("webhook: empty journal path")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultRequestTimeout}
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	j, err := openJournal(cfg.JournalPath)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		cfg:     cfg,
		queue:   queue.NewConcurrentQueue(16),
		journal: j,
		log:     cfg.Log,
		started: atomic.NewBool(false),
		backlog: atomic.NewInt64(0),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Enabled reports whether deliveries are configured at all.
func (d *Dispatcher) Enabled() bool {
	return d.cfg.URL != "" && d.cfg.Secret != ""
}

// QueueLen is the number of deliveries queued or mid-retry. Reading it
// refreshes the queue gauge, so health probes keep it current even when
// no events flow.
func (d *Dispatcher) QueueLen() int64 {
	n := d.backlog.Load()
	queueSize.Set(float64(n))
	return n
}

// Enqueue journals the event and hands it to the delivery loop. Without a
// configured callback the event is dropped.
func (d *Dispatcher) Enqueue(ev escrow.Event) {
	if !d.Enabled() {
		d.log.Debug("callback not configured, dropping event",
			zap.String("order_id", ev.OrderID),
			zap.String("event", ev.Name))
		return
	}
	body := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		body[k] = v
	}
	body["order_id"] = ev.OrderID
	body["event"] = ev.Name
	raw, err := json.Marshal(body)
	if err != nil {
		d.log.Error("event body not serializable",
			zap.String("order_id", ev.OrderID), zap.Error(err))
		return
	}

	del := &delivery{
		ID:       uuid.NewString(),
		OrderID:  ev.OrderID,
		Event:    ev.Name,
		Body:     raw,
		Terminal: ev.Terminal(),
	}
	if err := d.journal.put(del); err != nil {
		d.log.Error("journal write failed",
			zap.String("order_id", ev.OrderID), zap.Error(err))
	}
	d.backlog.Inc()
	queueSize.Set(float64(d.backlog.Load()))
	d.queue.ChanIn() <- del
}

// Start replays journaled deliveries and launches the delivery loop.
func (d *Dispatcher) Start() error {
	if !d.started.CAS(false, true) {
		return errors.New("webhook: already started")
	}
	d.queue.Start()
	pending, err := d.journal.pending()
	if err != nil {
		return err
	}
	for _, del := range pending {
		d.backlog.Inc()
		d.queue.ChanIn() <- del
	}
	queueSize.Set(float64(d.backlog.Load()))
	if len(pending) > 0 {
		d.log.Info("replaying journaled deliveries", zap.Int("count", len(pending)))
	}
	go d.loop()
	return nil
}

// Shutdown stops the delivery loop and closes the journal. In-flight
// retries stay journaled for the next start.
func (d *Dispatcher) Shutdown() {
	if !d.started.CAS(true, false) {
		return
	}
	close(d.quit)
	<-d.done
	d.queue.Stop()
	if err := d.journal.close(); err != nil {
		d.log.Error("journal close failed", zap.Error(err))
	}
	d.log.Info("webhook dispatcher shut down")
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		case item, ok := <-d.queue.ChanOut():
			if !ok {
				return
			}
			d.process(item.(*delivery))
		}
	}
}

// process drives one delivery to a final disposition: delivered, deduped
// or given up. Retries happen in place, matching a single worker draining
// the queue.
func (d *Dispatcher) process(del *delivery) {
	defer func() { queueSize.Set(float64(d.backlog.Load())) }()

	if del.Terminal {
		if order, err := d.cfg.Store.Get(del.OrderID); err == nil && order.LastWebhookTS != 0 {
			d.finish(del)
			d.log.Debug("terminal event already delivered",
				zap.String("order_id", del.OrderID),
				zap.String("event", del.Event))
			return
		}
	}

	for {
		err := d.deliver(del)
		if err == nil {
			deliveries.WithLabelValues("ok").Inc()
			if del.Terminal {
				if err := d.cfg.Store.SetLastWebhookTS(del.OrderID, d.cfg.Clock.Now().Unix()); err != nil {
					d.log.Error("webhook stamp failed",
						zap.String("order_id", del.OrderID), zap.Error(err))
				}
			}
			d.finish(del)
			d.log.Info("webhook delivered",
				zap.String("order_id", del.OrderID),
				zap.String("event", del.Event),
				zap.Int("attempt", del.Attempt))
			return
		}

		deliveries.WithLabelValues("fail").Inc()
		d.log.Warn("webhook delivery failed",
			zap.String("order_id", del.OrderID),
			zap.String("event", del.Event),
			zap.Int("attempt", del.Attempt),
			zap.Error(err))

		if del.Attempt >= d.cfg.Retries {
			d.finish(del)
			d.log.Error("webhook given up",
				zap.String("order_id", del.OrderID),
				zap.String("event", del.Event),
				zap.Int("attempts", del.Attempt+1))
			return
		}
		delay := time.Duration(math.Pow(d.cfg.Backoff, float64(del.Attempt)) * float64(time.Second))
		del.Attempt++
		if err := d.journal.put(del); err != nil {
			d.log.Error("journal update failed", zap.Error(err))
		}
		select {
		case <-d.quit:
			return
		case <-d.cfg.Clock.TickAfter(delay):
		}
	}
}

// deliver performs one signed POST. The signature covers the decimal
// timestamp concatenated with the body and is recomputed per attempt, so
// the receiver can bound clock skew per try.
func (d *Dispatcher) deliver(del *delivery) error {
	ts := strconv.FormatInt(d.cfg.Clock.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(d.cfg.Secret))
	mac.Write([]byte(ts))
	mac.Write(del.Body)
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, d.cfg.URL, bytes.NewReader(del.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-weo-ts", ts)
	req.Header.Set("x-weo-sign", sig)

	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback answered %s", resp.Status)
	}
	return nil
}

func (d *Dispatcher) finish(del *delivery) {
	if err := d.journal.delete(del.ID); err != nil {
		d.log.Error("journal delete failed", zap.String("id", del.ID), zap.Error(err))
	}
	d.backlog.Dec()
}
