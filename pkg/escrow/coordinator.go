// Package escrow coordinates 2-of-3 multisig escrows over a Bitcoin Core
// watch wallet: descriptor registration, funding observation, PSBT
// construction and validation, and settlement broadcast. The coordinator
// never sees a private key; signatures arrive from the parties as partial
// PSBTs and leave as a finalized transaction.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"

	"github.com/weo-dev/escrowd/pkg/wallet"
)

const (
	// feeEstVBytes sizes the fee headroom added to the funding target. A
	// 2-of-3 P2WSH spend with one input and one output weighs in around
	// 150 vbytes.
	feeEstVBytes = 150

	// feeEstConfTarget is the estimatesmartfee horizon used at creation.
	feeEstConfTarget = 3

	// defaultMinConf is the confirmation requirement when the creation
	// request leaves min_conf out.
	defaultMinConf = int64(2)

	defaultSigningDeadline = 7 * 24 * time.Hour
)

type (
	// Config collects the coordinator dependencies.
	Config struct {
		Store  Store
		Wallet *wallet.Client
		Events EventSink
		Clock  clock.Clock
		Log    *zap.Logger
		// SigningDeadline is stamped on orders entering escrow_funded or
		// signing; the deadline worker escalates orders still signing past
		// it.
		SigningDeadline time.Duration
	}

	// Coordinator owns order lifecycle and the PSBT pipeline. All methods
	// are safe for concurrent use; per-order races resolve through the
	// store's compare-and-set.
	Coordinator struct {
		store    Store
		wallet   *wallet.Client
		events   EventSink
		clock    clock.Clock
		log      *zap.Logger
		deadline time.Duration
	}

	// Party identifies one escrow participant by extended public key.
	Party struct {
		Xpub string `json:"xpub"`
	}

	// CreateRequest registers an escrow between three parties.
	CreateRequest struct {
		OrderID   string  `json:"order_id"`
		Buyer     Party   `json:"buyer"`
		Seller    Party   `json:"seller"`
		Escrow    Party   `json:"escrow"`
		Index     *uint32 `json:"index,omitempty"`
		MinConf   *int64  `json:"min_conf,omitempty"`
		AmountSat int64   `json:"amount_sat"`
	}

	// CreateResult is the order registration answer.
	CreateResult struct {
		EscrowAddress string `json:"escrow_address"`
		Descriptor    string `json:"descriptor"`
		WatchID       string `json:"watch_id"`
	}

	// FundingStatus snapshots the deposit utxos observed for an order.
	FundingStatus struct {
		UTXOs         []FundingUTXO `json:"utxos"`
		TotalSat      int64         `json:"total_sat"`
		Confirmations int64         `json:"confirmations"`
		ShortfallSat  int64         `json:"shortfall_sat,omitempty"`
	}

	// StatusResult is the funding status answer. Funding is nil until the
	// wallet has seen at least one labelled utxo.
	StatusResult struct {
		Funding    *FundingStatus `json:"funding,omitempty"`
		State      State          `json:"state"`
		DeadlineTS int64          `json:"deadline_ts,omitempty"`
		FeeEstSat  int64          `json:"fee_est_sat,omitempty"`
	}
)

// New validates cfg and builds a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("escrow: nil store")
	}
	if cfg.Wallet == nil {
		return nil, errors.New("escrow: nil wallet client")
	}
	if cfg.Events == nil {
		return nil, errors.New("escrow: nil event sink")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.SigningDeadline == 0 {
		cfg.SigningDeadline = defaultSigningDeadline
	}
	return &Coordinator{
		store:    cfg.Store,
		wallet:   cfg.Wallet,
		events:   cfg.Events,
		clock:    cfg.Clock,
		log:      cfg.Log,
		deadline: cfg.SigningDeadline,
	}, nil
}

// descriptorBase renders the sorted-multisig descriptor before the wallet
// appends its checksum. All three keys share the 0/<idx> external path.
func descriptorBase(xpubBuyer, xpubSeller, xpubEscrow string, idx uint32) string {
	return fmt.Sprintf("wsh(sortedmulti(2,%s/0/%d,%s/0/%d,%s/0/%d))",
		xpubBuyer, idx, xpubSeller, idx, xpubEscrow, idx)
}

// CreateOrder validates the request, registers the watch-only descriptor
// with the wallet and stores the order. Re-creating an existing order_id
// is idempotent: the stored descriptor is re-derived and returned without
// touching the row.
func (c *Coordinator) CreateOrder(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := CheckOrderID(req.OrderID); err != nil {
		return nil, err
	}
	if err := CheckAmount(req.AmountSat); err != nil {
		return nil, err
	}
	for _, p := range []Party{req.Buyer, req.Seller, req.Escrow} {
		if err := CheckXpub(p.Xpub); err != nil {
			return nil, err
		}
	}
	minConf := defaultMinConf
	if req.MinConf != nil {
		if *req.MinConf < 0 || *req.MinConf > 100 {
			return nil, fmt.Errorf("%w: min_conf out of range", ErrValidation)
		}
		minConf = *req.MinConf
	}

	existing, err := c.store.Get(req.OrderID)
	if err == nil {
		addrs, err := c.wallet.DeriveAddresses(ctx, existing.Descriptor, existing.Index, existing.Index)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, errors.New("descriptor derived no address")
		}
		return &CreateResult{
			EscrowAddress: addrs[0],
			Descriptor:    existing.Descriptor,
			WatchID:       WatchID(req.OrderID, existing.Index),
		}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var index uint32
	if req.Index != nil {
		index = *req.Index
	} else {
		index, err = c.store.NextIndex()
		if err != nil {
			return nil, err
		}
	}

	base := descriptorBase(req.Buyer.Xpub, req.Seller.Xpub, req.Escrow.Xpub, index)
	info, err := c.wallet.GetDescriptorInfo(ctx, base)
	if err != nil {
		return nil, err
	}
	desc := base + "#" + info.Checksum
	label := OrderLabel(req.OrderID)
	feeEst := c.estimateFeeHeadroom(ctx)

	imported, err := c.wallet.ImportDescriptors(ctx, []wallet.ImportRequest{{
		Desc:      desc,
		Timestamp: "now",
		Label:     label,
		Internal:  false,
		Active:    false,
		Range:     [2]uint32{index, index},
	}})
	if err != nil {
		return nil, err
	}
	for i := range imported {
		if !imported[i].Success {
			c.log.Warn("descriptor import not confirmed by wallet",
				zap.String("order_id", req.OrderID))
		}
	}

	addrs, err := c.wallet.DeriveAddresses(ctx, desc, index, index)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errors.New("descriptor derived no address")
	}

	order := &Order{
		ID:         req.OrderID,
		Descriptor: desc,
		Index:      index,
		MinConf:    minConf,
		Label:      label,
		AmountSat:  req.AmountSat,
		FeeEstSat:  feeEst,
		CreatedAt:  c.clock.Now().Unix(),
	}
	if err := c.store.Put(order); err != nil {
		return nil, err
	}

	c.log.Info("order registered",
		zap.String("order_id", req.OrderID),
		zap.Uint32("index", index),
		zap.Int64("amount_sat", req.AmountSat),
		zap.Int64("fee_est_sat", feeEst))

	return &CreateResult{
		EscrowAddress: addrs[0],
		Descriptor:    desc,
		WatchID:       WatchID(req.OrderID, index),
	}, nil
}

// estimateFeeHeadroom turns the node's feerate estimate into the satoshi
// headroom expected on top of the principal. Any failure means zero
// headroom rather than a failed registration.
func (c *Coordinator) estimateFeeHeadroom(ctx context.Context) int64 {
	est, err := c.wallet.EstimateSmartFee(ctx, feeEstConfTarget)
	if err != nil || est.FeeRate == nil {
		return 0
	}
	// feerate is BTC/kvB; *1e5 converts to sat/vB.
	return int64(math.Round(*est.FeeRate * 1e5 * feeEstVBytes))
}

// Status reports funding for an order and promotes awaiting_deposit to
// escrow_funded once confirmations and amount clear the bar. Unknown
// orders read as awaiting_deposit: creation can race the first poll.
func (c *Coordinator) Status(ctx context.Context, orderID string) (*StatusResult, error) {
	order, err := c.store.Get(orderID)
	if errors.Is(err, ErrNotFound) {
		return &StatusResult{State: StateAwaitingDeposit}, nil
	}
	if err != nil {
		return nil, err
	}

	utxos, err := c.wallet.ListUnspent(ctx, 0)
	if err != nil {
		return nil, err
	}
	var (
		mine     []FundingUTXO
		totalSat int64
	)
	for _, u := range utxos {
		if u.Label != order.Label {
			continue
		}
		tx, err := c.wallet.GetTransaction(ctx, u.Txid)
		if err != nil {
			return nil, err
		}
		mine = append(mine, FundingUTXO{
			Txid:          u.Txid,
			Vout:          u.Vout,
			ValueSat:      u.AmountSat(),
			Confirmations: tx.Confirmations,
		})
		totalSat += u.AmountSat()
	}
	if len(mine) == 0 {
		return &StatusResult{
			State:      order.State,
			DeadlineTS: order.DeadlineTS,
			FeeEstSat:  order.FeeEstSat,
		}, nil
	}

	observedConf := mine[0].Confirmations
	for _, u := range mine[1:] {
		if u.Confirmations < observedConf {
			observedConf = u.Confirmations
		}
	}
	if err := c.store.UpdateFunding(orderID, mine[0].Txid, mine[0].Vout, observedConf); err != nil {
		return nil, err
	}

	expected := order.ExpectedSat()
	state := order.State
	deadlineTS := order.DeadlineTS
	promotable := state == StateAwaitingDeposit || state == StateEscrowFunded
	if promotable && expected > 0 &&
		observedConf >= order.MinConf &&
		totalSat+order.FundingTolerance() >= expected {
		newly, err := c.Advance(orderID, StateEscrowFunded, observedConf)
		if err != nil {
			return nil, err
		}
		state = StateEscrowFunded
		if newly {
			deadlineTS = c.clock.Now().Add(c.deadline).Unix()
			c.events.Enqueue(FundedEvent(orderID, mine, totalSat, observedConf))
			c.log.Info("escrow funded",
				zap.String("order_id", orderID),
				zap.Int64("total_sat", totalSat),
				zap.Int64("confs", observedConf))
		}
	}

	funding := &FundingStatus{
		UTXOs:         mine,
		TotalSat:      totalSat,
		Confirmations: observedConf,
	}
	if expected > 0 && totalSat < expected {
		funding.ShortfallSat = expected - totalSat
	}

	return &StatusResult{
		Funding:    funding,
		State:      state,
		DeadlineTS: deadlineTS,
		FeeEstSat:  order.FeeEstSat,
	}, nil
}

// Advance moves an order to a new lifecycle state. Re-entering the current
// state only refreshes confirmations (confs < 0 skips that too) and
// reports newly=false. The deadline stamp follows the target state:
// escrow_funded and signing arm it, everything else clears it.
func (c *Coordinator) Advance(orderID string, to State, confs int64) (bool, error) {
	if !to.Valid() || to == StateRBFSigning {
		return false, fmt.Errorf("%w: bad target state %q", ErrValidation, to)
	}
	order, err := c.store.Get(orderID)
	if err != nil {
		return false, err
	}
	if order.State == to {
		if confs >= 0 {
			if err := c.store.UpdateConfirmations(orderID, confs); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	if !order.State.CanAdvance(to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.State, to)
	}

	now := c.clock.Now()
	var deadlineTS int64
	if to == StateEscrowFunded || to == StateSigning {
		deadlineTS = now.Add(c.deadline).Unix()
	}
	applied, err := c.store.TransitionState(orderID, order.State, to, now.Unix(), confs, deadlineTS)
	if err != nil {
		return false, err
	}
	if !applied {
		// Lost the race; whoever won decided the state.
		cur, err := c.store.Get(orderID)
		if err != nil {
			return false, err
		}
		if cur.State == to {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, to)
	}

	c.log.Info("state advanced",
		zap.String("order_id", orderID),
		zap.String("from", string(order.State)),
		zap.String("to", string(to)))
	c.RefreshPendingGauge()
	return true, nil
}

// RefreshPendingGauge recomputes the pending_signatures gauge. Store
// errors leave the gauge stale.
func (c *Coordinator) RefreshPendingGauge() {
	if n, err := c.store.PendingSignatures(); err == nil {
		pendingSignatures.Set(float64(n))
	}
}
