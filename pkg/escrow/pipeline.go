package escrow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/weo-dev/escrowd/pkg/wallet"
)

const (
	// DefaultTargetConf is the confirmation target used when a build or
	// quote request leaves it out.
	DefaultTargetConf = int64(3)

	// SigThreshold is the multisig quorum; the descriptor is always 2-of-3.
	SigThreshold = 2
)

type (
	// PayoutRequest builds the seller-payout PSBT.
	PayoutRequest struct {
		OrderID    string           `json:"order_id"`
		Outputs    map[string]int64 `json:"outputs"`
		RBF        *bool            `json:"rbf,omitempty"`
		TargetConf int64            `json:"target_conf,omitempty"`
	}

	// RefundRequest builds the buyer-refund PSBT draining the escrow.
	RefundRequest struct {
		OrderID    string `json:"order_id"`
		Address    string `json:"address"`
		RBF        *bool  `json:"rbf,omitempty"`
		TargetConf int64  `json:"target_conf,omitempty"`
	}

	// QuoteRequest estimates the network fee a payout would pay right now.
	QuoteRequest struct {
		Address    string `json:"address"`
		RBF        *bool  `json:"rbf,omitempty"`
		TargetConf int64  `json:"target_conf,omitempty"`
	}

	// QuoteResult is the payout fee estimate.
	QuoteResult struct {
		FeeSat int64 `json:"fee_sat"`
	}

	// MergeRequest combines partial PSBTs, optionally tracking them on an
	// order.
	MergeRequest struct {
		OrderID  string   `json:"order_id,omitempty"`
		Partials []string `json:"partials"`
	}

	// DecodeResult summarizes a PSBT for the parties.
	DecodeResult struct {
		SignCount int              `json:"sign_count"`
		Outputs   map[string]int64 `json:"outputs"`
		FeeSat    int64            `json:"fee_sat"`
	}

	// FinalizeRequest runs the pre-broadcast validation gate.
	FinalizeRequest struct {
		OrderID string `json:"order_id,omitempty"`
		Psbt    string `json:"psbt"`
		State   State  `json:"state"`
	}

	// FinalizeResult carries the extracted transaction. FeeSat is computed
	// from input and output values, not taken from the wallet's analyzer.
	FinalizeResult struct {
		Hex    string `json:"hex"`
		FeeSat int64  `json:"fee_sat,omitempty"`
	}

	// BroadcastRequest sends a finalized transaction to the network.
	BroadcastRequest struct {
		Hex     string `json:"hex"`
		OrderID string `json:"order_id,omitempty"`
		State   State  `json:"state"`
	}

	// BroadcastResult reports the network txid.
	BroadcastResult struct {
		Txid string `json:"txid"`
	}
)

// terminalSettlement reports whether s names a valid settlement outcome.
func terminalSettlement(s State) bool {
	return s == StateCompleted || s == StateRefunded || s == StateDispute
}

func checkTargetConf(v int64) error {
	if v < 1 || v > 100 {
		return fmt.Errorf("%w: target_conf out of range", ErrValidation)
	}
	return nil
}

// fundedUTXOs lists the wallet utxos labeled for the order at minConf.
func (c *Coordinator) fundedUTXOs(ctx context.Context, order *Order, minConf int64) ([]wallet.UTXO, int64, error) {
	utxos, err := c.wallet.ListUnspent(ctx, minConf)
	if err != nil {
		return nil, 0, err
	}
	var (
		mine  []wallet.UTXO
		total int64
	)
	for _, u := range utxos {
		if u.Label == order.Label {
			mine = append(mine, u)
			total += u.AmountSat()
		}
	}
	return mine, total, nil
}

// fundPSBT drives walletcreatefundedpsbt over the order's utxos. The fee
// always comes out of output 0 and a change position is forbidden: escrow
// spends consume the multisig entirely, so any change would strand value
// back in it.
func (c *Coordinator) fundPSBT(ctx context.Context, utxos []wallet.UTXO, outputs map[string]float64, rbf bool, targetConf int64) (*wallet.FundedPSBT, error) {
	inputs := make([]wallet.PSBTInput, len(utxos))
	for i, u := range utxos {
		inputs[i] = wallet.PSBTInput{Txid: u.Txid, Vout: u.Vout}
	}
	funded, err := c.wallet.WalletCreateFundedPSBT(ctx, inputs, outputs, 0, wallet.FundOptions{
		IncludeWatching:        true,
		Replaceable:            rbf,
		ConfTarget:             targetConf,
		SubtractFeeFromOutputs: []int{0},
	})
	if err != nil {
		return nil, err
	}
	if funded.ChangePos != -1 {
		return nil, fmt.Errorf("%w: change position %d", ErrUnexpectedChange, funded.ChangePos)
	}
	return funded, nil
}

func rbfDefault(p *bool) bool {
	if p == nil {
		return true
	}
	return *p
}

func targetConfDefault(v int64) (int64, error) {
	if v == 0 {
		return DefaultTargetConf, nil
	}
	return v, checkTargetConf(v)
}

// BuildPayout constructs the payout PSBT, records the decoded outputs as
// the settlement commitment and moves the order into signing.
func (c *Coordinator) BuildPayout(ctx context.Context, req PayoutRequest) (string, error) {
	if len(req.Outputs) == 0 {
		return "", fmt.Errorf("%w: empty outputs", ErrValidation)
	}
	for addr, sat := range req.Outputs {
		if err := CheckAddress(addr); err != nil {
			return "", err
		}
		if err := CheckOutputAmount(sat); err != nil {
			return "", err
		}
	}
	targetConf, err := targetConfDefault(req.TargetConf)
	if err != nil {
		return "", err
	}
	order, err := c.store.Get(req.OrderID)
	if err != nil {
		return "", err
	}

	utxos, totalIn, err := c.fundedUTXOs(ctx, order, order.MinConf)
	if err != nil {
		return "", err
	}
	if len(utxos) == 0 {
		return "", fmt.Errorf("%w: nothing at %d confirmations", ErrNoFundedUTXO, order.MinConf)
	}
	var need int64
	for _, sat := range req.Outputs {
		need += sat
	}
	if totalIn < need {
		return "", fmt.Errorf("%w: inputs %d sat, outputs %d sat", ErrInsufficientFunds, totalIn, need)
	}

	outsBTC := make(map[string]float64, len(req.Outputs))
	for addr, sat := range req.Outputs {
		outsBTC[addr] = wallet.SatToBTC(sat)
	}
	funded, err := c.fundPSBT(ctx, utxos, outsBTC, rbfDefault(req.RBF), targetConf)
	if err != nil {
		return "", err
	}

	dec, err := c.wallet.DecodePSBT(ctx, funded.Psbt)
	if err != nil {
		return "", err
	}
	if len(dec.Tx.Vout) != len(req.Outputs) {
		return "", fmt.Errorf("%w: %d outputs built, %d requested", ErrOutputsMismatch,
			len(dec.Tx.Vout), len(req.Outputs))
	}
	committed := make(map[string]int64, len(dec.Tx.Vout))
	for i := range dec.Tx.Vout {
		v := &dec.Tx.Vout[i]
		addr, ok := v.Addr()
		if !ok {
			return "", fmt.Errorf("%w: output %d has no single address", ErrOutputsMismatch, v.N)
		}
		if _, requested := req.Outputs[addr]; !requested {
			return "", fmt.Errorf("%w: unexpected output address %s", ErrOutputsMismatch, addr)
		}
		if v.ValueSat() != order.AmountSat {
			return "", fmt.Errorf("%w: payout mismatch, output %d sat against escrow amount %d sat",
				ErrOutputsMismatch, v.ValueSat(), order.AmountSat)
		}
		committed[addr] = v.ValueSat()
	}

	if err := c.store.SaveOutputs(order.ID, committed, "payout"); err != nil {
		return "", err
	}
	if _, err := c.Advance(order.ID, StateSigning, -1); err != nil {
		return "", err
	}
	c.log.Info("payout built",
		zap.String("order_id", order.ID),
		zap.Int64("fee_sat", wallet.BTCToSat(funded.Fee)),
		zap.Int("outputs", len(committed)))
	return funded.Psbt, nil
}

// BuildRefund constructs a PSBT draining the escrow to a single address and
// moves the order into signing.
func (c *Coordinator) BuildRefund(ctx context.Context, req RefundRequest) (string, error) {
	if err := CheckAddress(req.Address); err != nil {
		return "", err
	}
	targetConf, err := targetConfDefault(req.TargetConf)
	if err != nil {
		return "", err
	}
	order, err := c.store.Get(req.OrderID)
	if err != nil {
		return "", err
	}

	utxos, totalIn, err := c.fundedUTXOs(ctx, order, order.MinConf)
	if err != nil {
		return "", err
	}
	if len(utxos) == 0 {
		return "", fmt.Errorf("%w: nothing at %d confirmations", ErrNoFundedUTXO, order.MinConf)
	}

	outs := map[string]float64{req.Address: wallet.SatToBTC(totalIn)}
	funded, err := c.fundPSBT(ctx, utxos, outs, rbfDefault(req.RBF), targetConf)
	if err != nil {
		return "", err
	}

	dec, err := c.wallet.DecodePSBT(ctx, funded.Psbt)
	if err != nil {
		return "", err
	}
	if len(dec.Tx.Vout) != 1 {
		return "", fmt.Errorf("%w: refund built %d outputs", ErrOutputsMismatch, len(dec.Tx.Vout))
	}
	addr, ok := dec.Tx.Vout[0].Addr()
	if !ok || addr != req.Address {
		return "", fmt.Errorf("%w: unexpected refund output", ErrOutputsMismatch)
	}

	committed := map[string]int64{addr: dec.Tx.Vout[0].ValueSat()}
	if err := c.store.SaveOutputs(order.ID, committed, "refund"); err != nil {
		return "", err
	}
	if _, err := c.Advance(order.ID, StateSigning, -1); err != nil {
		return "", err
	}
	c.log.Info("refund built",
		zap.String("order_id", order.ID),
		zap.String("address", addr),
		zap.Int64("refund_sat", committed[addr]))
	return funded.Psbt, nil
}

// PayoutQuote funds a throwaway payout PSBT to price its fee. Nothing is
// persisted and no state moves; the PSBT is discarded.
func (c *Coordinator) PayoutQuote(ctx context.Context, orderID string, req QuoteRequest) (*QuoteResult, error) {
	if err := CheckAddress(req.Address); err != nil {
		return nil, err
	}
	targetConf, err := targetConfDefault(req.TargetConf)
	if err != nil {
		return nil, err
	}
	order, err := c.store.Get(orderID)
	if err != nil {
		return nil, err
	}
	utxos, _, err := c.fundedUTXOs(ctx, order, order.MinConf)
	if err != nil {
		return nil, err
	}
	if len(utxos) == 0 {
		return nil, fmt.Errorf("%w: nothing at %d confirmations", ErrNoFundedUTXO, order.MinConf)
	}

	inputs := make([]wallet.PSBTInput, len(utxos))
	for i, u := range utxos {
		inputs[i] = wallet.PSBTInput{Txid: u.Txid, Vout: u.Vout}
	}
	outs := map[string]float64{req.Address: wallet.SatToBTC(order.AmountSat)}
	funded, err := c.wallet.WalletCreateFundedPSBT(ctx, inputs, outs, 0, wallet.FundOptions{
		IncludeWatching:        true,
		Replaceable:            rbfDefault(req.RBF),
		ConfTarget:             targetConf,
		SubtractFeeFromOutputs: []int{0},
	})
	if err != nil {
		return nil, err
	}
	dec, err := c.wallet.DecodePSBT(ctx, funded.Psbt)
	if err != nil {
		return nil, err
	}
	if len(dec.Tx.Vout) == 0 || dec.Tx.Vout[0].ValueSat() != order.AmountSat {
		return nil, fmt.Errorf("%w: payout mismatch", ErrOutputsMismatch)
	}
	if funded.ChangePos != -1 {
		return nil, fmt.Errorf("%w: change position %d", ErrUnexpectedChange, funded.ChangePos)
	}
	return &QuoteResult{FeeSat: wallet.BTCToSat(funded.Fee)}, nil
}

// Merge validates and combines partial PSBTs. With an order attached the
// partial set is persisted first, deduplicated bytewise, so re-submitting
// the same partial is harmless.
func (c *Coordinator) Merge(ctx context.Context, req MergeRequest) (string, error) {
	if len(req.Partials) == 0 {
		return "", fmt.Errorf("%w: no partials", ErrValidation)
	}
	for _, p := range req.Partials {
		if err := CheckBase64(p); err != nil {
			return "", err
		}
	}

	list := req.Partials
	if req.OrderID != "" {
		order, err := c.store.Get(req.OrderID)
		if err != nil {
			return "", err
		}
		seen := make(map[string]bool, len(order.Partials))
		merged := append([]string(nil), order.Partials...)
		for _, p := range order.Partials {
			seen[p] = true
		}
		for _, p := range req.Partials {
			if !seen[p] {
				seen[p] = true
				merged = append(merged, p)
			}
		}
		if err := c.store.SavePartials(order.ID, merged); err != nil {
			return "", err
		}
		c.RefreshPendingGauge()
		list = merged
	}

	return c.wallet.CombinePSBT(ctx, list)
}

// Decode summarizes a PSBT: decoded outputs, analyzed fee and how many
// partial signatures it already carries.
func (c *Coordinator) Decode(ctx context.Context, psbt string) (*DecodeResult, error) {
	dec, err := c.wallet.DecodePSBT(ctx, psbt)
	if err != nil {
		return nil, err
	}
	outs := make(map[string]int64)
	for i := range dec.Tx.Vout {
		v := &dec.Tx.Vout[i]
		if addr, ok := v.FirstAddr(); ok {
			outs[addr] = v.ValueSat()
		}
	}
	var feeSat int64
	an, err := c.wallet.AnalyzePSBT(ctx, psbt)
	if err != nil {
		return nil, err
	}
	if sat, ok := an.FeeSat(); ok {
		feeSat = sat
	}
	signCount := 0
	for i := range dec.Inputs {
		signCount += len(dec.Inputs[i].PartialSignatures)
	}
	return &DecodeResult{SignCount: signCount, Outputs: outs, FeeSat: feeSat}, nil
}

// Finalize is the pre-broadcast gate. It validates input ownership and
// replaceability, output commitment equality, fee sanity and funding
// bounds, then extracts the raw transaction. The order's state is not
// touched here; that is Broadcast's job. The single exception is the
// disputed close: an empty PSBT with state dispute parks the order for the
// arbiter and returns an empty hex.
func (c *Coordinator) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	if !terminalSettlement(req.State) {
		return nil, fmt.Errorf("%w: state must be completed, refunded or dispute", ErrValidation)
	}
	var order *Order
	if req.OrderID != "" {
		var err error
		order, err = c.store.Get(req.OrderID)
		if err != nil {
			return nil, err
		}
	}

	if req.Psbt == "" {
		if order != nil && req.State == StateDispute {
			if _, err := c.Advance(order.ID, StateDispute, -1); err != nil {
				return nil, err
			}
			c.log.Info("dispute opened without settlement", zap.String("order_id", order.ID))
			return &FinalizeResult{}, nil
		}
		return nil, fmt.Errorf("%w: missing psbt", ErrValidation)
	}

	dec, err := c.wallet.DecodePSBT(ctx, req.Psbt)
	if err != nil {
		return nil, err
	}

	// The commitment to check outputs against. Without an order the
	// commitment is empty; only a transaction without outputs can match it.
	allowed := map[string]int64{}
	if order != nil {
		if len(order.Outputs) == 0 {
			c.log.Error("no outputs recorded for order", zap.String("order_id", order.ID))
			return nil, fmt.Errorf("%w: missing stored outputs", ErrOutputsMismatch)
		}
		allowed = order.Outputs
	}

	var inTotal int64
	for i := range dec.Tx.Vin {
		vin := &dec.Tx.Vin[i]
		tx, err := c.wallet.GetTransaction(ctx, vin.Txid)
		if err != nil {
			return nil, err
		}
		if order != nil {
			owned := false
			for _, d := range tx.Details {
				if d.Vout == vin.Vout && d.Label == order.Label {
					owned = true
					break
				}
			}
			if !owned {
				return nil, fmt.Errorf("%w: input %s:%d not from escrow label",
					ErrValidation, vin.Txid, vin.Vout)
			}
		}
		if !vin.Replaceable() {
			return nil, fmt.Errorf("%w: input %s:%d sequence %#x",
				ErrRBFDisabled, vin.Txid, vin.Vout, vin.SequenceNum())
		}
		out, err := c.wallet.GetTxOut(ctx, vin.Txid, vin.Vout)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, fmt.Errorf("%w: %s:%d", ErrMissingInputValue, vin.Txid, vin.Vout)
		}
		inTotal += out.ValueSat()
	}

	decoded := make(map[string]int64, len(dec.Tx.Vout))
	for i := range dec.Tx.Vout {
		v := &dec.Tx.Vout[i]
		addr, ok := v.Addr()
		if !ok {
			return nil, fmt.Errorf("%w: output %d has no single address", ErrValidation, v.N)
		}
		decoded[addr] = v.ValueSat()
	}
	if !outputsEqual(decoded, allowed) {
		return nil, fmt.Errorf("%w: decoded outputs differ from commitment", ErrOutputsMismatch)
	}

	var outTotal int64
	for _, sat := range decoded {
		outTotal += sat
	}
	fee := inTotal - outTotal
	if fee < 0 {
		return nil, fmt.Errorf("%w: %d sat", ErrNegativeFee, fee)
	}
	if dec.Fee != nil {
		decFee := wallet.BTCToSat(*dec.Fee)
		if diff := decFee - fee; diff > 1 || diff < -1 {
			return nil, fmt.Errorf("%w: psbt says %d sat, inputs minus outputs is %d sat",
				ErrFeeMismatch, decFee, fee)
		}
	}

	if order != nil {
		_, fundedTotal, err := c.fundedUTXOs(ctx, order, 0)
		if err != nil {
			return nil, err
		}
		if outTotal+fee > fundedTotal {
			return nil, fmt.Errorf("%w: outputs %d + fee %d > funded %d",
				ErrExceedsFunding, outTotal, fee, fundedTotal)
		}
	}

	fin, err := c.wallet.FinalizePSBT(ctx, req.Psbt)
	if err != nil {
		return nil, err
	}
	if !fin.Complete {
		return nil, fmt.Errorf("%w: psbt incomplete", ErrNotEnoughSignatures)
	}
	return &FinalizeResult{Hex: fin.Hex, FeeSat: fee}, nil
}

// Broadcast sends the raw transaction, then persists the txid, advances
// the order and hands the terminal event to the dispatcher. Transition
// before notification: the webhook consumer must never observe an event
// the store does not yet reflect.
func (c *Coordinator) Broadcast(ctx context.Context, req BroadcastRequest) (*BroadcastResult, error) {
	if req.Hex == "" {
		return nil, fmt.Errorf("%w: empty hex", ErrValidation)
	}
	if !terminalSettlement(req.State) {
		return nil, fmt.Errorf("%w: state must be completed, refunded or dispute", ErrValidation)
	}
	var order *Order
	if req.OrderID != "" {
		var err error
		order, err = c.store.Get(req.OrderID)
		if err != nil {
			return nil, err
		}
	}

	txid, err := c.wallet.SendRawTransaction(ctx, req.Hex)
	if err != nil {
		broadcastFails.Inc()
		c.log.Error("broadcast failed", zap.String("order_id", req.OrderID), zap.Error(err))
		return nil, err
	}

	if order != nil {
		if err := c.store.SetPayoutTxid(order.ID, txid); err != nil {
			return nil, err
		}
		if _, err := c.Advance(order.ID, req.State, -1); err != nil {
			return nil, err
		}
		if order.LastWebhookTS == 0 {
			c.events.Enqueue(SettlementEvent(order.ID, req.State, txid))
		}
		c.log.Info("settlement broadcast",
			zap.String("order_id", order.ID),
			zap.String("txid", txid),
			zap.String("state", string(req.State)))
	}
	return &BroadcastResult{Txid: txid}, nil
}

func outputsEqual(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for addr, sat := range a {
		if b[addr] != sat {
			return false
		}
	}
	return true
}
