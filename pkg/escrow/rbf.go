package escrow

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/weo-dev/escrowd/pkg/wallet"
)

// vinOutPoint parses a decoded input into its typed outpoint.
func vinOutPoint(v *wallet.DecodedVin) (wire.OutPoint, error) {
	h, err := chainhash.NewHashFromStr(v.Txid)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("%w: malformed input txid %s", ErrValidation, v.Txid)
	}
	return wire.OutPoint{Hash: *h, Index: v.Vout}, nil
}

type (
	// BumpRequest asks the wallet for a fee-bumped replacement of the
	// broadcast settlement.
	BumpRequest struct {
		OrderID    string `json:"order_id"`
		TargetConf int64  `json:"target_conf"`
	}

	// BumpResult carries the replacement PSBT awaiting a fresh signature
	// round.
	BumpResult struct {
		Psbt string `json:"psbt"`
	}

	// BumpFinalizeRequest submits the signed replacement.
	BumpFinalizeRequest struct {
		OrderID string `json:"order_id"`
		Psbt    string `json:"psbt"`
	}

	// BumpFinalizeResult reports the replacement txid.
	BumpFinalizeResult struct {
		Txid string `json:"txid"`
	}
)

// BumpFee starts a fee-bump round: the wallet builds a replacement PSBT for
// the current payout transaction, the order parks in rbf_signing and both
// partial sets reset. Signatures over the replaced transaction are useless
// against the replacement.
func (c *Coordinator) BumpFee(ctx context.Context, req BumpRequest) (*BumpResult, error) {
	if err := checkTargetConf(req.TargetConf); err != nil {
		return nil, err
	}
	order, err := c.store.Get(req.OrderID)
	if err != nil || order.PayoutTxid == "" {
		return nil, fmt.Errorf("%w: txid not found", ErrNotFound)
	}

	bump, err := c.wallet.BumpFee(ctx, order.PayoutTxid, wallet.BumpOptions{
		ConfTarget: req.TargetConf,
		PSBT:       true,
	})
	if err != nil {
		return nil, err
	}
	if bump.Psbt == "" {
		return nil, fmt.Errorf("bumpfee returned no psbt for %s", order.PayoutTxid)
	}

	if err := c.store.StartRBF(order.ID, bump.Psbt, c.clock.Now().Unix()); err != nil {
		return nil, err
	}
	c.log.Info("fee bump started",
		zap.String("order_id", order.ID),
		zap.String("replaces", order.PayoutTxid),
		zap.Int64("target_conf", req.TargetConf))
	return &BumpResult{Psbt: bump.Psbt}, nil
}

// FinalizeBump validates the signed replacement against the PSBT the wallet
// produced, broadcasts it and restores the pre-bump state. The replacement
// must spend exactly the same inputs in the same order, keep every input
// replaceable and pay exactly the committed outputs. Any failure leaves
// the order in rbf_signing for another attempt.
func (c *Coordinator) FinalizeBump(ctx context.Context, req BumpFinalizeRequest) (*BumpFinalizeResult, error) {
	order, err := c.store.Get(req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.State != StateRBFSigning {
		return nil, fmt.Errorf("%w: order not in rbf_signing", ErrInvalidTransition)
	}
	if order.RBFPSBT == "" {
		return nil, fmt.Errorf("%w: no fee bump in progress", ErrValidation)
	}
	if req.Psbt == "" {
		return nil, fmt.Errorf("%w: missing psbt", ErrValidation)
	}

	base, err := c.wallet.DecodePSBT(ctx, order.RBFPSBT)
	if err != nil {
		return nil, err
	}
	signed, err := c.wallet.DecodePSBT(ctx, req.Psbt)
	if err != nil {
		return nil, err
	}

	if len(signed.Tx.Vin) != len(base.Tx.Vin) {
		return nil, fmt.Errorf("%w: replacement spends %d inputs, expected %d",
			ErrValidation, len(signed.Tx.Vin), len(base.Tx.Vin))
	}
	for i := range base.Tx.Vin {
		want, err := vinOutPoint(&base.Tx.Vin[i])
		if err != nil {
			return nil, err
		}
		got, err := vinOutPoint(&signed.Tx.Vin[i])
		if err != nil {
			return nil, err
		}
		if want != got {
			return nil, fmt.Errorf("%w: replacement input %d differs", ErrValidation, i)
		}
		if !signed.Tx.Vin[i].Replaceable() {
			return nil, fmt.Errorf("%w: input %s sequence %#x",
				ErrRBFDisabled, got.String(), signed.Tx.Vin[i].SequenceNum())
		}
	}

	decoded := make(map[string]int64, len(signed.Tx.Vout))
	for i := range signed.Tx.Vout {
		v := &signed.Tx.Vout[i]
		addr, ok := v.Addr()
		if !ok {
			return nil, fmt.Errorf("%w: output %d has no single address", ErrValidation, v.N)
		}
		decoded[addr] = v.ValueSat()
	}
	if !outputsEqual(decoded, order.Outputs) {
		return nil, fmt.Errorf("%w: replacement outputs differ from commitment", ErrOutputsMismatch)
	}

	fin, err := c.wallet.FinalizePSBT(ctx, req.Psbt)
	if err != nil {
		return nil, err
	}
	if !fin.Complete {
		return nil, fmt.Errorf("%w: replacement psbt incomplete", ErrNotEnoughSignatures)
	}

	txid, err := c.wallet.SendRawTransaction(ctx, fin.Hex)
	if err != nil {
		broadcastFails.Inc()
		return nil, err
	}
	if err := c.store.SetPayoutTxid(order.ID, txid); err != nil {
		return nil, err
	}
	restored, err := c.store.ClearRBF(order.ID, c.clock.Now().Unix())
	if err != nil {
		return nil, err
	}
	c.log.Info("fee bump broadcast",
		zap.String("order_id", order.ID),
		zap.String("txid", txid),
		zap.String("restored_state", string(restored)))
	return &BumpFinalizeResult{Txid: txid}, nil
}
