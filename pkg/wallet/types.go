package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

type (
	// DescriptorInfo is the getdescriptorinfo result.
	DescriptorInfo struct {
		Descriptor string `json:"descriptor"`
		Checksum   string `json:"checksum"`
		IsRange    bool   `json:"isrange"`
		IsSolvable bool   `json:"issolvable"`
	}

	// ImportRequest is one element of an importdescriptors call. Range is
	// the [begin,end] derivation window; for single-address escrows both
	// ends carry the same index.
	ImportRequest struct {
		Desc      string    `json:"desc"`
		Timestamp any       `json:"timestamp"`
		Label     string    `json:"label"`
		Internal  bool      `json:"internal"`
		Active    bool      `json:"active"`
		Range     [2]uint32 `json:"range"`
	}

	// ImportResult is one element of the importdescriptors result.
	ImportResult struct {
		Success  bool      `json:"success"`
		Warnings []string  `json:"warnings,omitempty"`
		Error    *RPCError `json:"error,omitempty"`
	}

	// UTXO is a listunspent entry. Amount stays in BTC as delivered;
	// AmountSat converts on demand.
	UTXO struct {
		Txid          string  `json:"txid"`
		Vout          uint32  `json:"vout"`
		Address       string  `json:"address"`
		Label         string  `json:"label"`
		Amount        float64 `json:"amount"`
		Confirmations int64   `json:"confirmations"`
		Spendable     bool    `json:"spendable"`
		Solvable      bool    `json:"solvable"`
	}

	// TxDetail is one gettransaction details entry.
	TxDetail struct {
		Address  string  `json:"address"`
		Category string  `json:"category"`
		Amount   float64 `json:"amount"`
		Label    string  `json:"label"`
		Vout     uint32  `json:"vout"`
	}

	// Transaction is the gettransaction result, limited to the fields the
	// coordinator reads.
	Transaction struct {
		Txid          string     `json:"txid"`
		Confirmations int64      `json:"confirmations"`
		Details       []TxDetail `json:"details"`
	}

	// TxOut is the gettxout result. A spent or unknown outpoint decodes to
	// a nil *TxOut, not an error.
	TxOut struct {
		Value         float64 `json:"value"`
		Confirmations int64   `json:"confirmations"`
	}

	// PSBTInput names one outpoint for walletcreatefundedpsbt.
	PSBTInput struct {
		Txid string `json:"txid"`
		Vout uint32 `json:"vout"`
	}

	// FundOptions is the walletcreatefundedpsbt options object.
	FundOptions struct {
		IncludeWatching        bool  `json:"includeWatching"`
		Replaceable            bool  `json:"replaceable"`
		ConfTarget             int64 `json:"conf_target"`
		SubtractFeeFromOutputs []int `json:"subtractFeeFromOutputs"`
	}

	// FundedPSBT is the walletcreatefundedpsbt result.
	FundedPSBT struct {
		Psbt      string  `json:"psbt"`
		Fee       float64 `json:"fee"`
		ChangePos int     `json:"changepos"`
	}

	// ProcessedPSBT is the walletprocesspsbt result.
	ProcessedPSBT struct {
		Psbt     string `json:"psbt"`
		Complete bool   `json:"complete"`
	}

	// FinalizeResult is the finalizepsbt result.
	FinalizeResult struct {
		Psbt     string `json:"psbt"`
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}

	// AnalyzeResult is the analyzepsbt result. Fee is absent until the
	// wallet can compute it, hence the pointer.
	AnalyzeResult struct {
		Fee  *float64 `json:"fee"`
		Next string   `json:"next"`
	}

	// ScriptPubKey carries both the modern single address field and the
	// legacy plural one; nodes differ by version.
	ScriptPubKey struct {
		Address   string   `json:"address"`
		Addresses []string `json:"addresses"`
		Type      string   `json:"type"`
	}

	// DecodedVin is one transaction input inside decodepsbt. Sequence is
	// a pointer: an input whose sequence the decoder omits reads as
	// final, not as zero.
	DecodedVin struct {
		Txid     string  `json:"txid"`
		Vout     uint32  `json:"vout"`
		Sequence *uint32 `json:"sequence"`
	}

	// DecodedVout is one transaction output inside decodepsbt.
	DecodedVout struct {
		Value        float64      `json:"value"`
		N            uint32       `json:"n"`
		ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
	}

	// DecodedTx is the unsigned transaction inside decodepsbt.
	DecodedTx struct {
		Txid string        `json:"txid"`
		Vin  []DecodedVin  `json:"vin"`
		Vout []DecodedVout `json:"vout"`
	}

	// DecodedInput is one PSBT input map inside decodepsbt.
	DecodedInput struct {
		PartialSignatures map[string]string `json:"partial_signatures"`
	}

	// DecodedPSBT is the decodepsbt result.
	DecodedPSBT struct {
		Tx     DecodedTx      `json:"tx"`
		Inputs []DecodedInput `json:"inputs"`
		Fee    *float64       `json:"fee"`
	}

	// SmartFeeResult is the estimatesmartfee result.
	SmartFeeResult struct {
		FeeRate *float64 `json:"feerate"`
		Errors  []string `json:"errors"`
	}

	// BumpOptions is the bumpfee options object. PSBT is always true here:
	// a watch-only wallet cannot sign the replacement.
	BumpOptions struct {
		ConfTarget int64 `json:"conf_target"`
		PSBT       bool  `json:"psbt"`
	}

	// BumpResult is the bumpfee result.
	BumpResult struct {
		Psbt    string   `json:"psbt"`
		OrigFee float64  `json:"origfee"`
		Fee     float64  `json:"fee"`
		Errors  []string `json:"errors"`
	}

	// BlockchainInfo is the getblockchaininfo result, trimmed.
	BlockchainInfo struct {
		Chain                string `json:"chain"`
		Blocks               int64  `json:"blocks"`
		Headers              int64  `json:"headers"`
		InitialBlockDownload bool   `json:"initialblockdownload"`
	}
)

// Addr returns the output address, tolerating both scriptPubKey shapes.
// Outputs with zero or several addresses return ok=false.
func (v *DecodedVout) Addr() (string, bool) {
	if v.ScriptPubKey.Address != "" {
		return v.ScriptPubKey.Address, true
	}
	if len(v.ScriptPubKey.Addresses) == 1 {
		return v.ScriptPubKey.Addresses[0], true
	}
	return "", false
}

// FirstAddr is the lenient variant of Addr for display purposes: multi
// address scripts yield their first entry instead of failing.
func (v *DecodedVout) FirstAddr() (string, bool) {
	if v.ScriptPubKey.Address != "" {
		return v.ScriptPubKey.Address, true
	}
	if len(v.ScriptPubKey.Addresses) > 0 {
		return v.ScriptPubKey.Addresses[0], true
	}
	return "", false
}

// FeeSat reports the analyzed fee in satoshis when the node could compute
// one.
func (a *AnalyzeResult) FeeSat() (int64, bool) {
	if a.Fee == nil {
		return 0, false
	}
	return btcToSat(*a.Fee), true
}

// AmountSat converts the BTC amount to satoshis.
func (u *UTXO) AmountSat() int64 {
	return btcToSat(u.Amount)
}

// ValueSat converts the BTC value to satoshis.
func (o *TxOut) ValueSat() int64 {
	return btcToSat(o.Value)
}

// ValueSat converts the BTC value to satoshis.
func (v *DecodedVout) ValueSat() int64 {
	return btcToSat(v.Value)
}

// SequenceNum returns the input sequence, defaulting to the final value
// when the decoder left it out.
func (in *DecodedVin) SequenceNum() uint32 {
	if in.Sequence == nil {
		return wire.MaxTxInSequenceNum
	}
	return *in.Sequence
}

// Replaceable reports whether the input sequence signals opt-in RBF per
// BIP 125 (anything below final-1).
func (in *DecodedVin) Replaceable() bool {
	return in.SequenceNum() < wire.MaxTxInSequenceNum-1
}

func btcToSat(v float64) int64 {
	amt, err := btcutil.NewAmount(v)
	if err != nil {
		return 0
	}
	return int64(amt)
}

// SatToBTC converts satoshis to the BTC float the RPC surface speaks.
func SatToBTC(sat int64) float64 {
	return btcutil.Amount(sat).ToBTC()
}

// BTCToSat converts a BTC float to satoshis, rounding to the nearest sat.
func BTCToSat(v float64) int64 {
	return btcToSat(v)
}
