package wallet

import "context"

// GetDescriptorInfo canonicalizes a descriptor and computes its checksum.
func (c *Client) GetDescriptorInfo(ctx context.Context, desc string) (*DescriptorInfo, error) {
	var info DescriptorInfo
	if err := c.Call(ctx, "getdescriptorinfo", []any{desc}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ImportDescriptors registers descriptors with the watch wallet.
func (c *Client) ImportDescriptors(ctx context.Context, reqs []ImportRequest) ([]ImportResult, error) {
	var res []ImportResult
	if err := c.Call(ctx, "importdescriptors", []any{reqs}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// DeriveAddresses derives addresses for the [begin, end] index range.
func (c *Client) DeriveAddresses(ctx context.Context, desc string, begin, end uint32) ([]string, error) {
	var addrs []string
	if err := c.Call(ctx, "deriveaddresses", []any{desc, []uint32{begin, end}}, &addrs); err != nil {
		return nil, err
	}
	return addrs, nil
}

// ListUnspent returns wallet utxos with at least minConf confirmations,
// unsafe ones included. Callers filter by label themselves; the node's
// own address filter does not cover labels.
func (c *Client) ListUnspent(ctx context.Context, minConf int64) ([]UTXO, error) {
	var utxos []UTXO
	params := []any{minConf, int64(9999999), []string{}, true, map[string]any{}}
	if err := c.Call(ctx, "listunspent", params, &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

// GetTransaction returns wallet metadata for txid, including the label
// carrying details entries.
func (c *Client) GetTransaction(ctx context.Context, txid string) (*Transaction, error) {
	var tx Transaction
	if err := c.Call(ctx, "gettransaction", []any{txid}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetTxOut returns the unspent outpoint or nil when it is unknown or
// already spent (the node encodes that as a null result).
func (c *Client) GetTxOut(ctx context.Context, txid string, vout uint32) (*TxOut, error) {
	var out *TxOut
	if err := c.Call(ctx, "gettxout", []any{txid, vout, true}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WalletCreateFundedPSBT builds and funds a PSBT over the given inputs.
// Output amounts are BTC keyed by address, as the RPC expects.
func (c *Client) WalletCreateFundedPSBT(ctx context.Context, inputs []PSBTInput, outputs map[string]float64, lockTime int64, opts FundOptions) (*FundedPSBT, error) {
	var funded FundedPSBT
	if err := c.Call(ctx, "walletcreatefundedpsbt", []any{inputs, outputs, lockTime, opts}, &funded); err != nil {
		return nil, err
	}
	return &funded, nil
}

// CreatePSBT assembles an unfunded PSBT from explicit inputs and outputs,
// without consulting the wallet for coin selection.
func (c *Client) CreatePSBT(ctx context.Context, inputs []PSBTInput, outputs map[string]float64) (string, error) {
	var psbt string
	if err := c.Call(ctx, "createpsbt", []any{inputs, outputs}, &psbt); err != nil {
		return "", err
	}
	return psbt, nil
}

// WalletProcessPSBT lets the wallet add what it can to a PSBT. For a
// watch-only wallet that is metadata only, never signatures.
func (c *Client) WalletProcessPSBT(ctx context.Context, psbt string) (*ProcessedPSBT, error) {
	var proc ProcessedPSBT
	if err := c.Call(ctx, "walletprocesspsbt", []any{psbt}, &proc); err != nil {
		return nil, err
	}
	return &proc, nil
}

// CombinePSBT merges several PSBTs over the same transaction.
func (c *Client) CombinePSBT(ctx context.Context, psbts []string) (string, error) {
	var combined string
	if err := c.Call(ctx, "combinepsbt", []any{psbts}, &combined); err != nil {
		return "", err
	}
	return combined, nil
}

// FinalizePSBT extracts the network-ready transaction when all signatures
// are present.
func (c *Client) FinalizePSBT(ctx context.Context, psbt string) (*FinalizeResult, error) {
	var fin FinalizeResult
	if err := c.Call(ctx, "finalizepsbt", []any{psbt}, &fin); err != nil {
		return nil, err
	}
	return &fin, nil
}

// AnalyzePSBT reports PSBT completeness and fee as far as the node can tell.
func (c *Client) AnalyzePSBT(ctx context.Context, psbt string) (*AnalyzeResult, error) {
	var an AnalyzeResult
	if err := c.Call(ctx, "analyzepsbt", []any{psbt}, &an); err != nil {
		return nil, err
	}
	return &an, nil
}

// DecodePSBT expands a PSBT into its transaction and per-input maps.
func (c *Client) DecodePSBT(ctx context.Context, psbt string) (*DecodedPSBT, error) {
	var dec DecodedPSBT
	if err := c.Call(ctx, "decodepsbt", []any{psbt}, &dec); err != nil {
		return nil, err
	}
	return &dec, nil
}

// SendRawTransaction broadcasts the hex-encoded transaction and returns
// its txid.
func (c *Client) SendRawTransaction(ctx context.Context, hexTx string) (string, error) {
	var txid string
	if err := c.Call(ctx, "sendrawtransaction", []any{hexTx}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// EstimateSmartFee asks for a feerate targeting confirmation within
// confTarget blocks.
func (c *Client) EstimateSmartFee(ctx context.Context, confTarget int64) (*SmartFeeResult, error) {
	var fee SmartFeeResult
	if err := c.Call(ctx, "estimatesmartfee", []any{confTarget}, &fee); err != nil {
		return nil, err
	}
	return &fee, nil
}

// BumpFee asks the wallet for a fee-bumped replacement of txid.
func (c *Client) BumpFee(ctx context.Context, txid string, opts BumpOptions) (*BumpResult, error) {
	var bump BumpResult
	if err := c.Call(ctx, "bumpfee", []any{txid, opts}, &bump); err != nil {
		return nil, err
	}
	return &bump, nil
}

// GetBlockchainInfo reports node chain state, used by health checks.
func (c *Client) GetBlockchainInfo(ctx context.Context) (*BlockchainInfo, error) {
	var info BlockchainInfo
	if err := c.Call(ctx, "getblockchaininfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
