// Package wallet talks JSON-RPC to a Bitcoin Core watch wallet.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable classifies transport-level failures: connection refused,
// timeouts, unparsable responses. The API layer maps it to 502, as opposed
// to RPC-level errors which mean the node is up but rejected the call.
var ErrUnavailable = errors.New("bitcoin rpc unavailable")

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

const defaultRequestTimeout = 25 * time.Second

type (
	// Options configures the wallet client.
	Options struct {
		// URL is the node base, e.g. http://127.0.0.1:8332. The wallet
		// path is appended by the client.
		URL    string
		Wallet string
		User   string
		Pass   string
		// RequestTimeout bounds a single RPC round trip.
		RequestTimeout time.Duration
		Log            *zap.Logger
	}

	// Client is a thin JSON-RPC 1.0 client bound to one wallet endpoint.
	// It is safe for concurrent use.
	Client struct {
		endpoint string
		user     string
		pass     string
		cli      *http.Client
		log      *zap.Logger
	}

	request struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Method  string `json:"method"`
		Params  []any  `json:"params"`
	}

	response struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
		ID     string          `json:"id"`
	}
)

// New creates a Client from opts. Only URL is mandatory; wallet defaults
// are the config layer's job.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("wallet: empty node URL")
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	endpoint := strings.TrimRight(opts.URL, "/")
	if opts.Wallet != "" {
		endpoint += "/wallet/" + opts.Wallet
	}
	return &Client{
		endpoint: endpoint,
		user:     opts.User,
		pass:     opts.Pass,
		cli:      &http.Client{Timeout: opts.RequestTimeout},
		log:      opts.Log,
	}, nil
}

// Call performs one RPC and decodes the result into out (skipped when out
// is nil). Transport and decoding failures wrap ErrUnavailable; node-side
// failures come back as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(request{
		JSONRPC: "1.0",
		ID:      "escrow",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	start := time.Now()
	c.log.Debug("rpc call", zap.String("method", method))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" || c.pass != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.cli.Do(req)
	if err != nil {
		c.log.Error("rpc transport failure", zap.String("method", method), zap.Error(err))
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.Error("rpc read failure", zap.String("method", method), zap.Error(err))
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	// Core answers RPC-level failures with a 500 carrying a regular
	// envelope, so the body is parsed regardless of status.
	var env response
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Error("rpc bad envelope", zap.String("method", method),
			zap.Int("status", resp.StatusCode), zap.Error(err))
		return fmt.Errorf("%w: bad envelope (status %d)", ErrUnavailable, resp.StatusCode)
	}
	if env.Error != nil {
		c.log.Error("rpc error", zap.String("method", method),
			zap.Int64("code", env.Error.Code), zap.String("message", env.Error.Message))
		return env.Error
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%w: decode %s result: %s", ErrUnavailable, method, err)
		}
	}
	duration := time.Since(start)
	c.log.Debug("rpc done", zap.String("method", method), zap.Duration("duration", duration))
	rpcDurations.WithLabelValues(method).Observe(duration.Seconds())
	return nil
}
