package escrow_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/weo-dev/escrowd/pkg/escrow"
	"github.com/weo-dev/escrowd/pkg/storage"
	"github.com/weo-dev/escrowd/pkg/wallet"
)

type rpcHandler func(t *testing.T, params []json.RawMessage) (any, error)

// fakeNode is an httptest-backed Bitcoin Core stand-in speaking the same
// JSON-RPC 1.0 envelope the client does. Tests register per-method
// handlers; unexpected methods fail the test.
type fakeNode struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    map[string]int
}

func newFakeNode(t *testing.T) *fakeNode {
	n := &fakeNode{
		t:        t,
		handlers: make(map[string]rpcHandler),
		calls:    make(map[string]int),
	}
	n.srv = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		n.t.Errorf("fake node: bad request body: %v", err)
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	h, ok := n.handlers[req.Method]
	n.mu.Unlock()

	var (
		result any
		rpcErr *wallet.RPCError
	)
	if !ok {
		n.t.Errorf("fake node: unhandled method %q", req.Method)
		rpcErr = &wallet.RPCError{Code: -32601, Message: "Method not found"}
	} else {
		res, err := h(n.t, req.Params)
		if err != nil {
			var ok bool
			if rpcErr, ok = err.(*wallet.RPCError); !ok {
				rpcErr = &wallet.RPCError{Code: -1, Message: err.Error()}
			}
			w.WriteHeader(http.StatusInternalServerError)
		} else {
			result = res
		}
	}
	json.NewEncoder(w).Encode(map[string]any{
		"result": result,
		"error":  rpcErr,
		"id":     "escrow",
	})
}

// stub registers a handler answering method with a fixed result.
func (n *fakeNode) stub(method string, result any) {
	n.handle(method, func(*testing.T, []json.RawMessage) (any, error) {
		return result, nil
	})
}

func (n *fakeNode) stubErr(method string, code int64, msg string) {
	n.handle(method, func(*testing.T, []json.RawMessage) (any, error) {
		return nil, &wallet.RPCError{Code: code, Message: msg}
	})
}

func (n *fakeNode) handle(method string, h rpcHandler) {
	n.mu.Lock()
	n.handlers[method] = h
	n.mu.Unlock()
}

func (n *fakeNode) callCount(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// eventRecorder collects enqueued webhook events synchronously.
type eventRecorder struct {
	mu     sync.Mutex
	events []escrow.Event
}

func (r *eventRecorder) Enqueue(ev escrow.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

const testGenesis = 1700000000

type harness struct {
	node  *fakeNode
	store *storage.Store
	sink  *eventRecorder
	clock *clock.TestClock
	coord *escrow.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	node := newFakeNode(t)
	w, err := wallet.New(wallet.Options{
		URL:    node.srv.URL,
		Wallet: "escrowwatch",
		Log:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	st, err := storage.New(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sink := &eventRecorder{}
	clk := clock.NewTestClock(time.Unix(testGenesis, 0))
	coord, err := escrow.New(escrow.Config{
		Store:  st,
		Wallet: w,
		Events: sink,
		Clock:  clk,
		Log:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	return &harness{node: node, store: st, sink: sink, clock: clk, coord: coord}
}

// stubCreation wires the four RPCs order creation makes, with a feerate
// yielding the given headroom over 150 vbytes.
func (h *harness) stubCreation(feeEstSat int64) {
	h.node.stub("getdescriptorinfo", map[string]any{"checksum": "abcd"})
	h.node.stub("importdescriptors", []map[string]any{{"success": true}})
	h.node.stub("deriveaddresses", []string{"tb1qescrowaddr0"})
	if feeEstSat == 0 {
		h.node.stub("estimatesmartfee", map[string]any{"errors": []string{"Insufficient data"}})
	} else {
		h.node.stub("estimatesmartfee", map[string]any{
			"feerate": float64(feeEstSat) / (1e5 * 150),
		})
	}
}

func (h *harness) createOrder(t *testing.T, id string, amountSat int64, feeEstSat int64) {
	t.Helper()
	h.stubCreation(feeEstSat)
	_, err := h.coord.CreateOrder(context.Background(), escrow.CreateRequest{
		OrderID:   id,
		Buyer:     escrow.Party{Xpub: "tpubBuyer"},
		Seller:    escrow.Party{Xpub: "tpubSeller"},
		Escrow:    escrow.Party{Xpub: "tpubEscrow"},
		AmountSat: amountSat,
	})
	require.NoError(t, err)
}

// forceState walks the order through legal transitions up to target.
func (h *harness) forceState(t *testing.T, id string, target escrow.State) {
	t.Helper()
	path := map[escrow.State][]escrow.State{
		escrow.StateEscrowFunded: {escrow.StateEscrowFunded},
		escrow.StateSigning:      {escrow.StateEscrowFunded, escrow.StateSigning},
		escrow.StateCompleted:    {escrow.StateEscrowFunded, escrow.StateSigning, escrow.StateCompleted},
		escrow.StateRefunded:     {escrow.StateEscrowFunded, escrow.StateSigning, escrow.StateRefunded},
		escrow.StateDispute:      {escrow.StateEscrowFunded, escrow.StateDispute},
	}[target]
	require.NotNil(t, path, "no transition path to %s", target)
	cur := escrow.StateAwaitingDeposit
	for _, next := range path {
		applied, err := h.store.TransitionState(id, cur, next,
			h.clock.Now().Unix(), -1, 0)
		require.NoError(t, err)
		require.True(t, applied)
		cur = next
	}
}

func utxoJSON(txid string, vout uint32, label string, amount float64) map[string]any {
	return map[string]any{
		"txid":          txid,
		"vout":          vout,
		"label":         label,
		"amount":        amount,
		"confirmations": 2,
		"spendable":     false,
		"solvable":      true,
	}
}

func TestCreateOrder(t *testing.T) {
	h := newHarness(t)
	h.node.stub("estimatesmartfee", map[string]any{"feerate": 0.0001}) // 10 sat/vB
	h.node.stub("deriveaddresses", []string{"tb1qescrowaddr0"})

	wantBase := "wsh(sortedmulti(2,tpubBuyer/0/0,tpubSeller/0/0,tpubEscrow/0/0))"
	h.node.handle("getdescriptorinfo", func(t *testing.T, params []json.RawMessage) (any, error) {
		var desc string
		require.NoError(t, json.Unmarshal(params[0], &desc))
		require.Equal(t, wantBase, desc)
		return map[string]any{"checksum": "abcd"}, nil
	})
	h.node.handle("importdescriptors", func(t *testing.T, params []json.RawMessage) (any, error) {
		var reqs []map[string]any
		require.NoError(t, json.Unmarshal(params[0], &reqs))
		require.Len(t, reqs, 1)
		require.Equal(t, wantBase+"#abcd", reqs[0]["desc"])
		require.Equal(t, "now", reqs[0]["timestamp"])
		require.Equal(t, "escrow:order1", reqs[0]["label"])
		require.Equal(t, false, reqs[0]["internal"])
		require.Equal(t, false, reqs[0]["active"])
		require.Equal(t, []any{float64(0), float64(0)}, reqs[0]["range"])
		return []map[string]any{{"success": true}}, nil
	})

	res, err := h.coord.CreateOrder(context.Background(), escrow.CreateRequest{
		OrderID:   "order1",
		Buyer:     escrow.Party{Xpub: "tpubBuyer"},
		Seller:    escrow.Party{Xpub: "tpubSeller"},
		Escrow:    escrow.Party{Xpub: "tpubEscrow"},
		AmountSat: 60000,
	})
	require.NoError(t, err)
	require.Equal(t, "tb1qescrowaddr0", res.EscrowAddress)
	require.Equal(t, wantBase+"#abcd", res.Descriptor)
	require.Equal(t, "escrow_order1_0", res.WatchID)

	o, err := h.store.Get("order1")
	require.NoError(t, err)
	require.Equal(t, escrow.StateAwaitingDeposit, o.State)
	require.Equal(t, int64(2), o.MinConf)
	require.Equal(t, int64(60000), o.AmountSat)
	require.Equal(t, int64(1500), o.FeeEstSat) // 10 sat/vB over 150 vbytes
	require.Equal(t, "escrow:order1", o.Label)
	require.Equal(t, int64(testGenesis), o.CreatedAt)

	// Re-creating the same order only re-derives the address.
	res2, err := h.coord.CreateOrder(context.Background(), escrow.CreateRequest{
		OrderID:   "order1",
		Buyer:     escrow.Party{Xpub: "tpubBuyer"},
		Seller:    escrow.Party{Xpub: "tpubSeller"},
		Escrow:    escrow.Party{Xpub: "tpubEscrow"},
		AmountSat: 70000,
	})
	require.NoError(t, err)
	require.Equal(t, res.Descriptor, res2.Descriptor)
	require.Equal(t, 1, h.node.callCount("importdescriptors"))
	require.Equal(t, 1, h.node.callCount("estimatesmartfee"))

	o, err = h.store.Get("order1")
	require.NoError(t, err)
	require.Equal(t, int64(60000), o.AmountSat, "existing order must stay untouched")
}

func TestCreateOrderExplicitIndex(t *testing.T) {
	h := newHarness(t)
	h.stubCreation(0)

	idx := uint32(7)
	minConf := int64(5)
	res, err := h.coord.CreateOrder(context.Background(), escrow.CreateRequest{
		OrderID:   "order7",
		Buyer:     escrow.Party{Xpub: "tpubBuyer"},
		Seller:    escrow.Party{Xpub: "tpubSeller"},
		Escrow:    escrow.Party{Xpub: "tpubEscrow"},
		Index:     &idx,
		MinConf:   &minConf,
		AmountSat: 1000,
	})
	require.NoError(t, err)
	require.Equal(t, "escrow_order7_7", res.WatchID)

	o, err := h.store.Get("order7")
	require.NoError(t, err)
	require.Equal(t, uint32(7), o.Index)
	require.Equal(t, int64(5), o.MinConf)
	require.Zero(t, o.FeeEstSat)
}

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t)
	base := escrow.CreateRequest{
		OrderID:   "order1",
		Buyer:     escrow.Party{Xpub: "tpubBuyer"},
		Seller:    escrow.Party{Xpub: "tpubSeller"},
		Escrow:    escrow.Party{Xpub: "tpubEscrow"},
		AmountSat: 1000,
	}
	tooHigh := int64(101)

	for name, mutate := range map[string]func(*escrow.CreateRequest){
		"bad order id":      func(r *escrow.CreateRequest) { r.OrderID = "no spaces allowed!" },
		"long order id":     func(r *escrow.CreateRequest) { r.OrderID = "wayyyyyyyyyyyyyyyyyyyyy-tooo-long-id" },
		"bad xpub":          func(r *escrow.CreateRequest) { r.Seller.Xpub = "not/an/xpub" },
		"empty xpub":        func(r *escrow.CreateRequest) { r.Escrow.Xpub = "" },
		"negative amount":   func(r *escrow.CreateRequest) { r.AmountSat = -1 },
		"min conf too high": func(r *escrow.CreateRequest) { r.MinConf = &tooHigh },
	} {
		t.Run(name, func(t *testing.T) {
			req := base
			mutate(&req)
			_, err := h.coord.CreateOrder(context.Background(), req)
			require.ErrorIs(t, err, escrow.ErrValidation)
		})
	}
}

func TestStatusUnknownOrder(t *testing.T) {
	h := newHarness(t)
	res, err := h.coord.Status(context.Background(), "ghost")
	require.NoError(t, err)
	require.Equal(t, escrow.StateAwaitingDeposit, res.State)
	require.Nil(t, res.Funding)
}

func TestStatusNoUTXOs(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order1", 60000, 6500)
	h.node.stub("listunspent", []map[string]any{})

	res, err := h.coord.Status(context.Background(), "order1")
	require.NoError(t, err)
	require.Equal(t, escrow.StateAwaitingDeposit, res.State)
	require.Nil(t, res.Funding)
	require.Equal(t, int64(6500), res.FeeEstSat)
	require.Empty(t, h.sink.names())
}

func TestStatusPromotes(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order1", 60000, 6500)

	h.node.stub("listunspent", []map[string]any{
		utxoJSON("ff01", 0, "escrow:order1", 0.000665),
		utxoJSON("ff02", 1, "escrow:otherorder", 1.0),
	})
	h.node.stub("gettransaction", map[string]any{"confirmations": 2})

	res, err := h.coord.Status(context.Background(), "order1")
	require.NoError(t, err)
	require.Equal(t, escrow.StateEscrowFunded, res.State)
	require.NotNil(t, res.Funding)
	require.Equal(t, int64(66500), res.Funding.TotalSat)
	require.Equal(t, int64(2), res.Funding.Confirmations)
	require.Zero(t, res.Funding.ShortfallSat)
	require.Len(t, res.Funding.UTXOs, 1, "foreign labels must be filtered out")
	require.Equal(t, "ff01", res.Funding.UTXOs[0].Txid)
	require.Equal(t, int64(66500), res.Funding.UTXOs[0].ValueSat)
	require.NotZero(t, res.DeadlineTS)

	o, err := h.store.Get("order1")
	require.NoError(t, err)
	require.Equal(t, escrow.StateEscrowFunded, o.State)
	require.Equal(t, "ff01", o.FundingTxid)
	require.Equal(t, int64(2), o.Confirmations)
	require.Equal(t, res.DeadlineTS, o.DeadlineTS)

	require.Equal(t, []string{"escrow_funded"}, h.sink.names())
	ev := h.sink.events[0]
	require.Equal(t, "order1", ev.OrderID)
	require.Equal(t, int64(66500), ev.Data["total_sat"])

	// A second poll refreshes confirmations without a second event.
	h.node.stub("gettransaction", map[string]any{"confirmations": 5})
	res, err = h.coord.Status(context.Background(), "order1")
	require.NoError(t, err)
	require.Equal(t, escrow.StateEscrowFunded, res.State)
	require.Equal(t, []string{"escrow_funded"}, h.sink.names())

	o, err = h.store.Get("order1")
	require.NoError(t, err)
	require.Equal(t, int64(5), o.Confirmations)
}

func TestStatusShortfall(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order1", 60000, 1500)

	h.node.stub("listunspent", []map[string]any{
		utxoJSON("ff01", 0, "escrow:order1", 0.0006), // 60000 against expected 61500
	})
	h.node.stub("gettransaction", map[string]any{"confirmations": 3})

	res, err := h.coord.Status(context.Background(), "order1")
	require.NoError(t, err)
	require.Equal(t, escrow.StateAwaitingDeposit, res.State)
	require.NotNil(t, res.Funding)
	require.Equal(t, int64(60000), res.Funding.TotalSat)
	require.Equal(t, int64(1500), res.Funding.ShortfallSat)
	require.Empty(t, h.sink.names())
}

func TestStatusToleranceAcceptsRoundedFee(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order1", 60000, 6500)

	// 200 sat short of 66500, inside the 0.5% tolerance (332 sat), so the
	// order promotes while still reporting the shortfall.
	h.node.stub("listunspent", []map[string]any{
		utxoJSON("ff01", 0, "escrow:order1", 0.000663),
	})
	h.node.stub("gettransaction", map[string]any{"confirmations": 2})

	res, err := h.coord.Status(context.Background(), "order1")
	require.NoError(t, err)
	require.Equal(t, escrow.StateEscrowFunded, res.State)
	require.Equal(t, int64(200), res.Funding.ShortfallSat)
	require.Equal(t, []string{"escrow_funded"}, h.sink.names())
}

func TestStatusBelowMinConf(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order1", 60000, 6500)

	h.node.stub("listunspent", []map[string]any{
		utxoJSON("ff01", 0, "escrow:order1", 0.000665),
	})
	h.node.stub("gettransaction", map[string]any{"confirmations": 1})

	res, err := h.coord.Status(context.Background(), "order1")
	require.NoError(t, err)
	require.Equal(t, escrow.StateAwaitingDeposit, res.State)
	require.Equal(t, int64(1), res.Funding.Confirmations)
	require.Empty(t, h.sink.names())
}

func TestStatusLeavesLaterStatesAlone(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order1", 60000, 6500)
	h.forceState(t, "order1", escrow.StateSigning)

	h.node.stub("listunspent", []map[string]any{
		utxoJSON("ff01", 0, "escrow:order1", 0.000665),
	})
	h.node.stub("gettransaction", map[string]any{"confirmations": 9})

	res, err := h.coord.Status(context.Background(), "order1")
	require.NoError(t, err)
	require.Equal(t, escrow.StateSigning, res.State)
	require.Empty(t, h.sink.names())

	o, err := h.store.Get("order1")
	require.NoError(t, err)
	require.Equal(t, escrow.StateSigning, o.State)
}

func TestAdvanceRules(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order1", 60000, 0)

	for _, tc := range []struct {
		from, to escrow.State
		ok       bool
	}{
		{escrow.StateAwaitingDeposit, escrow.StateEscrowFunded, true},
		{escrow.StateEscrowFunded, escrow.StateSigning, true},
		{escrow.StateSigning, escrow.StateCompleted, true},
	} {
		newly, err := h.coord.Advance("order1", tc.to, -1)
		if tc.ok {
			require.NoError(t, err, "%s -> %s", tc.from, tc.to)
			require.True(t, newly)
		}
	}

	// Terminal states absorb.
	_, err := h.coord.Advance("order1", escrow.StateSigning, -1)
	require.ErrorIs(t, err, escrow.ErrInvalidTransition)

	// Same state reports not-newly and refreshes confirmations.
	newly, err := h.coord.Advance("order1", escrow.StateCompleted, 7)
	require.NoError(t, err)
	require.False(t, newly)
	o, err := h.store.Get("order1")
	require.NoError(t, err)
	require.Equal(t, int64(7), o.Confirmations)
}

func TestAdvanceDeadlineStamps(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order1", 60000, 0)

	newly, err := h.coord.Advance("order1", escrow.StateEscrowFunded, -1)
	require.NoError(t, err)
	require.True(t, newly)
	o, err := h.store.Get("order1")
	require.NoError(t, err)
	require.Equal(t, int64(testGenesis+7*24*3600), o.DeadlineTS)

	h.clock.SetTime(time.Unix(testGenesis+100, 0))
	_, err = h.coord.Advance("order1", escrow.StateSigning, -1)
	require.NoError(t, err)
	o, err = h.store.Get("order1")
	require.NoError(t, err)
	require.Equal(t, int64(testGenesis+100+7*24*3600), o.DeadlineTS)
	require.Equal(t, int64(testGenesis+100), o.CreatedAt)

	// Leaving signing clears the deadline.
	_, err = h.coord.Advance("order1", escrow.StateCompleted, -1)
	require.NoError(t, err)
	o, err = h.store.Get("order1")
	require.NoError(t, err)
	require.Zero(t, o.DeadlineTS)
}

func TestAdvanceUnknownOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Advance("ghost", escrow.StateEscrowFunded, -1)
	require.ErrorIs(t, err, escrow.ErrNotFound)
}
