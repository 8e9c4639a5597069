package deadline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/weo-dev/escrowd/pkg/escrow"
	"github.com/weo-dev/escrowd/pkg/storage"
	"github.com/weo-dev/escrowd/pkg/wallet"
)

const (
	testGenesis = int64(1700000000)
	sellerAddr  = "tb1qseller111"
)

type rpcHandler func(t *testing.T, params []json.RawMessage) (any, error)

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
			var isRPC bool
			if rpcErr, isRPC = err.(*wallet.RPCError); !isRPC {
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

func (n *fakeNode) stub(method string, result any) {
	n.handle(method, func(*testing.T, []json.RawMessage) (any, error) {
		return result, nil
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

func (r *eventRecorder) has(name string) func() bool {
	return func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, ev := range r.events {
			if ev.Name == name {
				return true
			}
		}
		return false
	}
}

type fixture struct {
	node   *fakeNode
	store  *storage.Store
	sink   *eventRecorder
	tick   *ticker.Force
	worker *Worker
}

func newFixture(t *testing.T) *fixture {
	node := newFakeNode(t)
	cli, err := wallet.New(wallet.Options{
		URL:    node.srv.URL,
		Wallet: "escrowwatch",
		Log:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	st, err := storage.New(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sink := &eventRecorder{}
	cl := clock.NewTestClock(time.Unix(testGenesis, 0))
	coord, err := escrow.New(escrow.Config{
		Store:  st,
		Wallet: cli,
		Events: sink,
		Clock:  cl,
		Log:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	tick := ticker.NewForce(time.Hour)
	w, err := New(Config{
		Coordinator: coord,
		Store:       st,
		Wallet:      cli,
		Events:      sink,
		Clock:       cl,
		Log:         zaptest.NewLogger(t),
		StuckAfter:  24 * time.Hour,
		Ticker:      tick,
	})
	require.NoError(t, err)
	return &fixture{node: node, store: st, sink: sink, tick: tick, worker: w}
}

func (f *fixture) start(t *testing.T) {
	require.NoError(t, f.worker.Start())
	t.Cleanup(f.worker.Shutdown)
}

// order stores an escrow order and walks it to the requested state.
// createdAt doubles as the transition timestamp, deadlineTS lands on the
// signing transition.
func (f *fixture) order(t *testing.T, id string, state escrow.State, createdAt, deadlineTS int64) {
	t.Helper()
	require.NoError(t, f.store.Put(&escrow.Order{
		ID:         id,
		Descriptor: "wsh(sortedmulti(2,a/0/0,b/0/0,c/0/0))#abcd",
		Label:      "escrow:" + id,
		MinConf:    2,
		AmountSat:  60000,
		FeeEstSat:  6500,
		CreatedAt:  createdAt,
	}))
	if state == escrow.StateAwaitingDeposit {
		return
	}
	ok, err := f.store.TransitionState(id, escrow.StateAwaitingDeposit, escrow.StateEscrowFunded, createdAt, -1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	if state == escrow.StateEscrowFunded {
		return
	}
	ok, err = f.store.TransitionState(id, escrow.StateEscrowFunded, escrow.StateSigning, createdAt, -1, deadlineTS)
	require.NoError(t, err)
	require.True(t, ok)
}

// expiredSigner arranges an order past its signing deadline with a stored
// payout commitment and the given partials.
func (f *fixture) expiredSigner(t *testing.T, id, outputType string, partials []string) {
	t.Helper()
	f.order(t, id, escrow.StateSigning, testGenesis, testGenesis-10)
	require.NoError(t, f.store.SaveOutputs(id, map[string]int64{sellerAddr: 60000}, outputType))
	if len(partials) > 0 {
		require.NoError(t, f.store.SavePartials(id, partials))
	}
}

func (f *fixture) state(t *testing.T, id string) escrow.State {
	t.Helper()
	o, err := f.store.Get(id)
	require.NoError(t, err)
	return o.State
}

func utxoJSON(txid string, vout uint32, label string, amount float64) map[string]any {
	return map[string]any{
		"txid": txid, "vout": vout, "label": label, "amount": amount,
	}
}

func voutJSON(addr string, value float64, n int) map[string]any {
	return map[string]any{
		"value":        value,
		"n":            n,
		"scriptPubKey": map[string]any{"address": addr},
	}
}

func sigInputs(n int) []map[string]any {
	sigs := make(map[string]string, n)
	for i := 0; i < n; i++ {
		sigs[string(rune('a'+i))+"2aa"] = "304402sig"
	}
	return []map[string]any{{"partial_signatures": sigs}}
}

func TestWatchOnlyEscalation(t *testing.T) {
	f := newFixture(t)
	f.expiredSigner(t, "order1", "payout", []string{"cDE="})

	f.node.handle("combinepsbt", func(t *testing.T, params []json.RawMessage) (any, error) {
		var list []string
		require.NoError(t, json.Unmarshal(params[0], &list))
		require.Equal(t, []string{"cDE="}, list)
		return "bWVyZ2Vk", nil
	})
	f.node.stub("decodepsbt", map[string]any{
		"tx":     map[string]any{"vin": []any{}, "vout": []any{}},
		"inputs": sigInputs(1),
	})
	f.node.stub("walletprocesspsbt", map[string]any{"psbt": "bWVyZ2Vk", "complete": false})

	before := testutil.ToFloat64(stuckOrders.WithLabelValues("watch_only"))
	f.start(t)

	require.Eventually(t, f.sink.has("dispute_opened"), 5*time.Second, 10*time.Millisecond)
	require.Equal(t, escrow.StateDispute, f.state(t, "order1"))
	require.Equal(t, []string{"dispute_opened"}, f.sink.names())
	require.InDelta(t, before+1, testutil.ToFloat64(stuckOrders.WithLabelValues("watch_only")), 0.01)
	require.Zero(t, f.node.callCount("sendrawtransaction"))
	require.Zero(t, f.node.callCount("finalizepsbt"))
}

func TestInsufficientSignatures(t *testing.T) {
	f := newFixture(t)
	f.expiredSigner(t, "order1", "payout", []string{"cDE="})

	f.node.stub("combinepsbt", "bWVyZ2Vk")
	f.node.handle("decodepsbt", func(t *testing.T, params []json.RawMessage) (any, error) {
		var psbt string
		require.NoError(t, json.Unmarshal(params[0], &psbt))
		n := 0
		if psbt == "cHJvY2Vzc2Vk" {
			n = 1
		}
		return map[string]any{
			"tx":     map[string]any{"vin": []any{}, "vout": []any{}},
			"inputs": sigInputs(n),
		}, nil
	})
	f.node.stub("walletprocesspsbt", map[string]any{"psbt": "cHJvY2Vzc2Vk", "complete": false})

	before := testutil.ToFloat64(stuckOrders.WithLabelValues("insufficient_signatures"))
	f.start(t)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(stuckOrders.WithLabelValues("insufficient_signatures")) >= before+1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, escrow.StateSigning, f.state(t, "order1"))
	require.Empty(t, f.sink.names())
	require.Zero(t, f.node.callCount("finalizepsbt"))
}

func TestQuorumEscalatesToSettlement(t *testing.T) {
	for _, tc := range []struct {
		outputType string
		wantState  escrow.State
		wantEvent  string
	}{
		{outputType: "payout", wantState: escrow.StateCompleted, wantEvent: "settled"},
		{outputType: "refund", wantState: escrow.StateRefunded, wantEvent: "refunded"},
	} {
		t.Run(tc.outputType, func(t *testing.T) {
			f := newFixture(t)
			f.expiredSigner(t, "order1", tc.outputType, []string{"cDE=", "cDI="})

			f.node.stub("combinepsbt", "bWVyZ2Vk")
			f.node.handle("decodepsbt", func(t *testing.T, params []json.RawMessage) (any, error) {
				var psbt string
				require.NoError(t, json.Unmarshal(params[0], &psbt))
				if psbt == "bWVyZ2Vk" {
					return map[string]any{
						"tx":     map[string]any{"vin": []any{}, "vout": []any{}},
						"inputs": sigInputs(1),
					}, nil
				}
				require.Equal(t, "cHJvY2Vzc2Vk", psbt)
				return map[string]any{
					"tx": map[string]any{
						"vin": []map[string]any{
							{"txid": "ff01", "vout": 0, "sequence": 0xfffffffd},
						},
						"vout": []map[string]any{voutJSON(sellerAddr, 0.0006, 0)},
					},
					"inputs": sigInputs(2),
					"fee":    0.000065,
				}, nil
			})
			f.node.stub("walletprocesspsbt", map[string]any{"psbt": "cHJvY2Vzc2Vk", "complete": true})
			f.node.stub("gettransaction", map[string]any{
				"confirmations": 2,
				"details":       []map[string]any{{"vout": 0, "label": "escrow:order1"}},
			})
			f.node.stub("gettxout", map[string]any{"value": 0.000665})
			f.node.stub("listunspent", []map[string]any{
				utxoJSON("ff01", 0, "escrow:order1", 0.000665),
			})
			f.node.handle("finalizepsbt", func(t *testing.T, params []json.RawMessage) (any, error) {
				var psbt string
				require.NoError(t, json.Unmarshal(params[0], &psbt))
				require.Equal(t, "cHJvY2Vzc2Vk", psbt)
				return map[string]any{"hex": "deadbeef", "complete": true}, nil
			})
			f.node.handle("sendrawtransaction", func(t *testing.T, params []json.RawMessage) (any, error) {
				var hexTx string
				require.NoError(t, json.Unmarshal(params[0], &hexTx))
				require.Equal(t, "deadbeef", hexTx)
				return "txid123", nil
			})

			f.start(t)

			require.Eventually(t, f.sink.has(tc.wantEvent), 5*time.Second, 10*time.Millisecond)
			o, err := f.store.Get("order1")
			require.NoError(t, err)
			require.Equal(t, tc.wantState, o.State)
			require.Equal(t, "txid123", o.PayoutTxid)
			require.Zero(t, o.DeadlineTS)
		})
	}
}

func TestSweepLeavesQuietOrdersAlone(t *testing.T) {
	f := newFixture(t)
	// Past deadline but nothing to merge.
	f.expiredSigner(t, "bare", "payout", nil)
	// Deadline still ahead.
	f.order(t, "early", escrow.StateSigning, testGenesis, testGenesis+1000)
	require.NoError(t, f.store.SavePartials("early", []string{"Zg=="}))
	// The only order the sweep should touch.
	f.expiredSigner(t, "ripe", "payout", []string{"cDE="})

	f.node.handle("combinepsbt", func(t *testing.T, params []json.RawMessage) (any, error) {
		var list []string
		require.NoError(t, json.Unmarshal(params[0], &list))
		require.Equal(t, []string{"cDE="}, list)
		return "bWVyZ2Vk", nil
	})
	f.node.stub("decodepsbt", map[string]any{
		"tx":     map[string]any{"vin": []any{}, "vout": []any{}},
		"inputs": sigInputs(1),
	})
	f.node.stub("walletprocesspsbt", map[string]any{"psbt": "bWVyZ2Vk", "complete": false})

	f.start(t)

	require.Eventually(t, f.sink.has("dispute_opened"), 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.node.callCount("combinepsbt"))
	require.Equal(t, escrow.StateSigning, f.state(t, "bare"))
	require.Equal(t, escrow.StateSigning, f.state(t, "early"))
	require.Equal(t, escrow.StateDispute, f.state(t, "ripe"))
}

func TestStuckCounting(t *testing.T) {
	f := newFixture(t)
	// 25 hours old against a 24 hour threshold.
	f.order(t, "old", escrow.StateAwaitingDeposit, testGenesis-25*3600, 0)
	f.order(t, "fresh", escrow.StateAwaitingDeposit, testGenesis, 0)

	before := testutil.ToFloat64(stuckOrders.WithLabelValues("awaiting_deposit"))
	f.start(t)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(stuckOrders.WithLabelValues("awaiting_deposit")) >= before+1
	}, 5*time.Second, 10*time.Millisecond)

	// Every sweep counts again; force a second one.
	f.tick.Force <- time.Unix(testGenesis, 0)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(stuckOrders.WithLabelValues("awaiting_deposit")) >= before+2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEscalationFailureIsolated(t *testing.T) {
	f := newFixture(t)
	f.expiredSigner(t, "broken", "payout", []string{"YQ=="})
	f.expiredSigner(t, "fine", "payout", []string{"Yg=="})

	f.node.handle("combinepsbt", func(t *testing.T, params []json.RawMessage) (any, error) {
		var list []string
		require.NoError(t, json.Unmarshal(params[0], &list))
		if list[0] == "YQ==" {
			return nil, &wallet.RPCError{Code: -22, Message: "combine failed"}
		}
		return "bWVyZ2Vk", nil
	})
	f.node.stub("decodepsbt", map[string]any{
		"tx":     map[string]any{"vin": []any{}, "vout": []any{}},
		"inputs": sigInputs(1),
	})
	f.node.stub("walletprocesspsbt", map[string]any{"psbt": "bWVyZ2Vk", "complete": false})

	f.start(t)

	require.Eventually(t, f.sink.has("dispute_opened"), 5*time.Second, 10*time.Millisecond)
	require.Equal(t, escrow.StateSigning, f.state(t, "broken"))
	require.Equal(t, escrow.StateDispute, f.state(t, "fine"))
	require.Equal(t, []string{"dispute_opened"}, f.sink.names())
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.Error(t, f.worker.Start())
}

func TestShutdownIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Start())
	f.worker.Shutdown()
	f.worker.Shutdown()
}
