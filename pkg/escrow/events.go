package escrow

// Event names delivered to the commerce callback.
const (
	EventEscrowFunded  = "escrow_funded"
	EventSettled       = "settled"
	EventRefunded      = "refunded"
	EventDispute       = "dispute"
	EventDisputeOpened = "dispute_opened"
)

type (
	// Event is one webhook-worthy lifecycle notification. Data carries the
	// event-specific extras and is merged into the delivery body next to
	// "event" and "order_id".
	Event struct {
		Name    string
		OrderID string
		Data    map[string]any
	}

	// FundingUTXO describes one observed deposit output, both in the
	// status response and inside the escrow_funded event payload.
	FundingUTXO struct {
		Txid          string `json:"txid"`
		Vout          uint32 `json:"vout"`
		ValueSat      int64  `json:"value_sat"`
		Confirmations int64  `json:"confirmations"`
	}

	// EventSink accepts events for asynchronous delivery. Enqueue must not
	// block on network IO; delivery outcome is the sink's problem.
	EventSink interface {
		Enqueue(ev Event)
	}
)

// Terminal reports whether the event is subject to once-per-order delivery
// dedup. escrow_funded is the exception: it is always delivered.
func (ev Event) Terminal() bool {
	return ev.Name != EventEscrowFunded
}

// FundedEvent builds the escrow_funded notification.
func FundedEvent(orderID string, utxos []FundingUTXO, totalSat, confs int64) Event {
	return Event{
		Name:    EventEscrowFunded,
		OrderID: orderID,
		Data: map[string]any{
			"utxos":     utxos,
			"total_sat": totalSat,
			"confs":     confs,
		},
	}
}

// SettlementEvent builds the terminal notification for a broadcast
// settlement. completed maps to the external "settled" name; refunded and
// dispute keep their state names.
func SettlementEvent(orderID string, state State, txid string) Event {
	name := string(state)
	if state == StateCompleted {
		name = EventSettled
	}
	return Event{
		Name:    name,
		OrderID: orderID,
		Data:    map[string]any{"txid": txid},
	}
}

// DisputeOpenedEvent builds the escalation notification raised by the
// deadline worker. It carries no extras; the arbiter queries the order
// for detail.
func DisputeOpenedEvent(orderID string) Event {
	return Event{Name: EventDisputeOpened, OrderID: orderID}
}
