package escrow

// Store is the order persistence contract. Implementations serialize
// concurrent writers per order: TransitionState is a compare-and-set on the
// current state, and the loser of a race sees applied=false rather than a
// lost update.
type Store interface {
	// Put creates the order or refreshes its registration columns
	// (descriptor, idx, min_conf, label, amount_sat, fee_est_sat). Lifecycle
	// columns survive, which is what makes order creation idempotent.
	Put(o *Order) error
	// Get returns the order or an error wrapping ErrNotFound.
	Get(orderID string) (*Order, error)
	// NextIndex allocates the next unused derivation index.
	NextIndex() (uint32, error)
	// UpdateFunding records the first observed funding utxo and the minimum
	// confirmation count across all of them.
	UpdateFunding(orderID, txid string, vout uint32, confs int64) error
	// UpdateConfirmations refreshes the confirmation count only.
	UpdateConfirmations(orderID string, confs int64) error
	// TransitionState moves from -> to, resetting created_at to now and
	// overwriting deadline_ts (zero clears it). confs < 0 leaves the
	// confirmation count untouched. Returns false when the row was no longer
	// in the from state.
	TransitionState(orderID string, from, to State, now, confs, deadlineTS int64) (bool, error)
	// SavePartials replaces the stored partial set.
	SavePartials(orderID string, partials []string) error
	// SaveOutputs stores the outputs commitment for the settlement attempt.
	SaveOutputs(orderID string, outputs map[string]int64, outputType string) error
	// SetPayoutTxid records the broadcast settlement txid.
	SetPayoutTxid(orderID, txid string) error
	// SetLastWebhookTS stamps the first successful terminal delivery.
	SetLastWebhookTS(orderID string, ts int64) error
	// StartRBF parks the current state in rbf_state, clears both partial
	// sets, stores the wallet-produced bump PSBT and enters rbf_signing.
	StartRBF(orderID, psbt string, now int64) error
	// ClearRBF restores the parked state and reports it.
	ClearRBF(orderID string, now int64) (State, error)
	// ListByStates returns all orders currently in any of the given states.
	ListByStates(states ...State) ([]*Order, error)
	// PendingSignatures sums max(0, 2-len(partials)) over signing orders.
	PendingSignatures() (int64, error)
}
