package escrow

import (
	"encoding/base64"
	"fmt"
	"regexp"
)

// State is an order lifecycle state. The set is closed; anything read from
// storage that is not listed here is a data corruption bug, not a state.
type State string

const (
	StateAwaitingDeposit State = "awaiting_deposit"
	StateEscrowFunded    State = "escrow_funded"
	StateSigning         State = "signing"
	StateRBFSigning      State = "rbf_signing"
	StateCompleted       State = "completed"
	StateRefunded        State = "refunded"
	StateDispute         State = "dispute"
)

// transitions holds the allowed forward edges. rbf_signing is absent on
// purpose: it is entered through Store.StartRBF and left through
// Store.ClearRBF, never through Advance.
var transitions = map[State][]State{
	StateAwaitingDeposit: {StateEscrowFunded},
	StateEscrowFunded:    {StateSigning, StateDispute},
	StateSigning:         {StateCompleted, StateRefunded, StateDispute},
}

// Valid reports whether s is a member of the lifecycle enum.
func (s State) Valid() bool {
	switch s {
	case StateAwaitingDeposit, StateEscrowFunded, StateSigning,
		StateRBFSigning, StateCompleted, StateRefunded, StateDispute:
		return true
	}
	return false
}

// Terminal reports whether s absorbs, i.e. admits no outgoing transition.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRefunded || s == StateDispute
}

// CanAdvance reports whether the s -> to edge exists.
func (s State) CanAdvance(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Order is the persistent record of one escrow. Partials and Outputs are
// stored as JSON blobs by the SQLite store but handled as native values
// everywhere above it.
type Order struct {
	ID            string
	Descriptor    string
	Index         uint32
	MinConf       int64
	Label         string
	AmountSat     int64
	FeeEstSat     int64
	CreatedAt     int64
	State         State
	FundingTxid   string
	Vout          uint32
	Confirmations int64
	Partials      []string
	RBFPartials   []string
	Outputs       map[string]int64
	OutputType    string
	LastWebhookTS int64
	PayoutTxid    string
	DeadlineTS    int64
	RBFPSBT       string
	RBFState      State
}

// ExpectedSat is the funding target: principal plus the network-fee headroom
// estimated at creation time.
func (o *Order) ExpectedSat() int64 {
	return o.AmountSat + o.FeeEstSat
}

// FundingTolerance is the accepted underpayment, 0.5% of the expected
// total, absorbing fee rounding in sending wallets.
func (o *Order) FundingTolerance() int64 {
	return o.ExpectedSat() * 5 / 1000
}

// MaxAmountSat caps order amounts at 21M BTC expressed in satoshis.
const MaxAmountSat = int64(2_100_000_000_000_000)

var (
	orderIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)
	addressPattern = regexp.MustCompile(`^(bc1|tb1)[0-9ac-hj-np-z]{8,87}$`)
	xpubPattern    = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	base64Pattern  = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)
)

// CheckOrderID validates the caller-supplied order identifier.
func CheckOrderID(id string) error {
	if !orderIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid order_id", ErrValidation)
	}
	return nil
}

// CheckAddress validates a bech32-looking mainnet or testnet address. Full
// bech32 checksum verification is the wallet's job; this gate only rejects
// obvious garbage before it reaches an RPC.
func CheckAddress(addr string) error {
	if !addressPattern.MatchString(addr) {
		return fmt.Errorf("%w: invalid address", ErrValidation)
	}
	return nil
}

// CheckXpub validates the shape of an extended public key. Only the
// alphabet is checked here; deep validation happens in the wallet when
// the descriptor is imported.
func CheckXpub(xpub string) error {
	if !xpubPattern.MatchString(xpub) {
		return fmt.Errorf("%w: invalid xpub", ErrValidation)
	}
	return nil
}

// CheckAmount validates the escrow principal. Zero is allowed: an order
// with no expected amount never promotes to escrow_funded but can still
// be tracked.
func CheckAmount(sat int64) error {
	if sat < 0 {
		return fmt.Errorf("%w: amount_sat out of range", ErrValidation)
	}
	return nil
}

// CheckOutputAmount validates a single settlement output value.
func CheckOutputAmount(sat int64) error {
	if sat <= 0 || sat > MaxAmountSat {
		return fmt.Errorf("%w: invalid amount", ErrValidation)
	}
	return nil
}

// CheckBase64 validates that s is strict standard-alphabet base64. Partial
// PSBTs are otherwise opaque blobs to the coordinator.
func CheckBase64(s string) error {
	if len(s) == 0 || len(s)%4 != 0 || !base64Pattern.MatchString(s) {
		return fmt.Errorf("%w: invalid psbt fragment", ErrValidation)
	}
	if _, err := base64.StdEncoding.Strict().DecodeString(s); err != nil {
		return fmt.Errorf("%w: invalid psbt fragment", ErrValidation)
	}
	return nil
}

// OrderLabel is the watch-wallet import label for an order.
func OrderLabel(orderID string) string {
	return "escrow:" + orderID
}

// WatchID names the descriptor watch registered for an order.
func WatchID(orderID string, idx uint32) string {
	return fmt.Sprintf("escrow_%s_%d", orderID, idx)
}
