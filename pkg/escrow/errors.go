package escrow

import "errors"

// Coordinator fault classes. Handlers wrap these with fmt.Errorf("%w: ...")
// so that errors.Is keeps working across layers; the API server maps each
// class to exactly one HTTP status.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("order not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrNoFundedUTXO        = errors.New("no funded utxo")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrOutputsMismatch     = errors.New("outputs mismatch")
	ErrRBFDisabled         = errors.New("rbf disabled")
	ErrMissingInputValue   = errors.New("missing input value")
	ErrFeeMismatch         = errors.New("fee mismatch")
	ErrNegativeFee         = errors.New("negative fee")
	ErrExceedsFunding      = errors.New("outputs exceed funding")
	ErrNotEnoughSignatures = errors.New("not enough signatures")
	ErrUnexpectedChange    = errors.New("unexpected change output")
	ErrRateLimited         = errors.New("rate limited")
)
