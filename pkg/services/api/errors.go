package api

import (
	"errors"
	"net/http"

	"github.com/weo-dev/escrowd/pkg/escrow"
	"github.com/weo-dev/escrowd/pkg/wallet"
)

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

// badRequest lists the coordinator fault classes answered with 400.
var badRequest = []error{
	escrow.ErrValidation,
	escrow.ErrInvalidTransition,
	escrow.ErrNoFundedUTXO,
	escrow.ErrInsufficientFunds,
	escrow.ErrOutputsMismatch,
	escrow.ErrRBFDisabled,
	escrow.ErrMissingInputValue,
	escrow.ErrFeeMismatch,
	escrow.ErrNegativeFee,
	escrow.ErrExceedsFunding,
	escrow.ErrNotEnoughSignatures,
	escrow.ErrUnexpectedChange,
}

// statusFor maps a coordinator or transport error onto its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, escrow.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, wallet.ErrUnavailable):
		return http.StatusBadGateway
	}
	for _, class := range badRequest {
		if errors.Is(err, class) {
			return http.StatusBadRequest
		}
	}
	// Node-side RPC rejections and anything unclassified surface as 500.
	return http.StatusInternalServerError
}
