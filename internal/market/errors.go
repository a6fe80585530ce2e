package market

import (
	"errors"
	"net/http"
)

// Rejection kinds. Every failed precondition aborts the whole operation and
// surfaces one of these, possibly wrapped with detail.
var (
	ErrNotRegistered         = errors.New("caller is not registered")
	ErrNotRegisteredProducer = errors.New("caller is not a registered producer")
	ErrNotRegisteredConsumer = errors.New("caller is not a registered consumer")
	ErrAlreadyRegistered     = errors.New("already registered")
	ErrInvalidRole           = errors.New("invalid role")
	ErrInvalidEnergyType     = errors.New("invalid energy type")
	ErrUnauthorized          = errors.New("not authorized for this record")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidPrice          = errors.New("invalid price")
	ErrInvalidListing        = errors.New("listing does not exist or is inactive")
	ErrExceedsSupply         = errors.New("purchase exceeds listing supply")
	ErrAllowanceInsufficient = errors.New("token allowance insufficient")
	ErrInsufficientBalance   = errors.New("token balance insufficient")
	ErrAlreadyDelivered      = errors.New("delivery already confirmed")
	ErrNotDelivered          = errors.New("delivery not confirmed")
	ErrAlreadyReleased       = errors.New("escrow funds already released")
	ErrDisputePending        = errors.New("unresolved dispute references this escrow")
	ErrNotFound              = errors.New("not found")
	ErrAlreadyResolved       = errors.New("dispute already resolved")
	ErrSelfDispute           = errors.New("cannot open a dispute against yourself")
	ErrInvalidReason         = errors.New("dispute reason required")
	ErrInvalidOutcome        = errors.New("invalid dispute outcome")
	ErrZeroSupply            = errors.New("supply must be greater than zero")
	ErrZeroDemand            = errors.New("demand must be greater than zero")
	ErrInvalidName           = errors.New("invalid name")
)

type kindInfo struct {
	err    error
	code   string
	status int
}

// Order matters: more specific kinds first.
var kinds = []kindInfo{
	{ErrNotRegisteredProducer, "not_registered_producer", http.StatusForbidden},
	{ErrNotRegisteredConsumer, "not_registered_consumer", http.StatusForbidden},
	{ErrNotRegistered, "not_registered", http.StatusForbidden},
	{ErrAlreadyRegistered, "already_registered", http.StatusConflict},
	{ErrInvalidRole, "invalid_role", http.StatusBadRequest},
	{ErrInvalidEnergyType, "invalid_energy_type", http.StatusBadRequest},
	{ErrInvalidName, "invalid_name", http.StatusBadRequest},
	{ErrUnauthorized, "unauthorized", http.StatusForbidden},
	{ErrInvalidAmount, "invalid_amount", http.StatusBadRequest},
	{ErrInvalidPrice, "invalid_price", http.StatusBadRequest},
	{ErrInvalidListing, "invalid_listing", http.StatusNotFound},
	{ErrExceedsSupply, "exceeds_supply", http.StatusUnprocessableEntity},
	{ErrAllowanceInsufficient, "allowance_insufficient", http.StatusPaymentRequired},
	{ErrInsufficientBalance, "insufficient_balance", http.StatusPaymentRequired},
	{ErrAlreadyDelivered, "already_delivered", http.StatusConflict},
	{ErrNotDelivered, "not_delivered", http.StatusConflict},
	{ErrAlreadyReleased, "already_released", http.StatusConflict},
	{ErrDisputePending, "dispute_pending", http.StatusConflict},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrAlreadyResolved, "already_resolved", http.StatusConflict},
	{ErrSelfDispute, "self_dispute", http.StatusBadRequest},
	{ErrInvalidReason, "invalid_reason", http.StatusBadRequest},
	{ErrInvalidOutcome, "invalid_outcome", http.StatusBadRequest},
	{ErrZeroSupply, "zero_supply", http.StatusUnprocessableEntity},
	{ErrZeroDemand, "zero_demand", http.StatusUnprocessableEntity},
}

// Kind returns the snake_case rejection code for err, or "internal_error"
// when err is not a market rejection.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal_error"
}

// IsRejection reports whether err is a precondition failure rather than an
// infrastructure error.
func IsRejection(err error) bool {
	return Kind(err) != "internal_error"
}

func httpStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}
