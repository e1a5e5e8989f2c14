package models

import "errors"

// Engine error taxonomy. Entity-invariant violations are rejected
// synchronously to the caller and never coerced.
var (
	// ErrInvalidState means the operation is not valid given the entity's
	// current state, e.g. amending an installment that is already paid.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrPaymentsExist blocks a full reschedule once any installment in the
	// contract has a paid amount greater than zero.
	ErrPaymentsExist = errors.New("payments exist on contract")

	// ErrAmountMismatch means a payment amount exceeds the distributable
	// balance of its target installments. Overpayment is rejected, not capped.
	ErrAmountMismatch = errors.New("amount exceeds distributable balance")

	// ErrUnsupportedNetwork means the mobile network is not in the gateway's
	// supported set for the requested operation.
	ErrUnsupportedNetwork = errors.New("network not supported")

	// ErrMandateNotUsable means the mandate is not APPROVED or is past expiry.
	ErrMandateNotUsable = errors.New("mandate not usable for charging")

	// ErrRetryExhausted means the attempt has reached its retry cap.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrAlreadyTerminal means the entity is already in a terminal state.
	ErrAlreadyTerminal = errors.New("already in terminal state")

	// ErrGatewayUnavailable is a transient gateway error at initiation time.
	// It is surfaced to the caller and does not consume a retry slot.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)
