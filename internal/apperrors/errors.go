package apperrors

import "errors"

// Sentinel errors for the installment engine. Callers classify with
// errors.Is and wrap context with fmt.Errorf("%w: ...").
var (
	// ErrValidation marks malformed input (bad option, bad config).
	// Never persisted, rejected synchronously.
	ErrValidation = errors.New("validation error")

	// ErrConflict marks a state conflict: duplicate active plan, or an
	// operator action against a terminal installment/plan.
	ErrConflict = errors.New("conflict")

	ErrNotFound = errors.New("not found")

	// ErrAlreadyProcessing is returned when a charge attempt loses the
	// per-installment race: another caller holds the processing state.
	ErrAlreadyProcessing = errors.New("charge already in progress")

	// ErrRetryExhausted marks an installment whose attempt budget is spent.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// Gateway outcomes. Declined is a business outcome, not a system fault.
	ErrDeclined       = errors.New("gateway declined")
	ErrGatewayTimeout = errors.New("gateway timeout")
	ErrGateway        = errors.New("gateway error")
)
