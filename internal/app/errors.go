package app

import "errors"

var (
	// Validation failures are rejected before any mutation.
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrInvalidPhone    = errors.New("phone is not a valid mobile-money number")
	ErrInvalidEvidence = errors.New("confirmation evidence is malformed")

	// ErrAlreadyConfirmed rejects operations that require a non-confirmed ticket.
	ErrAlreadyConfirmed = errors.New("ticket is already confirmed")

	// Gateway outcomes of an initiation or poll attempt.
	ErrGatewayRejected    = errors.New("gateway rejected the request")
	ErrGatewayUnreachable = errors.New("gateway could not be reached")

	// ErrNoGatewayRequest means a poll was asked for a ticket that never had
	// a push initiated.
	ErrNoGatewayRequest = errors.New("ticket has no outstanding gateway request")

	// ErrTransientConflict surfaces an optimistic write that still conflicted
	// after one retry against a fresh read.
	ErrTransientConflict = errors.New("ticket write conflicted; retry the operation")

	// ErrRateLimited rejects a manual poll past the per-ticket budget.
	ErrRateLimited = errors.New("too many status polls; slow down")

	// Receipt resend preconditions.
	ErrNotConfirmed    = errors.New("ticket is not confirmed")
	ErrNoEmailOnTicket = errors.New("ticket has no email address")
)
