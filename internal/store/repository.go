/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the payment service needs. Keeping the interface here decouples the
 * reconciliation logic from PostgreSQL and lets tests substitute fakes.
 *
 * The conditional methods (ConfirmTicket, FailTicket, MarkEmailSent) never
 * take locks: they express their guard in the write itself and report via the
 * returned bool whether this caller won. That bool is the only ownership
 * signal in the system.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/gachezra/rnr-pay/internal/domain"
)

var (
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrVersionConflict = errors.New("ticket version conflict")
)

// ReceiptFields carries the payment proof applied on confirmation.
type ReceiptFields struct {
	ReceiptNumber string
	Amount        int64
	Phone         string
	PaidAt        *time.Time
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// GetTicket reads the authoritative ticket row. No caching layer sits in
	// front of this read.
	GetTicket(ctx context.Context, ticketID string) (*domain.Ticket, error)

	// FindTicketByGatewayRequest resolves the ticket owning a push request
	// id. Webhook callbacks identify the push, not the ticket.
	FindTicketByGatewayRequest(ctx context.Context, gatewayRequestID string) (*domain.Ticket, error)

	// SavePaymentContact persists phone/email ahead of a push attempt.
	SavePaymentContact(ctx context.Context, ticketID, phone string, email *string) error

	// TransitionStatus moves the ticket to `to` only if its current status is
	// one of `from`. Returns false when the guard did not hold.
	TransitionStatus(ctx context.Context, ticketID string, from []domain.TicketStatus, to domain.TicketStatus) (bool, error)

	// SetGatewayRequest records the latest push request id and moves the
	// ticket to push_sent. A new initiation supersedes the previous id.
	SetGatewayRequest(ctx context.Context, ticketID, gatewayRequestID string) error

	// RecordInitiationFailure marks the ticket failed with the error detail.
	RecordInitiationFailure(ctx context.Context, ticketID, detail string) error

	// ConfirmTicket conditionally sets status=confirmed plus receipt fields,
	// guarded by "status still not confirmed at write time". Returns false
	// when another writer confirmed first; receipt fields are then untouched.
	ConfirmTicket(ctx context.Context, ticketID string, receipt ReceiptFields) (bool, error)

	// FailTicket conditionally sets status=failed with the error detail,
	// guarded by the status being non-terminal. Returns false when the ticket
	// is already confirmed or failed.
	FailTicket(ctx context.Context, ticketID, detail string) (bool, error)

	// MarkEmailSent flips email_sent false->true, guarded by the flag still
	// being false. Returns false when another dispatcher already marked it.
	MarkEmailSent(ctx context.Context, ticketID string) (bool, error)

	// RecordEmailAttempt bumps the attempt counter and stores the last
	// delivery error (nil clears it). Used by both guard and explicit resend.
	RecordEmailAttempt(ctx context.Context, ticketID string, deliveryErr *string) error

	// AppendAudit appends one immutable audit entry.
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error

	// ListAudit returns the audit trail for a ticket, oldest first.
	ListAudit(ctx context.Context, ticketID string) ([]domain.AuditEntry, error)

	// ListStalePushSent returns tickets stuck in push_sent since before
	// cutoff, for the reconciliation sweep.
	ListStalePushSent(ctx context.Context, cutoff time.Time, limit int) ([]domain.Ticket, error)
}
