/**
 * @description
 * This file defines the core domain models for rnr-pay: the Ticket being paid
 * for and the snapshot shape fanned out to subscribers. A ticket is created
 * upstream by the ticketing site; this service only owns its payment lifecycle.
 *
 * @dependencies
 * - time: Standard Go library.
 */

package domain

import "time"

// TicketStatus is the payment lifecycle state of a ticket.
type TicketStatus string

const (
	StatusCreated        TicketStatus = "created"
	StatusPendingGateway TicketStatus = "pending_gateway"
	StatusPushSent       TicketStatus = "push_sent"
	StatusConfirmed      TicketStatus = "confirmed"
	StatusFailed         TicketStatus = "failed"
)

// Terminal reports whether no further automatic transition applies. A failed
// ticket is not fully terminal: later success evidence may still confirm it.
func (s TicketStatus) Terminal() bool {
	return s == StatusConfirmed
}

// Valid reports whether s is one of the known lifecycle states.
func (s TicketStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusPendingGateway, StatusPushSent, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// Ticket is the unit of payment reconciliation.
type Ticket struct {
	ID               string       `json:"id"`
	Status           TicketStatus `json:"status"`
	Amount           int64        `json:"amount"`
	Phone            string       `json:"phone"`
	Email            *string      `json:"email,omitempty"`
	GatewayRequestID *string      `json:"gateway_request_id,omitempty"`

	// Receipt fields, populated on the first accepted success evidence and
	// never overwritten afterwards.
	ReceiptNumber *string    `json:"receipt_number,omitempty"`
	PaidAmount    *int64     `json:"paid_amount,omitempty"`
	PaidPhone     *string    `json:"paid_phone,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`

	EmailSent      bool    `json:"email_sent"`
	EmailAttempts  int     `json:"email_attempts"`
	LastEmailError *string `json:"last_email_error,omitempty"`
	LastError      *string `json:"last_error,omitempty"`

	// Version is bumped by every write; conditional updates fence on it.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is the full ticket view emitted to subscribers on every write.
type Snapshot struct {
	Ticket    Ticket    `json:"ticket"`
	EmittedAt time.Time `json:"emitted_at"`
}
