/**
 * @description
 * Exactly-once receipt email dispatch. Any number of processes may race to
 * send the receipt for a confirmed ticket; the persisted email_sent flag,
 * flipped by a conditional write, elects exactly one winner. Delivery is
 * attempted before the flag flips, so a crash between send and flip can
 * produce a duplicate email but never a silently missing one.
 *
 * @dependencies
 * - internal/store: conditional MarkEmailSent write and attempt bookkeeping.
 * - pkg/mailer: receipt rendering and the delivery transport.
 */
package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/gachezra/rnr-pay/internal/domain"
	"github.com/gachezra/rnr-pay/internal/store"
	"github.com/gachezra/rnr-pay/pkg/mailer"
)

// EmailGuard owns receipt dispatch for confirmed tickets.
type EmailGuard struct {
	repo          store.Repository
	sender        mailer.Sender
	statusBaseURL string
}

func NewEmailGuard(repo store.Repository, sender mailer.Sender, statusBaseURL string) *EmailGuard {
	return &EmailGuard{
		repo:          repo,
		sender:        sender,
		statusBaseURL: strings.TrimRight(statusBaseURL, "/"),
	}
}

// DispatchResult reports what a dispatch call did.
type DispatchResult struct {
	Attempted bool   `json:"attempted"`
	Sent      bool   `json:"sent"`
	Message   string `json:"message"`
}

// DispatchIfNeeded sends the receipt email unless the ticket is not yet
// confirmed, has no email on file, or the receipt already went out. Safe to
// call any number of times from any number of goroutines.
func (g *EmailGuard) DispatchIfNeeded(ctx context.Context, ticketID string) (*DispatchResult, error) {
	ticket, err := g.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status != domain.StatusConfirmed {
		return &DispatchResult{Attempted: false, Message: "ticket not confirmed; nothing to send"}, nil
	}
	if ticket.EmailSent {
		return &DispatchResult{Attempted: false, Message: "receipt already sent"}, nil
	}
	if ticket.Email == nil || *ticket.Email == "" {
		return &DispatchResult{Attempted: false, Message: "no email address on ticket"}, nil
	}

	if err := g.deliver(ctx, ticket); err != nil {
		detail := err.Error()
		g.repo.RecordEmailAttempt(ctx, ticket.ID, &detail)
		g.audit(ctx, ticket.ID, domain.AuditFailed, fmt.Sprintf("receipt delivery failed: %v", err))
		return nil, fmt.Errorf("failed to deliver receipt: %w", err)
	}
	g.repo.RecordEmailAttempt(ctx, ticket.ID, nil)

	// Flip the flag only after delivery succeeded. Losing this write means a
	// concurrent dispatcher also delivered; log it and stand down.
	flipped, err := g.repo.MarkEmailSent(ctx, ticket.ID)
	if err != nil {
		log.Printf("level=error component=email_guard msg=\"delivered but could not persist email_sent\" ticket_id=%s err=%v", ticket.ID, err)
		return nil, fmt.Errorf("failed to record receipt dispatch: %w", err)
	}
	if !flipped {
		g.audit(ctx, ticket.ID, domain.AuditDuplicate, "receipt delivered but another dispatcher won the send")
		return &DispatchResult{Attempted: true, Sent: true, Message: "receipt sent (duplicate dispatcher)"}, nil
	}

	g.audit(ctx, ticket.ID, domain.AuditApplied, "receipt emailed to "+*ticket.Email)
	log.Printf("level=info component=email_guard msg=\"receipt sent\" ticket_id=%s", ticket.ID)
	return &DispatchResult{Attempted: true, Sent: true, Message: "receipt sent"}, nil
}

// Resend re-delivers the receipt on explicit request. It requires a confirmed
// ticket but deliberately ignores and never modifies the email_sent flag, so
// a resend can neither block nor unblock the guarded first send.
func (g *EmailGuard) Resend(ctx context.Context, ticketID string) (*DispatchResult, error) {
	ticket, err := g.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status != domain.StatusConfirmed {
		return nil, ErrNotConfirmed
	}
	if ticket.Email == nil || *ticket.Email == "" {
		return nil, ErrNoEmailOnTicket
	}

	if err := g.deliver(ctx, ticket); err != nil {
		detail := err.Error()
		g.repo.RecordEmailAttempt(ctx, ticket.ID, &detail)
		g.audit(ctx, ticket.ID, domain.AuditFailed, fmt.Sprintf("receipt resend failed: %v", err))
		return nil, fmt.Errorf("failed to resend receipt: %w", err)
	}
	g.repo.RecordEmailAttempt(ctx, ticket.ID, nil)
	g.audit(ctx, ticket.ID, domain.AuditApplied, "receipt resent to "+*ticket.Email)

	return &DispatchResult{Attempted: true, Sent: true, Message: "receipt resent"}, nil
}

func (g *EmailGuard) deliver(ctx context.Context, ticket *domain.Ticket) error {
	receipt := mailer.Receipt{
		TicketID:  ticket.ID,
		Amount:    ticket.Amount,
		StatusURL: fmt.Sprintf("%s/tickets/%s", g.statusBaseURL, ticket.ID),
	}
	if ticket.ReceiptNumber != nil {
		receipt.ReceiptNumber = *ticket.ReceiptNumber
	}
	if ticket.PaidAmount != nil {
		receipt.Amount = *ticket.PaidAmount
	}
	if ticket.PaidPhone != nil {
		receipt.PaidPhone = *ticket.PaidPhone
	}
	receipt.PaidAt = ticket.PaidAt

	return g.sender.Send(ctx, *ticket.Email, receipt.Subject(), receipt.RenderHTML())
}

func (g *EmailGuard) audit(ctx context.Context, ticketID string, outcome domain.AuditOutcome, detail string) {
	entry := domain.NewAuditEntry(ticketID, domain.AuditEmail, "email_guard", outcome, detail)
	if err := g.repo.AppendAudit(ctx, entry); err != nil {
		log.Printf("level=error component=email_guard msg=\"failed to append audit entry\" ticket_id=%s err=%v", ticketID, err)
	}
}
