package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gachezra/rnr-pay/internal/domain"
	"github.com/gachezra/rnr-pay/internal/store"
	"github.com/gachezra/rnr-pay/pkg/daraja"
)

// Gateway result codes that terminate an STK push without a payment.
const (
	resultCodePaid          = "0"
	resultCodeInsufficient  = "1"
	resultCodeUserCancelled = "1032"
	resultCodePushTimeout   = "1037"

	// The gateway answers a status query for an in-flight push with this
	// error code; it is not evidence of any outcome.
	errorCodeStillProcessing = "500.001.1001"
)

// ReconcileResult reports whether a piece of evidence changed ticket state
// and what the authoritative status is afterwards.
type ReconcileResult struct {
	Applied bool
	Status  domain.TicketStatus
}

// ConfirmOrFail merges one piece of confirmation evidence into the ticket.
// Evidence may arrive from independent processes in any order and may
// duplicate; this function is safe to call concurrently for the same ticket.
// Exactly one audit entry is appended per call, whether or not state changed.
func (s *Service) ConfirmOrFail(ctx context.Context, evidence domain.ConfirmationEvidence) (*ReconcileResult, error) {
	if err := evidence.Validate(); err != nil {
		s.audit(ctx, evidence.TicketID, domain.AuditEvidence, string(evidence.Source), domain.AuditRejected,
			fmt.Sprintf("malformed evidence: %v", err))
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidEvidence)
	}

	// One retry against a fresh read before surfacing a conflict.
	for attempt := 0; attempt < 2; attempt++ {
		result, err := s.applyEvidence(ctx, evidence)
		if errors.Is(err, store.ErrVersionConflict) {
			log.Printf("level=info component=service flow=reconcile msg=\"write lost a race; retrying against fresh read\" ticket_id=%s attempt=%d", evidence.TicketID, attempt+1)
			continue
		}
		return result, err
	}

	s.audit(ctx, evidence.TicketID, domain.AuditEvidence, string(evidence.Source), domain.AuditFailed,
		"conditional write conflicted twice")
	return nil, ErrTransientConflict
}

func (s *Service) applyEvidence(ctx context.Context, evidence domain.ConfirmationEvidence) (*ReconcileResult, error) {
	ticket, err := s.repo.GetTicket(ctx, evidence.TicketID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			s.audit(ctx, evidence.TicketID, domain.AuditEvidence, string(evidence.Source), domain.AuditIgnored,
				"evidence for unknown ticket")
		}
		return nil, err
	}

	// Confirmed is terminal: nothing may touch the ticket again.
	if ticket.Status == domain.StatusConfirmed {
		s.audit(ctx, ticket.ID, domain.AuditEvidence, string(evidence.Source), domain.AuditDuplicate,
			fmt.Sprintf("%s evidence ignored; ticket already confirmed", evidence.Outcome))
		return &ReconcileResult{Applied: false, Status: domain.StatusConfirmed}, nil
	}
	if ticket.Status == domain.StatusFailed && evidence.Outcome == domain.OutcomeFailure {
		s.audit(ctx, ticket.ID, domain.AuditEvidence, string(evidence.Source), domain.AuditDuplicate,
			"failure evidence ignored; ticket already failed")
		return &ReconcileResult{Applied: false, Status: domain.StatusFailed}, nil
	}

	if evidence.Outcome == domain.OutcomeSuccess {
		return s.applySuccess(ctx, ticket, evidence)
	}
	return s.applyFailure(ctx, ticket, evidence)
}

func (s *Service) applySuccess(ctx context.Context, ticket *domain.Ticket, evidence domain.ConfirmationEvidence) (*ReconcileResult, error) {
	receipt := store.ReceiptFields{
		ReceiptNumber: evidence.ReceiptNumber,
		Amount:        evidence.Amount,
		Phone:         evidence.Phone,
		PaidAt:        evidence.Timestamp,
	}
	if receipt.Amount == 0 {
		receipt.Amount = ticket.Amount
	}
	if receipt.Phone == "" {
		receipt.Phone = ticket.Phone
	}

	applied, err := s.repo.ConfirmTicket(ctx, ticket.ID, receipt)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm ticket: %w", err)
	}
	if !applied {
		// The guard only fails once another writer confirmed first; losing
		// this race is equivalent to already-confirmed, not an error.
		current, readErr := s.repo.GetTicket(ctx, ticket.ID)
		if readErr != nil {
			return nil, readErr
		}
		if current.Status != domain.StatusConfirmed {
			return nil, store.ErrVersionConflict
		}
		s.audit(ctx, ticket.ID, domain.AuditEvidence, string(evidence.Source), domain.AuditDuplicate,
			"success evidence lost confirmation race; ticket already confirmed")
		return &ReconcileResult{Applied: false, Status: domain.StatusConfirmed}, nil
	}

	detail := fmt.Sprintf("confirmed with receipt %s", evidence.ReceiptNumber)
	if ticket.Status == domain.StatusFailed {
		// Policy: success always overrides a prior failure. A timeout or poll
		// failure does not prove the payment never completed. Flagged here so
		// the trail shows every override for manual review.
		detail = fmt.Sprintf("confirmed with receipt %s, overriding prior failure", evidence.ReceiptNumber)
	}
	s.audit(ctx, ticket.ID, domain.AuditEvidence, string(evidence.Source), domain.AuditApplied, detail)

	log.Printf("level=info component=service flow=reconcile msg=\"ticket confirmed\" ticket_id=%s source=%s receipt=%s",
		ticket.ID, evidence.Source, evidence.ReceiptNumber)

	s.publishTicket(ctx, ticket.ID, string(evidence.Source))
	s.dispatchReceiptAsync(ticket.ID)

	return &ReconcileResult{Applied: true, Status: domain.StatusConfirmed}, nil
}

func (s *Service) applyFailure(ctx context.Context, ticket *domain.Ticket, evidence domain.ConfirmationEvidence) (*ReconcileResult, error) {
	detail := evidence.Detail
	if detail == "" {
		detail = "payment reported failed by " + string(evidence.Source)
	}

	applied, err := s.repo.FailTicket(ctx, ticket.ID, detail)
	if err != nil {
		return nil, fmt.Errorf("failed to mark ticket failed: %w", err)
	}
	if !applied {
		current, readErr := s.repo.GetTicket(ctx, ticket.ID)
		if readErr != nil {
			return nil, readErr
		}
		outcome := domain.AuditIgnored
		note := "failure evidence ignored; ticket confirmed concurrently"
		if current.Status == domain.StatusFailed {
			outcome = domain.AuditDuplicate
			note = "failure evidence ignored; ticket already failed"
		}
		s.audit(ctx, ticket.ID, domain.AuditEvidence, string(evidence.Source), outcome, note)
		return &ReconcileResult{Applied: false, Status: current.Status}, nil
	}

	s.audit(ctx, ticket.ID, domain.AuditEvidence, string(evidence.Source), domain.AuditApplied, detail)
	s.publishTicket(ctx, ticket.ID, string(evidence.Source))

	log.Printf("level=info component=service flow=reconcile msg=\"ticket failed\" ticket_id=%s source=%s detail=%q",
		ticket.ID, evidence.Source, detail)

	return &ReconcileResult{Applied: true, Status: domain.StatusFailed}, nil
}

// dispatchReceiptAsync triggers the email guard off the reconciliation path.
// The guard is idempotent, so the broker consumer firing for the same
// confirmation is harmless.
func (s *Service) dispatchReceiptAsync(ticketID string) {
	if s.guard == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.guard.DispatchIfNeeded(ctx, ticketID); err != nil {
			log.Printf("level=warn component=service flow=reconcile msg=\"receipt dispatch failed\" ticket_id=%s err=%v", ticketID, err)
		}
	}()
}

// ErrUnknownGatewayRequest means a callback referenced a push this service
// never issued (or one whose ticket has since been re-pushed).
var ErrUnknownGatewayRequest = errors.New("no ticket for gateway request")

// ReconcileCallback resolves a webhook's request id to its ticket and runs
// the evidence through the engine. The engine itself keys purely on ticket
// id, so which push produced the evidence never matters once resolved.
func (s *Service) ReconcileCallback(ctx context.Context, gatewayRequestID string, evidence domain.ConfirmationEvidence) (*ReconcileResult, error) {
	ticket, err := s.repo.FindTicketByGatewayRequest(ctx, gatewayRequestID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			log.Printf("level=warn component=service flow=reconcile msg=\"callback for unknown gateway request\" gateway_request_id=%s", gatewayRequestID)
			return nil, ErrUnknownGatewayRequest
		}
		return nil, err
	}
	evidence.TicketID = ticket.ID
	return s.ConfirmOrFail(ctx, evidence)
}

// PollResult is the answer to a manual status poll.
type PollResult struct {
	IsConfirmed bool                `json:"is_confirmed"`
	Status      domain.TicketStatus `json:"status"`
	Message     string              `json:"message"`
}

// PollGateway queries the gateway for the ticket's outstanding push and runs
// any definitive answer through the reconciliation engine. An in-flight push
// produces no evidence - only a definitive gateway answer does.
func (s *Service) PollGateway(ctx context.Context, ticketID string) (*PollResult, error) {
	ticket, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status == domain.StatusConfirmed {
		// Answered from the store; a status check on a finished payment
		// never reaches the gateway, so it spends no poll budget.
		return &PollResult{IsConfirmed: true, Status: domain.StatusConfirmed, Message: "Payment already confirmed."}, nil
	}

	if s.pollLimiter != nil && s.pollLimit > 0 {
		count, _, err := s.pollLimiter.ConsumeRateLimit(ctx, "status_poll", ticketID, s.pollLimit, s.pollWindow)
		if err != nil {
			log.Printf("level=warn component=service flow=poll msg=\"rate limiter unavailable; allowing poll\" ticket_id=%s err=%v", ticketID, err)
		} else if count > s.pollLimit {
			return nil, ErrRateLimited
		}
	}

	if ticket.GatewayRequestID == nil || *ticket.GatewayRequestID == "" {
		return nil, ErrNoGatewayRequest
	}

	resp, err := s.gateway.STKPushQuery(ctx, *ticket.GatewayRequestID)
	if err != nil {
		var apiErr *daraja.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.ErrorCode == errorCodeStillProcessing {
			return &PollResult{IsConfirmed: false, Status: ticket.Status, Message: "Payment is still processing. Check your phone."}, nil
		}
		return nil, fmt.Errorf("status query failed: %w", ErrGatewayUnreachable)
	}

	evidence, definitive := evidenceFromQuery(ticket.ID, resp, domain.SourcePoll)
	if !definitive {
		return &PollResult{IsConfirmed: false, Status: ticket.Status, Message: "Payment is still processing. Check your phone."}, nil
	}

	result, err := s.ConfirmOrFail(ctx, evidence)
	if err != nil {
		return nil, err
	}

	if result.Status == domain.StatusConfirmed {
		return &PollResult{IsConfirmed: true, Status: result.Status, Message: "Payment confirmed."}, nil
	}
	return &PollResult{IsConfirmed: false, Status: result.Status, Message: "Payment did not complete: " + resp.ResultDesc}, nil
}

// evidenceFromQuery normalizes a status-query response into evidence. The
// second return is false when the gateway has no definitive outcome yet.
func evidenceFromQuery(ticketID string, resp *daraja.STKQueryResponse, source domain.EvidenceSource) (domain.ConfirmationEvidence, bool) {
	if resp.ResponseCode != "0" {
		return domain.ConfirmationEvidence{}, false
	}

	now := time.Now().UTC()
	switch resp.ResultCode {
	case resultCodePaid:
		// The query response carries no receipt number; the webhook (or the
		// persisted ticket) supplies it when available.
		return domain.ConfirmationEvidence{
			TicketID:  ticketID,
			Outcome:   domain.OutcomeSuccess,
			Timestamp: &now,
			Source:    source,
			Detail:    resp.ResultDesc,
		}, true
	case resultCodeUserCancelled, resultCodePushTimeout, resultCodeInsufficient:
		return domain.ConfirmationEvidence{
			TicketID: ticketID,
			Outcome:  domain.OutcomeFailure,
			Source:   source,
			Detail:   fmt.Sprintf("gateway result %s: %s", resp.ResultCode, resp.ResultDesc),
		}, true
	default:
		// Unknown non-zero results are failures too; the gateway gave a
		// definitive answer, just not one in our enumeration.
		if resp.ResultCode != "" {
			return domain.ConfirmationEvidence{
				TicketID: ticketID,
				Outcome:  domain.OutcomeFailure,
				Source:   source,
				Detail:   fmt.Sprintf("gateway result %s: %s", resp.ResultCode, resp.ResultDesc),
			}, true
		}
		return domain.ConfirmationEvidence{}, false
	}
}
