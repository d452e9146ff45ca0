/**
 * @description
 * This file contains the core business logic for rnr-pay. The `Service`
 * struct orchestrates the payment lifecycle of a ticket, coordinating
 * between the database repository, the Daraja gateway client, the message
 * broker, and the in-process snapshot feed.
 *
 * Key features:
 * - Implements payment initiation (STK push) with full validation and audit.
 * - Hosts the reconciliation engine that merges confirmation evidence from
 *   webhook, poll, and sweep channels into one authoritative ticket state.
 * - Publishes a snapshot event for every persisted write so that local and
 *   remote subscribers observe each transition.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - internal/domain, internal/store, internal/feed: Domain models, data
 *   access, and snapshot fanout.
 * - pkg/daraja, pkg/rabbitmq: External service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/gachezra/rnr-pay/internal/domain"
	"github.com/gachezra/rnr-pay/internal/feed"
	"github.com/gachezra/rnr-pay/internal/store"
	"github.com/gachezra/rnr-pay/pkg/daraja"
	"github.com/gachezra/rnr-pay/pkg/rabbitmq"
)

const (
	// EventsExchange is the topic exchange all ticket events are published to.
	EventsExchange = "rnr.events"

	pushDescription = "RNR ticket payment"
)

// Kenyan mobile-money numbers: 07XX/01XX local form or 2547XX/2541XX
// international form, with an optional leading plus.
var phonePattern = regexp.MustCompile(`^(?:\+?254|0)((?:7|1)\d{8})$`)

// Gateway is the slice of the Daraja client the service depends on.
type Gateway interface {
	STKPush(ctx context.Context, phone string, amount int64, accountRef, description string) (*daraja.STKPushResponse, error)
	STKPushQuery(ctx context.Context, checkoutRequestID string) (*daraja.STKQueryResponse, error)
}

// PollRateLimiter bounds how often a caller may poll the gateway per ticket.
type PollRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for ticket payments.
type Service struct {
	repo     store.Repository
	gateway  Gateway
	producer rabbitmq.Publisher
	feed     *feed.Feed
	guard    *EmailGuard

	pollLimiter PollRateLimiter
	pollLimit   int
	pollWindow  time.Duration
}

// NewService creates a new payment service instance. producer may be nil when
// RabbitMQ is unavailable; fanout then degrades to the in-process feed only.
func NewService(repo store.Repository, gateway Gateway, producer rabbitmq.Publisher, snapshots *feed.Feed, guard *EmailGuard) *Service {
	return &Service{
		repo:     repo,
		gateway:  gateway,
		producer: producer,
		feed:     snapshots,
		guard:    guard,
	}
}

// SetPollRateLimiter enables distributed rate limiting of manual polls.
func (s *Service) SetPollRateLimiter(limiter PollRateLimiter, limitPerWindow int, window time.Duration) {
	s.pollLimiter = limiter
	s.pollLimit = limitPerWindow
	s.pollWindow = window
}

// InitiateParams carries a payment initiation request.
type InitiateParams struct {
	TicketID string
	Amount   int64
	Phone    string
	Email    *string
}

// InitiateResult reports the outcome of an accepted initiation.
type InitiateResult struct {
	TicketID         string
	GatewayRequestID string
	Status           domain.TicketStatus
	CustomerMessage  string
}

// NormalizePhone converts an accepted number into the 254XXXXXXXXX form the
// gateway expects. Returns false when the number does not match.
func NormalizePhone(phone string) (string, bool) {
	m := phonePattern.FindStringSubmatch(strings.TrimSpace(phone))
	if m == nil {
		return "", false
	}
	return "254" + m[1], true
}

// Initiate starts a payment attempt for a ticket. Re-invocation is allowed
// any number of times while the ticket is not confirmed; each attempt issues
// a brand-new gateway request id that supersedes the previous one. Every
// attempt, successful or not, appends exactly one audit entry.
func (s *Service) Initiate(ctx context.Context, params InitiateParams) (*InitiateResult, error) {
	if params.Amount <= 0 {
		s.audit(ctx, params.TicketID, domain.AuditInitiation, "initiate", domain.AuditRejected, "non-positive amount")
		return nil, ErrInvalidAmount
	}
	phone, ok := NormalizePhone(params.Phone)
	if !ok {
		s.audit(ctx, params.TicketID, domain.AuditInitiation, "initiate", domain.AuditRejected, "unrecognized phone format")
		return nil, ErrInvalidPhone
	}

	ticket, err := s.repo.GetTicket(ctx, params.TicketID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			s.audit(ctx, params.TicketID, domain.AuditInitiation, "initiate", domain.AuditIgnored, "ticket not found")
		}
		return nil, err
	}
	if ticket.Status == domain.StatusConfirmed {
		s.audit(ctx, ticket.ID, domain.AuditInitiation, "initiate", domain.AuditRejected, "ticket already confirmed")
		return nil, ErrAlreadyConfirmed
	}

	if err := s.repo.SavePaymentContact(ctx, ticket.ID, phone, params.Email); err != nil {
		return nil, fmt.Errorf("failed to persist payment contact: %w", err)
	}

	moved, err := s.repo.TransitionStatus(ctx, ticket.ID,
		[]domain.TicketStatus{domain.StatusCreated, domain.StatusPendingGateway, domain.StatusPushSent, domain.StatusFailed},
		domain.StatusPendingGateway,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to transition ticket to pending_gateway: %w", err)
	}
	if !moved {
		// The only status outside the from-set is confirmed.
		s.audit(ctx, ticket.ID, domain.AuditInitiation, "initiate", domain.AuditRejected, "ticket confirmed before push could start")
		return nil, ErrAlreadyConfirmed
	}
	s.publishTicket(ctx, ticket.ID, "initiate")

	resp, pushErr := s.gateway.STKPush(ctx, phone, params.Amount, ticket.ID, pushDescription)
	if pushErr != nil {
		var apiErr *daraja.ErrorResponse
		if errors.As(pushErr, &apiErr) {
			return nil, s.failInitiation(ctx, ticket.ID, fmt.Sprintf("gateway rejected push: %v", apiErr), ErrGatewayRejected)
		}
		return nil, s.failInitiation(ctx, ticket.ID, fmt.Sprintf("gateway unreachable: %v", pushErr), ErrGatewayUnreachable)
	}
	if !resp.Success() {
		detail := fmt.Sprintf("gateway declined push: code=%s desc=%s", resp.ResponseCode, resp.ResponseDescription)
		return nil, s.failInitiation(ctx, ticket.ID, detail, ErrGatewayRejected)
	}

	if err := s.repo.SetGatewayRequest(ctx, ticket.ID, resp.CheckoutRequestID); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// A confirmation landed between the push and this write. The push
			// is out regardless; report the authoritative state.
			current, readErr := s.repo.GetTicket(ctx, ticket.ID)
			if readErr != nil {
				return nil, readErr
			}
			s.audit(ctx, ticket.ID, domain.AuditInitiation, "initiate", domain.AuditApplied,
				fmt.Sprintf("push accepted (request %s) but ticket confirmed concurrently", resp.CheckoutRequestID))
			return &InitiateResult{
				TicketID:         ticket.ID,
				GatewayRequestID: resp.CheckoutRequestID,
				Status:           current.Status,
				CustomerMessage:  resp.CustomerMessage,
			}, nil
		}
		return nil, fmt.Errorf("failed to store gateway request id: %w", err)
	}

	s.audit(ctx, ticket.ID, domain.AuditInitiation, "initiate", domain.AuditApplied,
		fmt.Sprintf("push sent, gateway request %s", resp.CheckoutRequestID))
	s.publishTicket(ctx, ticket.ID, "initiate")

	log.Printf("level=info component=service flow=initiation msg=\"push sent\" ticket_id=%s gateway_request_id=%s amount=%d",
		ticket.ID, resp.CheckoutRequestID, params.Amount)

	return &InitiateResult{
		TicketID:         ticket.ID,
		GatewayRequestID: resp.CheckoutRequestID,
		Status:           domain.StatusPushSent,
		CustomerMessage:  resp.CustomerMessage,
	}, nil
}

// failInitiation records an initiation failure and returns the typed error.
// Initiation failures are allowed to mark the ticket failed; confirmation
// evidence can still override that later.
func (s *Service) failInitiation(ctx context.Context, ticketID, detail string, typedErr error) error {
	if err := s.repo.RecordInitiationFailure(ctx, ticketID, detail); err != nil {
		log.Printf("level=error component=service flow=initiation msg=\"failed to record initiation failure\" ticket_id=%s err=%v", ticketID, err)
	}
	s.audit(ctx, ticketID, domain.AuditInitiation, "initiate", domain.AuditFailed, detail)
	s.publishTicket(ctx, ticketID, "initiate")
	log.Printf("level=warn component=service flow=initiation msg=\"initiation failed\" ticket_id=%s detail=%q", ticketID, detail)
	return fmt.Errorf("%s: %w", detail, typedErr)
}

// GetTicket reads the authoritative ticket state.
func (s *Service) GetTicket(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	return s.repo.GetTicket(ctx, ticketID)
}

// AuditTrail returns the ticket's append-only audit log, oldest first.
func (s *Service) AuditTrail(ctx context.Context, ticketID string) ([]domain.AuditEntry, error) {
	if _, err := s.repo.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	return s.repo.ListAudit(ctx, ticketID)
}

// EmailGuard exposes the dispatch guard wired into this service.
func (s *Service) EmailGuard() *EmailGuard {
	return s.guard
}

// audit appends one entry; audit failures are logged, never propagated, so a
// broken audit sink cannot block the payment path.
func (s *Service) audit(ctx context.Context, ticketID string, kind domain.AuditKind, source string, outcome domain.AuditOutcome, detail string) {
	entry := domain.NewAuditEntry(ticketID, kind, source, outcome, detail)
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		log.Printf("level=error component=service msg=\"audit append failed\" ticket_id=%s kind=%s outcome=%s err=%v", ticketID, kind, outcome, err)
	}
}

// publishTicket reads the fresh ticket and fans it out to the local feed and
// the broker. Publish failures never fail the calling operation.
func (s *Service) publishTicket(ctx context.Context, ticketID, source string) {
	ticket, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		log.Printf("level=warn component=service msg=\"snapshot read failed; skipping publish\" ticket_id=%s err=%v", ticketID, err)
		return
	}

	if s.feed != nil {
		s.feed.Publish(*ticket)
	}
	if s.producer != nil {
		event := domain.TicketStatusEvent{
			TicketID:  ticket.ID,
			Status:    ticket.Status,
			Ticket:    *ticket,
			Source:    source,
			Timestamp: time.Now().UTC(),
		}
		routingKey := "ticket.status." + string(ticket.Status)
		if err := s.producer.Publish(ctx, EventsExchange, routingKey, event); err != nil {
			log.Printf("level=warn component=service msg=\"event publish failed\" ticket_id=%s routing_key=%s err=%v", ticketID, routingKey, err)
		}
	}
}
