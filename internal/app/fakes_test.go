package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gachezra/rnr-pay/internal/domain"
	"github.com/gachezra/rnr-pay/internal/store"
	"github.com/gachezra/rnr-pay/pkg/daraja"
)

// memRepo is an in-memory Repository with the same guarded-write semantics
// as the PostgreSQL implementation, so races in the engine are exercised for
// real rather than stubbed away.
type memRepo struct {
	mu      sync.Mutex
	tickets map[string]*domain.Ticket
	audits  []domain.AuditEntry
}

func newMemRepo(tickets ...*domain.Ticket) *memRepo {
	r := &memRepo{tickets: make(map[string]*domain.Ticket)}
	for _, t := range tickets {
		copied := *t
		r.tickets[t.ID] = &copied
	}
	return r
}

func newTicket(id string, amount int64) *domain.Ticket {
	now := time.Now().UTC()
	return &domain.Ticket{
		ID:        id,
		Status:    domain.StatusCreated,
		Amount:    amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *memRepo) GetTicket(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok {
		return nil, store.ErrTicketNotFound
	}
	copied := *t
	return &copied, nil
}

func (r *memRepo) FindTicketByGatewayRequest(ctx context.Context, gatewayRequestID string) (*domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tickets {
		if t.GatewayRequestID != nil && *t.GatewayRequestID == gatewayRequestID {
			copied := *t
			return &copied, nil
		}
	}
	return nil, store.ErrTicketNotFound
}

func (r *memRepo) SavePaymentContact(ctx context.Context, ticketID, phone string, email *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok {
		return store.ErrTicketNotFound
	}
	t.Phone = phone
	if email != nil {
		t.Email = email
	}
	t.Version++
	return nil
}

func (r *memRepo) TransitionStatus(ctx context.Context, ticketID string, from []domain.TicketStatus, to domain.TicketStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if t.Status == f {
			t.Status = to
			t.Version++
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) SetGatewayRequest(ctx context.Context, ticketID, gatewayRequestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok || t.Status == domain.StatusConfirmed {
		return store.ErrVersionConflict
	}
	t.GatewayRequestID = &gatewayRequestID
	t.Status = domain.StatusPushSent
	t.LastError = nil
	t.Version++
	return nil
}

func (r *memRepo) RecordInitiationFailure(ctx context.Context, ticketID, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok || t.Status == domain.StatusConfirmed {
		return nil
	}
	t.Status = domain.StatusFailed
	t.LastError = &detail
	t.Version++
	return nil
}

func (r *memRepo) ConfirmTicket(ctx context.Context, ticketID string, receipt store.ReceiptFields) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok {
		return false, nil
	}
	if t.Status == domain.StatusConfirmed {
		return false, nil
	}
	paidAt := receipt.PaidAt
	if paidAt == nil {
		now := time.Now().UTC()
		paidAt = &now
	}
	t.Status = domain.StatusConfirmed
	t.ReceiptNumber = &receipt.ReceiptNumber
	t.PaidAmount = &receipt.Amount
	t.PaidPhone = &receipt.Phone
	t.PaidAt = paidAt
	t.LastError = nil
	t.Version++
	return true, nil
}

func (r *memRepo) FailTicket(ctx context.Context, ticketID, detail string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok {
		return false, nil
	}
	if t.Status == domain.StatusConfirmed || t.Status == domain.StatusFailed {
		return false, nil
	}
	t.Status = domain.StatusFailed
	t.LastError = &detail
	t.Version++
	return true, nil
}

func (r *memRepo) MarkEmailSent(ctx context.Context, ticketID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok {
		return false, nil
	}
	if t.Status != domain.StatusConfirmed || t.EmailSent {
		return false, nil
	}
	t.EmailSent = true
	t.Version++
	return true, nil
}

func (r *memRepo) RecordEmailAttempt(ctx context.Context, ticketID string, deliveryErr *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok {
		return store.ErrTicketNotFound
	}
	t.EmailAttempts++
	t.LastEmailError = deliveryErr
	t.Version++
	return nil
}

func (r *memRepo) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, entry)
	return nil
}

func (r *memRepo) ListAudit(ctx context.Context, ticketID string) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []domain.AuditEntry
	for _, e := range r.audits {
		if e.TicketID == ticketID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (r *memRepo) ListStalePushSent(ctx context.Context, cutoff time.Time, limit int) ([]domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var tickets []domain.Ticket
	for _, t := range r.tickets {
		if t.Status == domain.StatusPushSent && t.UpdatedAt.Before(cutoff) {
			tickets = append(tickets, *t)
			if len(tickets) == limit {
				break
			}
		}
	}
	return tickets, nil
}

func (r *memRepo) auditOutcomes(ticketID string, kind domain.AuditKind) []domain.AuditOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var outcomes []domain.AuditOutcome
	for _, e := range r.audits {
		if e.TicketID == ticketID && e.Kind == kind {
			outcomes = append(outcomes, e.Outcome)
		}
	}
	return outcomes
}

// stubGateway scripts gateway answers per test.
type stubGateway struct {
	mu         sync.Mutex
	pushCalls  int
	queryCalls int

	pushFn  func(phone string, amount int64, accountRef string) (*daraja.STKPushResponse, error)
	queryFn func(checkoutRequestID string) (*daraja.STKQueryResponse, error)
}

func (g *stubGateway) STKPush(ctx context.Context, phone string, amount int64, accountRef, description string) (*daraja.STKPushResponse, error) {
	g.mu.Lock()
	g.pushCalls++
	n := g.pushCalls
	g.mu.Unlock()
	if g.pushFn != nil {
		return g.pushFn(phone, amount, accountRef)
	}
	return &daraja.STKPushResponse{
		CheckoutRequestID: fmt.Sprintf("ws_CO_%s_%d", accountRef, n),
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (g *stubGateway) STKPushQuery(ctx context.Context, checkoutRequestID string) (*daraja.STKQueryResponse, error) {
	g.mu.Lock()
	g.queryCalls++
	g.mu.Unlock()
	if g.queryFn != nil {
		return g.queryFn(checkoutRequestID)
	}
	return &daraja.STKQueryResponse{ResponseCode: "0", ResultCode: "0", ResultDesc: "The service request is processed successfully."}, nil
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

// recordingSender captures receipt deliveries; failNext scripts a failure.
type recordingSender struct {
	mu       sync.Mutex
	sent     []string
	failNext bool
}

func (s *recordingSender) Send(ctx context.Context, to, subject, html string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("mail provider unavailable")
	}
	s.sent = append(s.sent, to)
	return nil
}

func (s *recordingSender) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}
