package api

import (
	"context"
	"sync"
	"time"

	"github.com/gachezra/rnr-pay/internal/app"
	"github.com/gachezra/rnr-pay/internal/confirm"
	"github.com/gachezra/rnr-pay/internal/domain"
	"github.com/gachezra/rnr-pay/internal/feed"
	"github.com/gachezra/rnr-pay/internal/store"
	"github.com/gachezra/rnr-pay/pkg/daraja"
)

// memRepo gives the handler tests a live service over in-memory state.
type memRepo struct {
	mu      sync.Mutex
	tickets map[string]*domain.Ticket
	audits  []domain.AuditEntry
}

type testHarness struct {
	repo      *memRepo
	sender    *recordingSender
	snapshots *feed.Feed
	service   *app.Service
	handlers  *PaymentHandlers
}

func newHarness(tickets ...*domain.Ticket) *testHarness {
	repo := &memRepo{tickets: make(map[string]*domain.Ticket)}
	for _, t := range tickets {
		copied := *t
		repo.tickets[t.ID] = &copied
	}
	sender := &recordingSender{}
	snapshots := feed.New()
	guard := app.NewEmailGuard(repo, sender, "https://pay.example.com")
	service := app.NewService(repo, &okGateway{}, noopPublisher{}, snapshots, guard)
	return &testHarness{
		repo:      repo,
		sender:    sender,
		snapshots: snapshots,
		service:   service,
		handlers: NewPaymentHandlers(service, snapshots, confirm.Options{
			Deadline:      2 * time.Second,
			RedirectDelay: 20 * time.Millisecond,
		}),
	}
}

func pushSentTicket(id string, amount int64, gatewayRequestID string) *domain.Ticket {
	now := time.Now().UTC()
	return &domain.Ticket{
		ID:               id,
		Status:           domain.StatusPushSent,
		Amount:           amount,
		Phone:            "254712345678",
		GatewayRequestID: &gatewayRequestID,
		CreatedAt:        now,
		UpdatedAt:        now,
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
	t.Version++
	return nil
}

func (r *memRepo) RecordInitiationFailure(ctx context.Context, ticketID, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tickets[ticketID]; ok && t.Status != domain.StatusConfirmed {
		t.Status = domain.StatusFailed
		t.LastError = &detail
		t.Version++
	}
	return nil
}

func (r *memRepo) ConfirmTicket(ctx context.Context, ticketID string, receipt store.ReceiptFields) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok || t.Status == domain.StatusConfirmed {
		return false, nil
	}
	t.Status = domain.StatusConfirmed
	t.ReceiptNumber = &receipt.ReceiptNumber
	t.PaidAmount = &receipt.Amount
	t.PaidPhone = &receipt.Phone
	t.PaidAt = receipt.PaidAt
	t.Version++
	return true, nil
}

func (r *memRepo) FailTicket(ctx context.Context, ticketID, detail string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[ticketID]
	if !ok || t.Status == domain.StatusConfirmed || t.Status == domain.StatusFailed {
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
	if !ok || t.Status != domain.StatusConfirmed || t.EmailSent {
		return false, nil
	}
	t.EmailSent = true
	return true, nil
}

func (r *memRepo) RecordEmailAttempt(ctx context.Context, ticketID string, deliveryErr *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tickets[ticketID]; ok {
		t.EmailAttempts++
		t.LastEmailError = deliveryErr
	}
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
	return nil, nil
}

type okGateway struct{}

func (okGateway) STKPush(ctx context.Context, phone string, amount int64, accountRef, description string) (*daraja.STKPushResponse, error) {
	return &daraja.STKPushResponse{
		CheckoutRequestID: "ws_CO_" + accountRef,
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (okGateway) STKPushQuery(ctx context.Context, checkoutRequestID string) (*daraja.STKQueryResponse, error) {
	return &daraja.STKQueryResponse{ResponseCode: "0", ResultCode: "0", ResultDesc: "The service request is processed successfully."}, nil
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (noopPublisher) Close() {}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(ctx context.Context, to, subject, html string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to)
	return nil
}

func (s *recordingSender) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}
