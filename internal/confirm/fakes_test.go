package confirm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gachezra/rnr-pay/internal/app"
	"github.com/gachezra/rnr-pay/internal/domain"
	"github.com/gachezra/rnr-pay/internal/feed"
	"github.com/gachezra/rnr-pay/internal/store"
	"github.com/gachezra/rnr-pay/pkg/daraja"
)

// memRepo is a minimal in-memory Repository with the same guard semantics as
// the real store, holding a single ticket T-1.
type memRepo struct {
	mu      sync.Mutex
	tickets map[string]*domain.Ticket
}

func newCoordinatorService(t *testing.T, snapshots *feed.Feed) (*app.Service, *memRepo) {
	t.Helper()
	now := time.Now().UTC()
	repo := &memRepo{tickets: map[string]*domain.Ticket{
		"T-1": {ID: "T-1", Status: domain.StatusCreated, Amount: 500, CreatedAt: now, UpdatedAt: now},
	}}
	return app.NewService(repo, &okGateway{}, noopPublisher{}, snapshots, nil), repo
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
	return false, nil
}

func (r *memRepo) RecordEmailAttempt(ctx context.Context, ticketID string, deliveryErr *string) error {
	return nil
}

func (r *memRepo) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	return nil
}

func (r *memRepo) ListAudit(ctx context.Context, ticketID string) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (r *memRepo) ListStalePushSent(ctx context.Context, cutoff time.Time, limit int) ([]domain.Ticket, error) {
	return nil, nil
}

// okGateway accepts every push and answers every query with success.
type okGateway struct {
	mu    sync.Mutex
	calls int
}

func (g *okGateway) STKPush(ctx context.Context, phone string, amount int64, accountRef, description string) (*daraja.STKPushResponse, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	return &daraja.STKPushResponse{
		CheckoutRequestID: fmt.Sprintf("ws_CO_%s_%d", accountRef, n),
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (g *okGateway) STKPushQuery(ctx context.Context, checkoutRequestID string) (*daraja.STKQueryResponse, error) {
	return &daraja.STKQueryResponse{ResponseCode: "0", ResultCode: "0", ResultDesc: "The service request is processed successfully."}, nil
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (noopPublisher) Close() {}
