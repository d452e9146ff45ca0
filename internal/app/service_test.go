package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gachezra/rnr-pay/internal/domain"
	"github.com/gachezra/rnr-pay/internal/feed"
	"github.com/gachezra/rnr-pay/internal/store"
	"github.com/gachezra/rnr-pay/pkg/daraja"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{input: "0712345678", want: "254712345678", ok: true},
		{input: "0112345678", want: "254112345678", ok: true},
		{input: "254712345678", want: "254712345678", ok: true},
		{input: "+254712345678", want: "254712345678", ok: true},
		{input: " 0712345678 ", want: "254712345678", ok: true},
		{input: "0812345678", ok: false},
		{input: "071234567", ok: false},
		{input: "07123456789", ok: false},
		{input: "not-a-number", ok: false},
		{input: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := NormalizePhone(tt.input)
			if ok != tt.ok {
				t.Fatalf("expected ok=%t, got %t", tt.ok, ok)
			}
			if ok && got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestInitiate_HappyPathMovesTicketToPushSent(t *testing.T) {
	repo := newMemRepo(newTicket("T-1", 500))
	gateway := &stubGateway{}
	producer := &recordingPublisher{}
	service := NewService(repo, gateway, producer, feed.New(), nil)

	email := "rider@example.com"
	result, err := service.Initiate(context.Background(), InitiateParams{
		TicketID: "T-1",
		Amount:   500,
		Phone:    "0712345678",
		Email:    &email,
	})
	if err != nil {
		t.Fatalf("initiation failed: %v", err)
	}
	if result.Status != domain.StatusPushSent || result.GatewayRequestID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}

	saved, _ := repo.GetTicket(context.Background(), "T-1")
	if saved.Status != domain.StatusPushSent {
		t.Fatalf("expected push_sent, got %s", saved.Status)
	}
	if saved.Phone != "254712345678" {
		t.Fatalf("expected normalized phone persisted, got %q", saved.Phone)
	}
	if saved.Email == nil || *saved.Email != email {
		t.Fatal("expected email persisted")
	}
	if saved.GatewayRequestID == nil || *saved.GatewayRequestID != result.GatewayRequestID {
		t.Fatal("expected gateway request id persisted")
	}

	outcomes := repo.auditOutcomes("T-1", domain.AuditInitiation)
	if len(outcomes) != 1 || outcomes[0] != domain.AuditApplied {
		t.Fatalf("expected one applied initiation audit entry, got %v", outcomes)
	}
}

func TestInitiate_RetryIssuesFreshGatewayRequest(t *testing.T) {
	repo := newMemRepo(newTicket("T-1", 500))
	gateway := &stubGateway{}
	service := NewService(repo, gateway, &recordingPublisher{}, feed.New(), nil)

	params := InitiateParams{TicketID: "T-1", Amount: 500, Phone: "0712345678"}
	first, err := service.Initiate(context.Background(), params)
	if err != nil {
		t.Fatalf("first initiation failed: %v", err)
	}
	second, err := service.Initiate(context.Background(), params)
	if err != nil {
		t.Fatalf("retry initiation failed: %v", err)
	}
	if first.GatewayRequestID == second.GatewayRequestID {
		t.Fatal("retry must supersede with a new gateway request id")
	}

	saved, _ := repo.GetTicket(context.Background(), "T-1")
	if *saved.GatewayRequestID != second.GatewayRequestID {
		t.Fatal("latest request id must win")
	}
}

func TestInitiate_RetryAllowedAfterFailure(t *testing.T) {
	ticket := newTicket("T-1", 500)
	ticket.Status = domain.StatusFailed
	repo := newMemRepo(ticket)
	service := NewService(repo, &stubGateway{}, &recordingPublisher{}, feed.New(), nil)

	result, err := service.Initiate(context.Background(), InitiateParams{TicketID: "T-1", Amount: 500, Phone: "0712345678"})
	if err != nil {
		t.Fatalf("retry after failure errored: %v", err)
	}
	if result.Status != domain.StatusPushSent {
		t.Fatalf("expected push_sent, got %s", result.Status)
	}
}

func TestInitiate_RejectsConfirmedTicket(t *testing.T) {
	ticket := newTicket("T-1", 500)
	ticket.Status = domain.StatusConfirmed
	repo := newMemRepo(ticket)
	service := NewService(repo, &stubGateway{}, &recordingPublisher{}, feed.New(), nil)

	_, err := service.Initiate(context.Background(), InitiateParams{TicketID: "T-1", Amount: 500, Phone: "0712345678"})
	if !errors.Is(err, ErrAlreadyConfirmed) {
		t.Fatalf("expected ErrAlreadyConfirmed, got %v", err)
	}

	outcomes := repo.auditOutcomes("T-1", domain.AuditInitiation)
	if len(outcomes) != 1 || outcomes[0] != domain.AuditRejected {
		t.Fatalf("expected rejected audit entry, got %v", outcomes)
	}
}

func TestInitiate_UnknownTicketIsAudited(t *testing.T) {
	repo := newMemRepo()
	service := NewService(repo, &stubGateway{}, &recordingPublisher{}, feed.New(), nil)

	_, err := service.Initiate(context.Background(), InitiateParams{TicketID: "T-404", Amount: 500, Phone: "0712345678"})
	if !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}

	outcomes := repo.auditOutcomes("T-404", domain.AuditInitiation)
	if len(outcomes) != 1 || outcomes[0] != domain.AuditIgnored {
		t.Fatalf("expected one ignored audit entry, got %v", outcomes)
	}
}

func TestInitiate_ValidationRejectsBeforeAnyWrite(t *testing.T) {
	repo := newMemRepo(newTicket("T-1", 500))
	service := NewService(repo, &stubGateway{}, &recordingPublisher{}, feed.New(), nil)

	tests := []struct {
		name   string
		params InitiateParams
		want   error
	}{
		{name: "zero amount", params: InitiateParams{TicketID: "T-1", Amount: 0, Phone: "0712345678"}, want: ErrInvalidAmount},
		{name: "negative amount", params: InitiateParams{TicketID: "T-1", Amount: -5, Phone: "0712345678"}, want: ErrInvalidAmount},
		{name: "bad phone", params: InitiateParams{TicketID: "T-1", Amount: 500, Phone: "12345"}, want: ErrInvalidPhone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Initiate(context.Background(), tt.params)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	saved, _ := repo.GetTicket(context.Background(), "T-1")
	if saved.Status != domain.StatusCreated {
		t.Fatalf("rejected initiations must not move the ticket, got %s", saved.Status)
	}
}

func TestInitiate_GatewayRejectionMarksTicketFailed(t *testing.T) {
	repo := newMemRepo(newTicket("T-1", 500))
	gateway := &stubGateway{
		pushFn: func(phone string, amount int64, accountRef string) (*daraja.STKPushResponse, error) {
			return nil, &daraja.ErrorResponse{ErrorCode: "400.002.02", ErrorMessage: "Bad Request - Invalid Amount"}
		},
	}
	service := NewService(repo, gateway, &recordingPublisher{}, feed.New(), nil)

	_, err := service.Initiate(context.Background(), InitiateParams{TicketID: "T-1", Amount: 500, Phone: "0712345678"})
	if !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}

	saved, _ := repo.GetTicket(context.Background(), "T-1")
	if saved.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", saved.Status)
	}
	if saved.LastError == nil {
		t.Fatal("expected failure detail recorded")
	}
}

func TestInitiate_TransportErrorIsUnreachable(t *testing.T) {
	repo := newMemRepo(newTicket("T-1", 500))
	gateway := &stubGateway{
		pushFn: func(phone string, amount int64, accountRef string) (*daraja.STKPushResponse, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	service := NewService(repo, gateway, &recordingPublisher{}, feed.New(), nil)

	_, err := service.Initiate(context.Background(), InitiateParams{TicketID: "T-1", Amount: 500, Phone: "0712345678"})
	if !errors.Is(err, ErrGatewayUnreachable) {
		t.Fatalf("expected ErrGatewayUnreachable, got %v", err)
	}
}

func TestPollGateway_StillProcessingProducesNoEvidence(t *testing.T) {
	ticket := newTicket("T-1", 500)
	ticket.Status = domain.StatusPushSent
	reqID := "ws_CO_1"
	ticket.GatewayRequestID = &reqID
	repo := newMemRepo(ticket)
	gateway := &stubGateway{
		queryFn: func(checkoutRequestID string) (*daraja.STKQueryResponse, error) {
			return nil, &daraja.ErrorResponse{ErrorCode: "500.001.1001", ErrorMessage: "The transaction is being processed"}
		},
	}
	service := NewService(repo, gateway, &recordingPublisher{}, feed.New(), nil)

	result, err := service.PollGateway(context.Background(), "T-1")
	if err != nil {
		t.Fatalf("poll errored: %v", err)
	}
	if result.IsConfirmed || result.Status != domain.StatusPushSent {
		t.Fatalf("in-flight push must not change state: %+v", result)
	}

	if outcomes := repo.auditOutcomes("T-1", domain.AuditEvidence); len(outcomes) != 0 {
		t.Fatalf("in-flight push must not produce evidence, got %v", outcomes)
	}
}

func TestPollGateway_ConfirmsThroughTheEngine(t *testing.T) {
	ticket := newTicket("T-1", 500)
	ticket.Status = domain.StatusPushSent
	reqID := "ws_CO_1"
	ticket.GatewayRequestID = &reqID
	repo := newMemRepo(ticket)
	service := NewService(repo, &stubGateway{}, &recordingPublisher{}, feed.New(), nil)

	result, err := service.PollGateway(context.Background(), "T-1")
	if err != nil {
		t.Fatalf("poll errored: %v", err)
	}
	if !result.IsConfirmed {
		t.Fatalf("expected confirmation, got %+v", result)
	}

	saved, _ := repo.GetTicket(context.Background(), "T-1")
	if saved.Status != domain.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", saved.Status)
	}
}

func TestPollGateway_RequiresOutstandingRequest(t *testing.T) {
	repo := newMemRepo(newTicket("T-1", 500))
	service := NewService(repo, &stubGateway{}, &recordingPublisher{}, feed.New(), nil)

	_, err := service.PollGateway(context.Background(), "T-1")
	if !errors.Is(err, ErrNoGatewayRequest) {
		t.Fatalf("expected ErrNoGatewayRequest, got %v", err)
	}
}

type fixedLimiter struct {
	count int
}

func (l *fixedLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.count++
	return l.count, 30, nil
}

func TestPollGateway_RateLimited(t *testing.T) {
	ticket := newTicket("T-1", 500)
	ticket.Status = domain.StatusPushSent
	reqID := "ws_CO_1"
	ticket.GatewayRequestID = &reqID
	repo := newMemRepo(ticket)
	service := NewService(repo, &stubGateway{}, &recordingPublisher{}, feed.New(), nil)
	service.SetPollRateLimiter(&fixedLimiter{}, 2, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := service.PollGateway(context.Background(), "T-1"); err != nil {
			t.Fatalf("poll %d errored: %v", i+1, err)
		}
		// Reset so each allowed poll starts from a non-confirmed ticket.
		repo.mu.Lock()
		repo.tickets["T-1"].Status = domain.StatusPushSent
		repo.mu.Unlock()
	}

	_, err := service.PollGateway(context.Background(), "T-1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on third poll, got %v", err)
	}
}

func TestPollGateway_ConfirmedTicketSpendsNoBudget(t *testing.T) {
	ticket := newTicket("T-1", 500)
	ticket.Status = domain.StatusConfirmed
	repo := newMemRepo(ticket)
	service := NewService(repo, &stubGateway{}, &recordingPublisher{}, feed.New(), nil)
	limiter := &fixedLimiter{}
	service.SetPollRateLimiter(limiter, 2, time.Minute)

	for i := 0; i < 5; i++ {
		result, err := service.PollGateway(context.Background(), "T-1")
		if err != nil {
			t.Fatalf("poll %d errored: %v", i+1, err)
		}
		if !result.IsConfirmed {
			t.Fatalf("expected confirmed answer, got %+v", result)
		}
	}
	if limiter.count != 0 {
		t.Fatalf("status checks on a confirmed ticket must not consume the poll budget, consumed %d", limiter.count)
	}
}
