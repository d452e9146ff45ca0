/**
 * @description
 * Scheduled sweep that resolves pushes the webhook never answered for. A
 * customer can abandon an STK prompt, or the callback can be lost in
 * transit; without the sweep those tickets sit in push_sent forever. The
 * sweep queries the gateway for each stale push and feeds any definitive
 * answer through the reconciliation engine under the "sweep" source.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Job scheduling with panic recovery.
 * - internal/store: Stale-ticket listing.
 */
package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gachezra/rnr-pay/internal/domain"
	"github.com/gachezra/rnr-pay/internal/store"
	"github.com/gachezra/rnr-pay/pkg/daraja"
)

// Sweeper periodically reconciles tickets stuck in push_sent.
type Sweeper struct {
	service    *Service
	repo       store.Repository
	cron       *cron.Cron
	schedule   string
	staleAfter time.Duration
	batchSize  int
}

func NewSweeper(service *Service, repo store.Repository, schedule string, staleAfter time.Duration, batchSize int) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	cronLogger := cron.PrintfLogger(log.Default())
	return &Sweeper{
		service:    service,
		repo:       repo,
		cron:       cron.New(cron.WithChain(cron.Recover(cronLogger))),
		schedule:   schedule,
		staleAfter: staleAfter,
		batchSize:  batchSize,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("level=info component=sweeper msg=\"sweep scheduled\" schedule=%q stale_after=%s", s.schedule, s.staleAfter)
	return nil
}

// Stop halts scheduling; the returned context closes when a running sweep
// finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sweeper) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.staleAfter)
	tickets, err := s.repo.ListStalePushSent(ctx, cutoff, s.batchSize)
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"failed to list stale pushes\" err=%v", err)
		return
	}
	if len(tickets) == 0 {
		return
	}

	log.Printf("level=info component=sweeper msg=\"sweeping stale pushes\" count=%d cutoff=%s", len(tickets), cutoff.Format(time.RFC3339))
	for _, ticket := range tickets {
		s.sweepTicket(ctx, ticket)
	}
}

func (s *Sweeper) sweepTicket(ctx context.Context, ticket domain.Ticket) {
	if ticket.GatewayRequestID == nil || *ticket.GatewayRequestID == "" {
		return
	}

	resp, err := s.service.gateway.STKPushQuery(ctx, *ticket.GatewayRequestID)
	if err != nil {
		var apiErr *daraja.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.ErrorCode == errorCodeStillProcessing {
			return
		}
		log.Printf("level=warn component=sweeper msg=\"status query failed; will retry next sweep\" ticket_id=%s err=%v", ticket.ID, err)
		return
	}

	evidence, definitive := evidenceFromQuery(ticket.ID, resp, domain.SourceSweep)
	if !definitive {
		return
	}

	if _, err := s.service.ConfirmOrFail(ctx, evidence); err != nil {
		log.Printf("level=warn component=sweeper msg=\"reconcile failed\" ticket_id=%s err=%v", ticket.ID, err)
	}
}
