package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gachezra/rnr-pay/internal/domain"
	"github.com/gachezra/rnr-pay/internal/feed"
)

// TicketEventConsumer handles ticket status events from the broker. Events
// published by this instance or a peer both land here, so every instance's
// local snapshot feed stays current and the email guard fires no matter
// which instance confirmed the ticket.
type TicketEventConsumer struct {
	feed  *feed.Feed
	guard *EmailGuard
}

func NewTicketEventConsumer(snapshots *feed.Feed, guard *EmailGuard) *TicketEventConsumer {
	return &TicketEventConsumer{feed: snapshots, guard: guard}
}

// HandleMessage returns true to ack. Malformed payloads are acked so they do
// not requeue forever; only transient downstream failures nack.
func (c *TicketEventConsumer) HandleMessage(body []byte) bool {
	var event domain.TicketStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=ticket_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}
	if event.TicketID == "" {
		log.Printf("level=warn component=ticket_consumer msg=\"event missing ticket id\" status=%s", event.Status)
		return true
	}

	if c.feed != nil && event.Ticket.ID != "" {
		c.feed.Publish(event.Ticket)
	}

	if event.Status == domain.StatusConfirmed && c.guard != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := c.guard.DispatchIfNeeded(ctx, event.TicketID); err != nil {
			// The guard is idempotent and a later confirmation event or a
			// resend can recover, so failures log without requeueing.
			log.Printf("level=warn component=ticket_consumer msg=\"receipt dispatch failed\" ticket_id=%s err=%v", event.TicketID, err)
		}
	}

	return true
}
