/**
 * @description
 * Server-sent events stream of ticket snapshots. A status page opens one
 * stream per ticket and re-renders on every event; the feed's latest-wins
 * delivery means a slow client skips intermediate states rather than
 * lagging behind them.
 *
 * @dependencies
 * - net/http: Flusher-based streaming.
 * - internal/feed: Snapshot subscription.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gachezra/rnr-pay/internal/domain"
	"github.com/gachezra/rnr-pay/internal/store"
)

const sseKeepAliveInterval = 25 * time.Second

// TicketEventsHandler streams snapshot events for one ticket until the
// client disconnects. The current persisted state is sent first, so a page
// that reconnects after the confirmation still renders it.
func (h *PaymentHandlers) TicketEventsHandler(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Streaming is not supported")
		return
	}

	ticket, err := h.service.GetTicket(r.Context(), ticketID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			h.writeError(w, http.StatusNotFound, "Ticket not found")
			return
		}
		log.Printf("level=error component=api msg=\"ticket read failed for event stream\" ticket_id=%s err=%v", ticketID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to open event stream")
		return
	}

	// Subscribe before sending the initial snapshot so a transition landing
	// in between is not lost.
	updates, cancel := h.snapshots.Subscribe(ticketID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSnapshot(w, *ticket)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, open := <-updates:
			if !open {
				return
			}
			writeSnapshot(w, snapshot.Ticket)
			flusher.Flush()
			if snapshot.Ticket.Status.Terminal() {
				// Keep streaming after failure (a retry can still succeed),
				// but a confirmed ticket never changes again.
				return
			}
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeSnapshot(w http.ResponseWriter, ticket domain.Ticket) {
	payload, err := json.Marshal(ticket)
	if err != nil {
		log.Printf("level=error component=api msg=\"failed to marshal snapshot\" ticket_id=%s err=%v", ticket.ID, err)
		return
	}
	fmt.Fprintf(w, "event: ticket\ndata: %s\n\n", payload)
}
