/**
 * @description
 * Guided confirmation session over SSE. One stream hosts the whole client
 * flow for a ticket: opening it fires the STK push, every coordinator state
 * change is relayed as a `session` event, and exactly one redirect event
 * follows confirmation. Because the coordinator watches the snapshot feed,
 * a webhook callback, a manual poll, or the sweeper all complete the same
 * open session.
 *
 * @dependencies
 * - net/http: Flusher-based streaming.
 * - internal/confirm: The per-ticket confirmation coordinator.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gachezra/rnr-pay/internal/app"
	"github.com/gachezra/rnr-pay/internal/confirm"
	"github.com/gachezra/rnr-pay/internal/store"
)

// ConfirmationSessionHandler opens the confirmation flow for a ticket. Phone
// (and optionally email) arrive as query parameters because EventSource only
// speaks GET; the charge amount always comes from the stored ticket.
func (h *PaymentHandlers) ConfirmationSessionHandler(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Streaming is not supported")
		return
	}

	phone := strings.TrimSpace(r.URL.Query().Get("phone"))
	if phone == "" {
		h.writeError(w, http.StatusBadRequest, "phone is required")
		return
	}
	var email *string
	if e := strings.TrimSpace(r.URL.Query().Get("email")); e != "" {
		email = &e
	}

	ticket, err := h.service.GetTicket(r.Context(), ticketID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			h.writeError(w, http.StatusNotFound, "Ticket not found")
			return
		}
		log.Printf("level=error component=api msg=\"ticket read failed for session\" ticket_id=%s err=%v", ticketID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to open confirmation session")
		return
	}

	coordinator := confirm.New(h.service, h.snapshots, h.confirmOpts)
	defer coordinator.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Initiation blocks on the gateway; run it off the stream loop so the
	// awaiting_gateway event reaches the client before the push resolves.
	// A failed initiation surfaces as a manual_actions event, not an error.
	go func() {
		if err := coordinator.Begin(r.Context(), ticketID, app.InitiateParams{
			Amount: ticket.Amount,
			Phone:  phone,
			Email:  email,
		}); err != nil {
			log.Printf("level=warn component=api msg=\"session initiation failed\" ticket_id=%s err=%v", ticketID, err)
		}
	}()

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-coordinator.Events():
			if !open {
				return
			}
			writeSessionEvent(w, ticketID, event)
			flusher.Flush()
			if event.Kind == confirm.EventRedirect {
				// The flow is over; the client navigates away.
				return
			}
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeSessionEvent(w http.ResponseWriter, ticketID string, event confirm.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("level=error component=api msg=\"failed to marshal session event\" ticket_id=%s err=%v", ticketID, err)
		return
	}
	fmt.Fprintf(w, "event: session\ndata: %s\n\n", payload)
}
