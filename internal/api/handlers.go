/**
 * @description
 * This file contains the HTTP handlers for the payment API. Handlers are
 * responsible for parsing incoming requests, calling the appropriate methods
 * on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * The gateway callback handler is deliberately lenient: Daraja treats any
 * non-200 answer as a delivery failure and retries, so the handler always
 * acknowledges and lets the reconciliation engine sort the payload out.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: Service logic, models, and
 *   custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gachezra/rnr-pay/internal/app"
	"github.com/gachezra/rnr-pay/internal/confirm"
	"github.com/gachezra/rnr-pay/internal/domain"
	"github.com/gachezra/rnr-pay/internal/feed"
	"github.com/gachezra/rnr-pay/internal/store"
)

// PaymentHandlers holds the application services that handlers will use.
type PaymentHandlers struct {
	service     *app.Service
	snapshots   *feed.Feed
	confirmOpts confirm.Options
}

// NewPaymentHandlers creates a new instance of PaymentHandlers. confirmOpts
// tunes the confirmation-session timers; zero values take the defaults.
func NewPaymentHandlers(service *app.Service, snapshots *feed.Feed, confirmOpts confirm.Options) *PaymentHandlers {
	return &PaymentHandlers{service: service, snapshots: snapshots, confirmOpts: confirmOpts}
}

type initiatePaymentRequest struct {
	TicketID string  `json:"ticket_id"`
	Amount   int64   `json:"amount"`
	Phone    string  `json:"phone"`
	Email    *string `json:"email,omitempty"`
}

type initiatePaymentResponse struct {
	TicketID         string `json:"ticket_id"`
	Status           string `json:"status"`
	GatewayRequestID string `json:"gateway_request_id,omitempty"`
	Message          string `json:"message"`
}

// InitiatePaymentHandler accepts a push request for a ticket and triggers the
// STK prompt on the customer's phone.
func (h *PaymentHandlers) InitiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req initiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TicketID == "" {
		h.writeError(w, http.StatusBadRequest, "ticket_id is required")
		return
	}

	result, err := h.service.Initiate(r.Context(), app.InitiateParams{
		TicketID: req.TicketID,
		Amount:   req.Amount,
		Phone:    req.Phone,
		Email:    req.Email,
	})
	if err != nil {
		h.writeInitiateError(w, req.TicketID, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, initiatePaymentResponse{
		TicketID:         result.TicketID,
		Status:           string(result.Status),
		GatewayRequestID: result.GatewayRequestID,
		Message:          result.CustomerMessage,
	})
}

func (h *PaymentHandlers) writeInitiateError(w http.ResponseWriter, ticketID string, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidAmount), errors.Is(err, app.ErrInvalidPhone):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrTicketNotFound):
		h.writeError(w, http.StatusNotFound, "Ticket not found")
	case errors.Is(err, app.ErrAlreadyConfirmed):
		h.writeError(w, http.StatusConflict, "Ticket is already confirmed")
	case errors.Is(err, app.ErrGatewayRejected):
		h.writeError(w, http.StatusBadGateway, "Payment gateway rejected the push request")
	case errors.Is(err, app.ErrGatewayUnreachable):
		h.writeError(w, http.StatusServiceUnavailable, "Payment gateway is unreachable; try again shortly")
	default:
		log.Printf("level=error component=api msg=\"initiation failed\" ticket_id=%s err=%v", ticketID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to initiate payment")
	}
}

// stkCallback mirrors the gateway's callback payload.
type stkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []struct {
			Name  string      `json:"Name"`
			Value interface{} `json:"Value"`
		} `json:"Item"`
	} `json:"CallbackMetadata"`
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// DarajaCallbackHandler receives the gateway's payment result webhook. It
// always answers 200: the gateway retries anything else, and a payload we
// cannot use is not something a retry will fix.
func (h *PaymentHandlers) DarajaCallbackHandler(w http.ResponseWriter, r *http.Request) {
	ack := func() {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"ResultCode": 0, "ResultDesc": "Accepted"})
	}

	var envelope stkCallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		log.Printf("level=warn component=api msg=\"unparseable gateway callback\" err=%v", err)
		ack()
		return
	}

	callback := envelope.Body.StkCallback
	if callback.CheckoutRequestID == "" {
		log.Printf("level=warn component=api msg=\"gateway callback missing checkout request id\"")
		ack()
		return
	}

	evidence := evidenceFromCallback(callback)
	if _, err := h.service.ReconcileCallback(r.Context(), callback.CheckoutRequestID, evidence); err != nil {
		// Reconciliation failures are logged and audited inside the service;
		// the gateway still gets its ack.
		log.Printf("level=warn component=api msg=\"callback reconciliation failed\" gateway_request_id=%s err=%v",
			callback.CheckoutRequestID, err)
	}
	ack()
}

func evidenceFromCallback(callback stkCallback) domain.ConfirmationEvidence {
	evidence := domain.ConfirmationEvidence{
		Source: domain.SourceWebhook,
		Detail: callback.ResultDesc,
	}
	if callback.ResultCode != 0 {
		evidence.Outcome = domain.OutcomeFailure
		evidence.Detail = fmt.Sprintf("gateway result %d: %s", callback.ResultCode, callback.ResultDesc)
		return evidence
	}

	evidence.Outcome = domain.OutcomeSuccess
	for _, item := range callback.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			if v, ok := item.Value.(string); ok {
				evidence.ReceiptNumber = v
			}
		case "Amount":
			evidence.Amount = metadataInt64(item.Value)
		case "PhoneNumber":
			if v := metadataInt64(item.Value); v > 0 {
				evidence.Phone = strconv.FormatInt(v, 10)
			} else if s, ok := item.Value.(string); ok {
				evidence.Phone = s
			}
		case "TransactionDate":
			if ts := parseTransactionDate(item.Value); ts != nil {
				evidence.Timestamp = ts
			}
		}
	}
	if evidence.Timestamp == nil {
		now := time.Now().UTC()
		evidence.Timestamp = &now
	}
	return evidence
}

func metadataInt64(value interface{}) int64 {
	switch v := value.(type) {
	case float64:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// parseTransactionDate handles the gateway's YYYYMMDDHHMMSS numeric format.
func parseTransactionDate(value interface{}) *time.Time {
	var raw string
	switch v := value.(type) {
	case float64:
		raw = strconv.FormatInt(int64(v), 10)
	case string:
		raw = v
	default:
		return nil
	}
	t, err := time.ParseInLocation("20060102150405", raw, time.FixedZone("EAT", 3*60*60))
	if err != nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

// QueryPaymentHandler runs a manual status poll against the gateway.
func (h *PaymentHandlers) QueryPaymentHandler(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	result, err := h.service.PollGateway(r.Context(), ticketID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTicketNotFound):
			h.writeError(w, http.StatusNotFound, "Ticket not found")
		case errors.Is(err, app.ErrRateLimited):
			h.writeError(w, http.StatusTooManyRequests, "Too many status checks; wait a moment")
		case errors.Is(err, app.ErrNoGatewayRequest):
			h.writeError(w, http.StatusConflict, "No payment push has been initiated for this ticket")
		case errors.Is(err, app.ErrGatewayUnreachable):
			h.writeError(w, http.StatusServiceUnavailable, "Payment gateway is unreachable; try again shortly")
		case errors.Is(err, app.ErrTransientConflict):
			h.writeError(w, http.StatusConflict, "Ticket is being updated; retry the check")
		default:
			log.Printf("level=error component=api msg=\"status poll failed\" ticket_id=%s err=%v", ticketID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to check payment status")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// GetTicketHandler returns the current ticket snapshot.
func (h *PaymentHandlers) GetTicketHandler(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	ticket, err := h.service.GetTicket(r.Context(), ticketID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			h.writeError(w, http.StatusNotFound, "Ticket not found")
			return
		}
		log.Printf("level=error component=api msg=\"ticket read failed\" ticket_id=%s err=%v", ticketID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load ticket")
		return
	}

	h.writeJSON(w, http.StatusOK, ticket)
}

// ResendReceiptHandler re-delivers the receipt email on explicit request.
func (h *PaymentHandlers) ResendReceiptHandler(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	result, err := h.service.EmailGuard().Resend(r.Context(), ticketID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTicketNotFound):
			h.writeError(w, http.StatusNotFound, "Ticket not found")
		case errors.Is(err, app.ErrNotConfirmed):
			h.writeError(w, http.StatusConflict, "Receipt is only available for confirmed tickets")
		case errors.Is(err, app.ErrNoEmailOnTicket):
			h.writeError(w, http.StatusUnprocessableEntity, "Ticket has no email address on file")
		default:
			log.Printf("level=error component=api msg=\"receipt resend failed\" ticket_id=%s err=%v", ticketID, err)
			h.writeError(w, http.StatusBadGateway, "Unable to deliver the receipt right now")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// AuditTrailHandler lists the audit entries for a ticket, oldest first.
// Internal-key protected; this is an operator surface, not a customer one.
func (h *PaymentHandlers) AuditTrailHandler(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	entries, err := h.service.AuditTrail(r.Context(), ticketID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			h.writeError(w, http.StatusNotFound, "Ticket not found")
			return
		}
		log.Printf("level=error component=api msg=\"audit listing failed\" ticket_id=%s err=%v", ticketID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load audit trail")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket_id": ticketID,
		"entries":   entries,
	})
}

// writeJSON is a helper for writing JSON responses.
func (h *PaymentHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PaymentHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
