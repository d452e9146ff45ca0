package domain

import (
	"errors"
	"strings"
	"time"
)

// EvidenceOutcome is the normalized result a confirmation channel reports.
type EvidenceOutcome string

const (
	OutcomeSuccess EvidenceOutcome = "success"
	OutcomeFailure EvidenceOutcome = "failure"
)

// EvidenceSource identifies the channel that produced a piece of evidence.
type EvidenceSource string

const (
	SourceWebhook EvidenceSource = "webhook"
	SourcePoll    EvidenceSource = "poll"
	SourceSweep   EvidenceSource = "sweep"
)

// ConfirmationEvidence is the tagged record every channel is normalized into
// before it reaches the reconciliation engine. Payload shapes from the
// gateway never cross this boundary.
type ConfirmationEvidence struct {
	TicketID      string          `json:"ticket_id"`
	Outcome       EvidenceOutcome `json:"outcome"`
	ReceiptNumber string          `json:"receipt_number,omitempty"`
	Amount        int64           `json:"amount,omitempty"`
	Phone         string          `json:"phone,omitempty"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
	Source        EvidenceSource  `json:"source"`
	Detail        string          `json:"detail,omitempty"`
}

var (
	ErrEvidenceMissingTicket  = errors.New("evidence is missing a ticket id")
	ErrEvidenceUnknownOutcome = errors.New("evidence outcome is not success or failure")
	ErrEvidenceUnknownSource  = errors.New("evidence source is not a known channel")
)

// Validate rejects anything outside the tag set. Partially-formed gateway
// payloads must never be trusted past this point.
func (e ConfirmationEvidence) Validate() error {
	if strings.TrimSpace(e.TicketID) == "" {
		return ErrEvidenceMissingTicket
	}
	if e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailure {
		return ErrEvidenceUnknownOutcome
	}
	switch e.Source {
	case SourceWebhook, SourcePoll, SourceSweep:
		return nil
	default:
		return ErrEvidenceUnknownSource
	}
}
