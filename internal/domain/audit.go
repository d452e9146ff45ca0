package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditKind classifies what an audit entry records.
type AuditKind string

const (
	AuditInitiation AuditKind = "initiation"
	AuditEvidence   AuditKind = "evidence"
	AuditEmail      AuditKind = "email"
)

// AuditOutcome records whether the action changed ticket state.
type AuditOutcome string

const (
	AuditApplied   AuditOutcome = "applied"
	AuditIgnored   AuditOutcome = "ignored"
	AuditDuplicate AuditOutcome = "duplicate"
	AuditRejected  AuditOutcome = "rejected"
	AuditFailed    AuditOutcome = "failed"
)

// AuditEntry is one row of the append-only per-ticket audit log. Entries are
// never mutated or deleted.
type AuditEntry struct {
	ID        uuid.UUID    `json:"id"`
	TicketID  string       `json:"ticket_id"`
	Kind      AuditKind    `json:"kind"`
	Source    string       `json:"source,omitempty"`
	Outcome   AuditOutcome `json:"outcome"`
	Detail    string       `json:"detail,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewAuditEntry builds an entry with a fresh id and timestamp.
func NewAuditEntry(ticketID string, kind AuditKind, source string, outcome AuditOutcome, detail string) AuditEntry {
	return AuditEntry{
		ID:        uuid.New(),
		TicketID:  ticketID,
		Kind:      kind,
		Source:    source,
		Outcome:   outcome,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
}
