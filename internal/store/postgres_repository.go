/**
 * @description
 * PostgreSQL implementation of the Repository interface using pgx. All status
 * and flag transitions are expressed as guarded UPDATEs so that concurrent
 * webhook and poll handlers can race freely: whoever's UPDATE touches a row
 * owns the transition, everyone else sees rows-affected = 0 and re-reads.
 *
 * Tables:
 *   tickets(id TEXT PK, status TEXT, amount BIGINT, phone TEXT, email TEXT,
 *           gateway_request_id TEXT, receipt_number TEXT, paid_amount BIGINT,
 *           paid_phone TEXT, paid_at TIMESTAMPTZ, email_sent BOOLEAN,
 *           email_attempts INT, last_email_error TEXT, last_error TEXT,
 *           version BIGINT, created_at TIMESTAMPTZ, updated_at TIMESTAMPTZ)
 *   ticket_audit(id UUID PK, ticket_id TEXT, kind TEXT, source TEXT,
 *                outcome TEXT, detail TEXT, created_at TIMESTAMPTZ)
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pooling.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gachezra/rnr-pay/internal/domain"
)

// PostgresRepository provides a PostgreSQL-backed implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository with a pgx connection pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const ticketColumns = `id, status, amount, phone, email, gateway_request_id,
	receipt_number, paid_amount, paid_phone, paid_at,
	email_sent, email_attempts, last_email_error, last_error,
	version, created_at, updated_at`

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var t domain.Ticket
	err := row.Scan(
		&t.ID, &t.Status, &t.Amount, &t.Phone, &t.Email, &t.GatewayRequestID,
		&t.ReceiptNumber, &t.PaidAmount, &t.PaidPhone, &t.PaidAt,
		&t.EmailSent, &t.EmailAttempts, &t.LastEmailError, &t.LastError,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *PostgresRepository) GetTicket(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id = $1`
	return scanTicket(r.db.QueryRow(ctx, query, ticketID))
}

// FindTicketByGatewayRequest resolves a webhook's CheckoutRequestID back to
// its ticket. Only the latest push for a ticket matches; callbacks for a
// superseded request id resolve to nothing and are audited as unknown.
func (r *PostgresRepository) FindTicketByGatewayRequest(ctx context.Context, gatewayRequestID string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE gateway_request_id = $1`
	return scanTicket(r.db.QueryRow(ctx, query, gatewayRequestID))
}

func (r *PostgresRepository) SavePaymentContact(ctx context.Context, ticketID, phone string, email *string) error {
	query := `UPDATE tickets
		SET phone = $2, email = COALESCE($3, email), version = version + 1, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, ticketID, phone, email)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTicketNotFound
	}
	return nil
}

func (r *PostgresRepository) TransitionStatus(ctx context.Context, ticketID string, from []domain.TicketStatus, to domain.TicketStatus) (bool, error) {
	fromStrings := make([]string, 0, len(from))
	for _, s := range from {
		fromStrings = append(fromStrings, string(s))
	}
	query := `UPDATE tickets
		SET status = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`
	tag, err := r.db.Exec(ctx, query, ticketID, string(to), fromStrings)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) SetGatewayRequest(ctx context.Context, ticketID, gatewayRequestID string) error {
	query := `UPDATE tickets
		SET gateway_request_id = $2, status = 'push_sent', last_error = NULL,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status <> 'confirmed'`
	tag, err := r.db.Exec(ctx, query, ticketID, gatewayRequestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *PostgresRepository) RecordInitiationFailure(ctx context.Context, ticketID, detail string) error {
	query := `UPDATE tickets
		SET status = 'failed', last_error = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status <> 'confirmed'`
	_, err := r.db.Exec(ctx, query, ticketID, detail)
	return err
}

// ConfirmTicket is the linchpin write: the status guard makes confirmation
// first-writer-wins, and confirmed is terminal so receipt fields can never be
// overwritten once set.
func (r *PostgresRepository) ConfirmTicket(ctx context.Context, ticketID string, receipt ReceiptFields) (bool, error) {
	query := `UPDATE tickets
		SET status = 'confirmed',
		    receipt_number = $2, paid_amount = $3, paid_phone = $4, paid_at = $5,
		    last_error = NULL, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status <> 'confirmed'`
	paidAt := receipt.PaidAt
	if paidAt == nil {
		now := time.Now().UTC()
		paidAt = &now
	}
	tag, err := r.db.Exec(ctx, query, ticketID, receipt.ReceiptNumber, receipt.Amount, receipt.Phone, paidAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) FailTicket(ctx context.Context, ticketID, detail string) (bool, error) {
	query := `UPDATE tickets
		SET status = 'failed', last_error = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('confirmed', 'failed')`
	tag, err := r.db.Exec(ctx, query, ticketID, detail)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkEmailSent backs the dispatch guard with a genuine conditional write
// rather than a read-then-write, so racing dispatchers cannot both record
// the flip.
func (r *PostgresRepository) MarkEmailSent(ctx context.Context, ticketID string) (bool, error) {
	query := `UPDATE tickets
		SET email_sent = TRUE, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'confirmed' AND email_sent = FALSE`
	tag, err := r.db.Exec(ctx, query, ticketID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) RecordEmailAttempt(ctx context.Context, ticketID string, deliveryErr *string) error {
	query := `UPDATE tickets
		SET email_attempts = email_attempts + 1, last_email_error = $2,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, ticketID, deliveryErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTicketNotFound
	}
	return nil
}

func (r *PostgresRepository) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	query := `INSERT INTO ticket_audit (id, ticket_id, kind, source, outcome, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Exec(ctx, query,
		entry.ID, entry.TicketID, string(entry.Kind), entry.Source,
		string(entry.Outcome), entry.Detail, entry.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) ListAudit(ctx context.Context, ticketID string) ([]domain.AuditEntry, error) {
	query := `SELECT id, ticket_id, kind, source, outcome, detail, created_at
		FROM ticket_audit WHERE ticket_id = $1 ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TicketID, &e.Kind, &e.Source, &e.Outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) ListStalePushSent(ctx context.Context, cutoff time.Time, limit int) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets
		WHERE status = 'push_sent' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}
