package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cryptopay/psp_core/internal/models"
)

// WebhookRepository provides access to the webhook_events outbox table.
type WebhookRepository struct {
	db *sqlx.DB
}

// NewWebhookRepository creates a new WebhookRepository.
func NewWebhookRepository(db *sqlx.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// insertEvent inserts one outbox row. Shared with InvoiceRepository so state
// changes can write their row inside the same transaction.
func insertEvent(ctx context.Context, ext sqlx.ExtContext, ev *models.WebhookEvent) error {
	const q = `
        INSERT INTO webhook_events (
            id, invoice_id, event_type, payload, status, retry_count, last_attempt_at, created_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8
        )`
	_, err := ext.ExecContext(ctx, q,
		ev.ID, ev.InvoiceID, ev.EventType, ev.Payload, ev.Status, ev.RetryCount, ev.LastAttemptAt, ev.CreatedAt,
	)
	return err
}

// Enqueue records a notification intent as a durable pending row.
func (r *WebhookRepository) Enqueue(ctx context.Context, ev *models.WebhookEvent) error {
	return insertEvent(ctx, r.db, ev)
}

// ListByInvoice returns all outbox rows for an invoice, newest first.
func (r *WebhookRepository) ListByInvoice(ctx context.Context, invoiceID string) ([]models.WebhookEvent, error) {
	const q = `
        SELECT * FROM webhook_events
        WHERE invoice_id = $1
        ORDER BY created_at DESC`
	var events []models.WebhookEvent
	if err := r.db.SelectContext(ctx, &events, q, invoiceID); err != nil {
		return nil, err
	}
	return events, nil
}

// ListPending returns pending rows oldest first, so delivery order follows
// creation order. An empty invoiceID selects across all invoices (used by
// the dispatch worker). The listing itself takes no locks; WebhookService
// serializes drains within the process.
func (r *WebhookRepository) ListPending(ctx context.Context, invoiceID string, limit int) ([]models.WebhookEvent, error) {
	q := `
        SELECT * FROM webhook_events
        WHERE status = 'pending'`
	args := []interface{}{}
	if invoiceID != "" {
		q += ` AND invoice_id = $1`
		args = append(args, invoiceID)
	}
	q += ` ORDER BY created_at ASC`
	if limit > 0 {
		args = append(args, limit)
		if invoiceID != "" {
			q += ` LIMIT $2`
		} else {
			q += ` LIMIT $1`
		}
	}

	var events []models.WebhookEvent
	if err := r.db.SelectContext(ctx, &events, q, args...); err != nil {
		return nil, err
	}
	return events, nil
}

// MarkAttempt records the outcome of one delivery attempt.
func (r *WebhookRepository) MarkAttempt(ctx context.Context, id string, status models.WebhookEventStatus, retryCount int, attemptedAt time.Time) error {
	const q = `
        UPDATE webhook_events SET
            status = $2,
            retry_count = $3,
            last_attempt_at = $4
        WHERE id = $1`
	_, err := r.db.ExecContext(ctx, q, id, status, retryCount, attemptedAt)
	return err
}
