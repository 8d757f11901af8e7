package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cryptopay/psp_core/internal/models"
	"github.com/cryptopay/psp_core/internal/utils"
)

// EventBuilder produces the outbox row for a state change, given the
// post-change invoice snapshot. Returning a nil event skips the insert.
type EventBuilder func(inv *models.Invoice) (*models.WebhookEvent, error)

// InvoiceRepository handles data access for invoices. State changes that must
// notify the merchant insert their webhook_events row in the same transaction
// (transactional outbox).
type InvoiceRepository struct {
	db *sqlx.DB
}

// NewInvoiceRepository creates a new InvoiceRepository.
func NewInvoiceRepository(db *sqlx.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

const invoiceColumns = `
	id, merchant_id, fiat_amount, fiat_currency, crypto_amount, crypto_currency,
	status, payment_url, network, tx_hash, wallet_address,
	risk_score, aml_status, asset_risk_score, asset_status,
	created_at, expires_at, updated_at`

// Create inserts a new invoice row together with its invoice.created outbox row.
func (r *InvoiceRepository) Create(ctx context.Context, inv *models.Invoice, ev *models.WebhookEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const q = `
        INSERT INTO invoices (
            id, merchant_id, fiat_amount, fiat_currency, crypto_amount, crypto_currency,
            status, payment_url, risk_score, aml_status, asset_risk_score, asset_status,
            created_at, expires_at, updated_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $13
        )`
	if _, err := tx.ExecContext(ctx, q,
		inv.ID, inv.MerchantID, inv.FiatAmount, inv.FiatCurrency, inv.CryptoAmount, inv.CryptoCurrency,
		inv.Status, inv.PaymentURL, inv.RiskScore, inv.AmlStatus, inv.AssetRiskScore, inv.AssetStatus,
		inv.CreatedAt, inv.ExpiresAt,
	); err != nil {
		return err
	}

	if ev != nil {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetByID returns an invoice by id, or utils.ErrInvoiceNotFound.
func (r *InvoiceRepository) GetByID(ctx context.Context, id string) (*models.Invoice, error) {
	const q = `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 LIMIT 1`
	var inv models.Invoice
	if err := r.db.GetContext(ctx, &inv, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, utils.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &inv, nil
}

// InvoiceFilter holds filters and pagination for invoice listings.
type InvoiceFilter struct {
	Status      *models.InvoiceStatus
	MerchantID  *string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Limit       int
	Offset      int
}

// List returns invoices ordered by created_at descending, plus the unpaged
// total for pagination metadata. Pagination is offset-based; no cursor
// stability is guaranteed across concurrent writes.
func (r *InvoiceRepository) List(ctx context.Context, filter InvoiceFilter) ([]models.Invoice, int, error) {
	baseQ := ` FROM invoices WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != nil {
		baseQ += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *filter.Status)
		argIdx++
	}
	if filter.MerchantID != nil && *filter.MerchantID != "" {
		baseQ += fmt.Sprintf(" AND merchant_id = $%d", argIdx)
		args = append(args, *filter.MerchantID)
		argIdx++
	}
	if filter.CreatedFrom != nil {
		baseQ += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filter.CreatedFrom)
		argIdx++
	}
	if filter.CreatedTo != nil {
		baseQ += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *filter.CreatedTo)
		argIdx++
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*)"+baseQ, args...); err != nil {
		return nil, 0, err
	}

	if filter.Limit < 1 {
		filter.Limit = 50
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	selectQ := fmt.Sprintf("SELECT "+invoiceColumns+"%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		baseQ, argIdx, argIdx+1)
	args = append(args, filter.Limit, filter.Offset)

	var invoices []models.Invoice
	if err := r.db.SelectContext(ctx, &invoices, selectQ, args...); err != nil {
		return nil, 0, err
	}
	return invoices, total, nil
}

// Transition moves a waiting invoice to a terminal status and inserts the
// matching outbox row in the same transaction. The row is locked for the
// duration so concurrent transitions on the same invoice serialize.
// Returns utils.ErrInvoiceNotFound for unknown ids and
// utils.ErrInvalidTransition when the invoice already left waiting.
func (r *InvoiceRepository) Transition(ctx context.Context, id string, target models.InvoiceStatus, build EventBuilder) (*models.Invoice, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current models.Invoice
	const lockQ = `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &current, lockQ, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, utils.ErrInvoiceNotFound
		}
		return nil, err
	}
	if current.Status != models.InvoiceWaiting {
		return nil, utils.ErrInvalidTransition
	}

	const updQ = `
        UPDATE invoices SET status = $2, updated_at = NOW()
        WHERE id = $1
        RETURNING ` + invoiceColumns
	var updated models.Invoice
	if err := tx.GetContext(ctx, &updated, updQ, id, target); err != nil {
		return nil, err
	}

	if build != nil {
		ev, err := build(&updated)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			if err := insertEvent(ctx, tx, ev); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &updated, nil
}

// AttachTransaction merges chain attachment fields into an invoice.
// Non-nil inputs overwrite, nil inputs preserve the stored values
// (partial patch). Status is untouched.
func (r *InvoiceRepository) AttachTransaction(ctx context.Context, id, txHash string, network, walletAddress *string) (*models.Invoice, error) {
	const q = `
        UPDATE invoices SET
            tx_hash = $2,
            network = COALESCE($3, network),
            wallet_address = COALESCE($4, wallet_address),
            updated_at = NOW()
        WHERE id = $1
        RETURNING ` + invoiceColumns
	var inv models.Invoice
	if err := r.db.GetContext(ctx, &inv, q, id, txHash, network, walletAddress); err != nil {
		if err == sql.ErrNoRows {
			return nil, utils.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &inv, nil
}

// RiskPatch carries the nullable risk fields for a partial update.
// Nil fields preserve the stored values.
type RiskPatch struct {
	RiskScore      *int
	AmlStatus      *models.AmlStatus
	AssetRiskScore *int
	AssetStatus    *models.AssetStatus
}

// UpdateRisk merges risk fields into an invoice (partial patch) and inserts
// the invoice.aml_updated outbox row in the same transaction. Risk fields may
// be overwritten any number of times, manually or by re-running the engine.
func (r *InvoiceRepository) UpdateRisk(ctx context.Context, id string, patch RiskPatch, build EventBuilder) (*models.Invoice, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	const q = `
        UPDATE invoices SET
            risk_score = COALESCE($2, risk_score),
            aml_status = COALESCE($3, aml_status),
            asset_risk_score = COALESCE($4, asset_risk_score),
            asset_status = COALESCE($5, asset_status),
            updated_at = NOW()
        WHERE id = $1
        RETURNING ` + invoiceColumns
	var inv models.Invoice
	if err := tx.GetContext(ctx, &inv, q, id, patch.RiskScore, patch.AmlStatus, patch.AssetRiskScore, patch.AssetStatus); err != nil {
		if err == sql.ErrNoRows {
			return nil, utils.ErrInvoiceNotFound
		}
		return nil, err
	}

	if build != nil {
		ev, err := build(&inv)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			if err := insertEvent(ctx, tx, ev); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &inv, nil
}

// ListExpiredWaiting returns ids of waiting invoices whose validity window has
// passed. Used by the expiry worker; the actual transition goes through
// Transition so the outbox row is written with the same guarantees.
func (r *InvoiceRepository) ListExpiredWaiting(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const q = `
        SELECT id FROM invoices
        WHERE status = 'waiting' AND expires_at <= $1
        ORDER BY expires_at ASC
        LIMIT $2`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, q, now, limit); err != nil {
		return nil, err
	}
	return ids, nil
}
