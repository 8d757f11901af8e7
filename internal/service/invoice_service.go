package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/cryptopay/psp_core/internal/cache"
	"github.com/cryptopay/psp_core/internal/models"
	"github.com/cryptopay/psp_core/internal/repository"
	"github.com/cryptopay/psp_core/internal/risk"
	"github.com/cryptopay/psp_core/internal/utils"
)

// InvoiceStore is the persistence collaborator for invoices. Implemented by
// repository.InvoiceRepository; tests substitute an in-memory fake.
type InvoiceStore interface {
	Create(ctx context.Context, inv *models.Invoice, ev *models.WebhookEvent) error
	GetByID(ctx context.Context, id string) (*models.Invoice, error)
	List(ctx context.Context, filter repository.InvoiceFilter) ([]models.Invoice, int, error)
	Transition(ctx context.Context, id string, target models.InvoiceStatus, build repository.EventBuilder) (*models.Invoice, error)
	AttachTransaction(ctx context.Context, id, txHash string, network, walletAddress *string) (*models.Invoice, error)
	UpdateRisk(ctx context.Context, id string, patch repository.RiskPatch, build repository.EventBuilder) (*models.Invoice, error)
	ListExpiredWaiting(ctx context.Context, now time.Time, limit int) ([]string, error)
}

var currencyCodeRe = regexp.MustCompile(`^[A-Z]{3}$`)

// InvoiceService owns the invoice lifecycle: creation, status transitions,
// chain attachment, and risk updates. Every lifecycle change appends one
// outbox row for the webhook dispatcher.
type InvoiceService struct {
	store        InvoiceStore
	riskProvider risk.Provider
	riskCache    *cache.RiskCache

	ttl            time.Duration
	paymentBaseURL string

	// injected for tests
	now          func() time.Time
	newInvoiceID func() string
	newEventID   func() string
}

// NewInvoiceService constructs an InvoiceService. riskCache may be nil to
// run without Redis (tests, minimal deployments).
func NewInvoiceService(store InvoiceStore, riskProvider risk.Provider, riskCache *cache.RiskCache, ttl time.Duration, paymentBaseURL string) *InvoiceService {
	return &InvoiceService{
		store:          store,
		riskProvider:   riskProvider,
		riskCache:      riskCache,
		ttl:            ttl,
		paymentBaseURL: paymentBaseURL,
		now:            time.Now,
		newInvoiceID:   utils.NewInvoiceID,
		newEventID:     utils.NewEventID,
	}
}

// SetClock overrides the time source, used by tests.
func (s *InvoiceService) SetClock(now func() time.Time) { s.now = now }

// SetIDGenerators overrides the id sources, used by tests.
func (s *InvoiceService) SetIDGenerators(invoiceID, eventID func() string) {
	s.newInvoiceID = invoiceID
	s.newEventID = eventID
}

// CreateInvoiceRequest carries the POST /v1/invoices body.
type CreateInvoiceRequest struct {
	FiatAmount     decimal.Decimal `json:"fiatAmount"`
	FiatCurrency   string          `json:"fiatCurrency"`
	CryptoCurrency string          `json:"cryptoCurrency"`
	MerchantID     *string         `json:"merchantId,omitempty"`
}

// Create validates the request, issues a waiting invoice with a bounded
// validity window, scores it, and enqueues invoice.created.
// The crypto amount mirrors the fiat amount 1:1 until real pricing lands.
func (s *InvoiceService) Create(ctx context.Context, req *CreateInvoiceRequest) (*models.Invoice, error) {
	if !req.FiatAmount.IsPositive() {
		return nil, utils.ErrInvalidAmount
	}
	fiat := normalizeCurrency(req.FiatCurrency)
	if !currencyCodeRe.MatchString(fiat) {
		return nil, utils.ErrInvalidCurrency
	}
	asset := normalizeCurrency(req.CryptoCurrency)
	if asset == "" {
		return nil, utils.ErrInvalidCurrency
	}

	now := s.now().UTC()
	inv := &models.Invoice{
		ID:             s.newInvoiceID(),
		MerchantID:     req.MerchantID,
		FiatAmount:     req.FiatAmount,
		FiatCurrency:   fiat,
		CryptoAmount:   req.FiatAmount,
		CryptoCurrency: asset,
		Status:         models.InvoiceWaiting,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
		UpdatedAt:      now,
	}
	inv.PaymentURL = fmt.Sprintf("%s/open/pay/%s", s.paymentBaseURL, inv.ID)

	// Score at creation. A provider failure leaves the risk fields empty
	// rather than blocking invoice issuance; the check can be re-run later.
	verdict, err := s.riskProvider.Check(ctx, risk.ExternalInput{Input: risk.Input{
		FiatAmount:     inv.FiatAmount,
		FiatCurrency:   inv.FiatCurrency,
		CryptoCurrency: inv.CryptoCurrency,
	}})
	if err != nil {
		log.Warn().Err(err).Str("invoice_id", inv.ID).Msg("risk check failed at creation")
	} else {
		applyVerdict(inv, verdict)
	}

	ev, err := s.buildEvent(inv, models.EventInvoiceCreated)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, inv, ev); err != nil {
		return nil, err
	}

	if verdict != nil {
		s.cacheVerdict(ctx, inv.ID, verdict)
	}

	log.Info().
		Str("invoice_id", inv.ID).
		Str("fiat", inv.FiatCurrency).
		Str("amount", inv.FiatAmount.String()).
		Msg("invoice created")
	return inv, nil
}

// Get returns an invoice by id.
func (s *InvoiceService) Get(ctx context.Context, id string) (*models.Invoice, error) {
	return s.store.GetByID(ctx, id)
}

// List returns invoices matching the filter, newest first, with the total count.
func (s *InvoiceService) List(ctx context.Context, filter repository.InvoiceFilter) ([]models.Invoice, int, error) {
	return s.store.List(ctx, filter)
}

// Transition moves a waiting invoice to a terminal status and appends the
// matching outbox row. Transitioning an invoice that already left waiting
// fails with utils.ErrInvalidTransition; transitions are never undone.
func (s *InvoiceService) Transition(ctx context.Context, id string, target models.InvoiceStatus) (*models.Invoice, error) {
	if !target.ValidTarget() {
		return nil, utils.ErrInvalidTransition
	}
	inv, err := s.store.Transition(ctx, id, target, func(updated *models.Invoice) (*models.WebhookEvent, error) {
		return s.buildEvent(updated, "invoice."+string(target))
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("invoice_id", id).Str("status", string(target)).Msg("invoice transitioned")
	return inv, nil
}

// AttachTransaction records the payer-reported on-chain transaction.
// txHash is required; network and walletAddress merge as a partial patch.
// Chain attachment never changes the invoice status.
func (s *InvoiceService) AttachTransaction(ctx context.Context, id, txHash string, network, walletAddress *string) (*models.Invoice, error) {
	if txHash == "" {
		return nil, utils.ErrMissingTxHash
	}
	return s.store.AttachTransaction(ctx, id, txHash, network, walletAddress)
}

// UpdateRisk merges manually supplied risk fields into an invoice and
// appends invoice.aml_updated. Fields may be overwritten any number of times.
func (s *InvoiceService) UpdateRisk(ctx context.Context, id string, patch repository.RiskPatch) (*models.Invoice, error) {
	if patch.RiskScore != nil && (*patch.RiskScore < 0 || *patch.RiskScore > 100) {
		return nil, utils.ErrInvalidRiskScore
	}
	inv, err := s.store.UpdateRisk(ctx, id, patch, func(updated *models.Invoice) (*models.WebhookEvent, error) {
		return s.buildEvent(updated, models.EventInvoiceAmlUpdated)
	})
	if err != nil {
		return nil, err
	}
	if s.riskCache != nil {
		if err := s.riskCache.Invalidate(ctx, id); err != nil {
			log.Warn().Err(err).Str("invoice_id", id).Msg("failed to invalidate risk cache")
		}
	}
	return inv, nil
}

// RunRiskCheck re-scores an invoice against its current snapshot, writes the
// verdict back, and returns it together with the updated invoice.
func (s *InvoiceService) RunRiskCheck(ctx context.Context, id string) (*models.Invoice, *risk.Verdict, error) {
	inv, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	in := risk.ExternalInput{Input: risk.Input{
		FiatAmount:     inv.FiatAmount,
		FiatCurrency:   inv.FiatCurrency,
		CryptoCurrency: inv.CryptoCurrency,
	}}
	if inv.Network != nil {
		in.Network = *inv.Network
	}
	if inv.WalletAddress != nil {
		in.WalletAddress = *inv.WalletAddress
	}
	if inv.TxHash != nil {
		in.TxHash = *inv.TxHash
	}

	verdict, err := s.riskProvider.Check(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	patch := repository.RiskPatch{
		RiskScore:      &verdict.RiskScore,
		AmlStatus:      &verdict.Status,
		AssetRiskScore: &verdict.AssetRiskScore,
		AssetStatus:    &verdict.AssetStatus,
	}
	updated, err := s.store.UpdateRisk(ctx, id, patch, func(after *models.Invoice) (*models.WebhookEvent, error) {
		return s.buildEvent(after, models.EventInvoiceAmlUpdated)
	})
	if err != nil {
		return nil, nil, err
	}

	s.cacheVerdict(ctx, id, verdict)
	log.Info().
		Str("invoice_id", id).
		Int("risk_score", verdict.RiskScore).
		Str("level", string(verdict.Level)).
		Bool("flagged", verdict.Flagged).
		Msg("risk check completed")
	return updated, verdict, nil
}

// ExpireDue transitions waiting invoices whose validity window has passed.
// Returns how many invoices were expired. Races with a concurrent confirm
// surface as ErrInvalidTransition and are skipped.
func (s *InvoiceService) ExpireDue(ctx context.Context, limit int) (int, error) {
	ids, err := s.store.ListExpiredWaiting(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		if _, err := s.Transition(ctx, id, models.InvoiceExpired); err != nil {
			if err == utils.ErrInvalidTransition || err == utils.ErrInvoiceNotFound {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// buildEvent snapshots the invoice into a pending outbox row. The payload is
// captured here and never re-read at dispatch time, so later invoice
// mutations cannot change what was promised.
func (s *InvoiceService) buildEvent(inv *models.Invoice, eventType string) (*models.WebhookEvent, error) {
	payload, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot invoice %s: %w", inv.ID, err)
	}
	return &models.WebhookEvent{
		ID:        s.newEventID(),
		InvoiceID: inv.ID,
		EventType: eventType,
		Payload:   payload,
		Status:    models.EventPending,
		CreatedAt: s.now().UTC(),
	}, nil
}

func (s *InvoiceService) cacheVerdict(ctx context.Context, invoiceID string, v *risk.Verdict) {
	if s.riskCache == nil {
		return
	}
	if err := s.riskCache.Set(ctx, invoiceID, v); err != nil {
		log.Warn().Err(err).Str("invoice_id", invoiceID).Msg("failed to cache risk verdict")
	}
}

func applyVerdict(inv *models.Invoice, v *risk.Verdict) {
	inv.RiskScore = &v.RiskScore
	inv.AmlStatus = &v.Status
	inv.AssetRiskScore = &v.AssetRiskScore
	inv.AssetStatus = &v.AssetStatus
}

func normalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
