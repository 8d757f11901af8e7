package repository_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/cryptopay/psp_core/internal/models"
	"github.com/cryptopay/psp_core/internal/repository"
	"github.com/cryptopay/psp_core/internal/utils"
)

// testDB connects to the database named by TEST_DATABASE_URL and applies the
// migrations. Tests are skipped when the variable is unset so the suite runs
// without infrastructure.
func testDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	m, err := migrate.New("file://../../migrations", dsn)
	if err != nil {
		t.Fatalf("migrate init: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("migrate up: %v", err)
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		db.MustExec("DELETE FROM webhook_events")
		db.MustExec("DELETE FROM invoices")
		db.Close()
	})
	return db
}

func waitingInvoice() *models.Invoice {
	now := time.Now().UTC().Truncate(time.Microsecond)
	inv := &models.Invoice{
		ID:             utils.NewInvoiceID(),
		FiatAmount:     decimal.NewFromInt(1500),
		FiatCurrency:   "EUR",
		CryptoAmount:   decimal.NewFromInt(1500),
		CryptoCurrency: "USDT",
		Status:         models.InvoiceWaiting,
		CreatedAt:      now,
		ExpiresAt:      now.Add(15 * time.Minute),
		UpdatedAt:      now,
	}
	inv.PaymentURL = "https://pay.example.com/open/pay/" + inv.ID
	return inv
}

func TestCreatePersistsRiskFields(t *testing.T) {
	db := testDB(t)
	repo := repository.NewInvoiceRepository(db)

	score, assetScore := 16, 10
	aml := models.AmlClean
	asset := models.AssetClean

	inv := waitingInvoice()
	inv.RiskScore = &score
	inv.AmlStatus = &aml
	inv.AssetRiskScore = &assetScore
	inv.AssetStatus = &asset

	if err := repo.Create(context.Background(), inv, nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// The stored row must carry the verdict written at creation, not NULLs.
	got, err := repo.GetByID(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.RiskScore == nil || *got.RiskScore != score {
		t.Fatalf("stored riskScore = %v, want %d", got.RiskScore, score)
	}
	if got.AmlStatus == nil || *got.AmlStatus != aml {
		t.Fatalf("stored amlStatus = %v, want %s", got.AmlStatus, aml)
	}
	if got.AssetRiskScore == nil || *got.AssetRiskScore != assetScore {
		t.Fatalf("stored assetRiskScore = %v, want %d", got.AssetRiskScore, assetScore)
	}
	if got.AssetStatus == nil || *got.AssetStatus != asset {
		t.Fatalf("stored assetStatus = %v, want %s", got.AssetStatus, asset)
	}
	if got.Status != models.InvoiceWaiting {
		t.Fatalf("stored status = %s, want waiting", got.Status)
	}
}

func TestTransitionWritesOutboxRow(t *testing.T) {
	db := testDB(t)
	invoices := repository.NewInvoiceRepository(db)
	webhooks := repository.NewWebhookRepository(db)

	inv := waitingInvoice()
	if err := invoices.Create(context.Background(), inv, nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := invoices.Transition(context.Background(), inv.ID, models.InvoiceConfirmed, func(after *models.Invoice) (*models.WebhookEvent, error) {
		return &models.WebhookEvent{
			ID:        utils.NewEventID(),
			InvoiceID: after.ID,
			EventType: models.EventInvoiceConfirmed,
			Payload:   []byte(`{}`),
			Status:    models.EventPending,
			CreatedAt: time.Now().UTC(),
		}, nil
	})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if updated.Status != models.InvoiceConfirmed {
		t.Fatalf("status = %s, want confirmed", updated.Status)
	}

	events, err := webhooks.ListByInvoice(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("ListByInvoice() error = %v", err)
	}
	if len(events) != 1 || events[0].EventType != models.EventInvoiceConfirmed {
		t.Fatalf("events = %+v, want one invoice.confirmed row", events)
	}

	// Terminal rows refuse further transitions.
	if _, err := invoices.Transition(context.Background(), inv.ID, models.InvoiceExpired, nil); err != utils.ErrInvalidTransition {
		t.Fatalf("second transition error = %v, want ErrInvalidTransition", err)
	}
}
