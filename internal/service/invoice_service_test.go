package service_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptopay/psp_core/internal/models"
	"github.com/cryptopay/psp_core/internal/repository"
	"github.com/cryptopay/psp_core/internal/risk"
	"github.com/cryptopay/psp_core/internal/service"
	"github.com/cryptopay/psp_core/internal/utils"
)

// fakeInvoiceStore is an in-memory InvoiceStore mirroring the repository's
// transactional semantics: state changes and their outbox rows land together.
type fakeInvoiceStore struct {
	invoices map[string]*models.Invoice
	events   []*models.WebhookEvent
}

func newFakeInvoiceStore() *fakeInvoiceStore {
	return &fakeInvoiceStore{invoices: make(map[string]*models.Invoice)}
}

func (f *fakeInvoiceStore) Create(_ context.Context, inv *models.Invoice, ev *models.WebhookEvent) error {
	cp := *inv
	f.invoices[inv.ID] = &cp
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeInvoiceStore) GetByID(_ context.Context, id string) (*models.Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return nil, utils.ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeInvoiceStore) List(_ context.Context, filter repository.InvoiceFilter) ([]models.Invoice, int, error) {
	var out []models.Invoice
	for _, inv := range f.invoices {
		if filter.Status != nil && inv.Status != *filter.Status {
			continue
		}
		out = append(out, *inv)
	}
	return out, len(out), nil
}

func (f *fakeInvoiceStore) Transition(_ context.Context, id string, target models.InvoiceStatus, build repository.EventBuilder) (*models.Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return nil, utils.ErrInvoiceNotFound
	}
	if inv.Status.Terminal() {
		return nil, utils.ErrInvalidTransition
	}
	inv.Status = target
	ev, err := build(inv)
	if err != nil {
		return nil, err
	}
	f.events = append(f.events, ev)
	cp := *inv
	return &cp, nil
}

func (f *fakeInvoiceStore) AttachTransaction(_ context.Context, id, txHash string, network, walletAddress *string) (*models.Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return nil, utils.ErrInvoiceNotFound
	}
	inv.TxHash = &txHash
	if network != nil {
		inv.Network = network
	}
	if walletAddress != nil {
		inv.WalletAddress = walletAddress
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeInvoiceStore) UpdateRisk(_ context.Context, id string, patch repository.RiskPatch, build repository.EventBuilder) (*models.Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return nil, utils.ErrInvoiceNotFound
	}
	if patch.RiskScore != nil {
		inv.RiskScore = patch.RiskScore
	}
	if patch.AmlStatus != nil {
		inv.AmlStatus = patch.AmlStatus
	}
	if patch.AssetRiskScore != nil {
		inv.AssetRiskScore = patch.AssetRiskScore
	}
	if patch.AssetStatus != nil {
		inv.AssetStatus = patch.AssetStatus
	}
	ev, err := build(inv)
	if err != nil {
		return nil, err
	}
	f.events = append(f.events, ev)
	cp := *inv
	return &cp, nil
}

func (f *fakeInvoiceStore) ListExpiredWaiting(_ context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	for id, inv := range f.invoices {
		if inv.Status == models.InvoiceWaiting && !inv.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func newTestService(store *fakeInvoiceStore) *service.InvoiceService {
	engine := risk.NewEngine(risk.Config{})
	svc := service.NewInvoiceService(store, risk.NewInternalProvider(engine), nil, 15*time.Minute, "https://pay.example.com")
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return fixed })
	invSeq, evSeq := 0, 0
	svc.SetIDGenerators(
		func() string { invSeq++; return fmt.Sprintf("inv_%04d", invSeq) },
		func() string { evSeq++; return fmt.Sprintf("evt_%04d", evSeq) },
	)
	return svc
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     service.CreateInvoiceRequest
		wantErr error
	}{
		{"zero amount", service.CreateInvoiceRequest{FiatAmount: decimal.Zero, FiatCurrency: "EUR", CryptoCurrency: "USDT"}, utils.ErrInvalidAmount},
		{"negative amount", service.CreateInvoiceRequest{FiatAmount: decimal.NewFromInt(-5), FiatCurrency: "EUR", CryptoCurrency: "USDT"}, utils.ErrInvalidAmount},
		{"short fiat code", service.CreateInvoiceRequest{FiatAmount: decimal.NewFromInt(100), FiatCurrency: "EU", CryptoCurrency: "USDT"}, utils.ErrInvalidCurrency},
		{"numeric fiat code", service.CreateInvoiceRequest{FiatAmount: decimal.NewFromInt(100), FiatCurrency: "E42", CryptoCurrency: "USDT"}, utils.ErrInvalidCurrency},
		{"empty crypto", service.CreateInvoiceRequest{FiatAmount: decimal.NewFromInt(100), FiatCurrency: "EUR", CryptoCurrency: "  "}, utils.ErrInvalidCurrency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(newFakeInvoiceStore())
			_, err := svc.Create(context.Background(), &tt.req)
			if err != tt.wantErr {
				t.Fatalf("Create() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateIssuesWaitingInvoice(t *testing.T) {
	store := newFakeInvoiceStore()
	svc := newTestService(store)

	inv, err := svc.Create(context.Background(), &service.CreateInvoiceRequest{
		FiatAmount:     decimal.NewFromInt(1500),
		FiatCurrency:   "eur",
		CryptoCurrency: "usdt",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if inv.Status != models.InvoiceWaiting {
		t.Fatalf("status = %s, want waiting", inv.Status)
	}
	if inv.FiatCurrency != "EUR" || inv.CryptoCurrency != "USDT" {
		t.Fatalf("currencies not normalized: %s / %s", inv.FiatCurrency, inv.CryptoCurrency)
	}
	if got, want := inv.ExpiresAt.Sub(inv.CreatedAt), 15*time.Minute; got != want {
		t.Fatalf("validity window = %v, want %v", got, want)
	}
	if want := "https://pay.example.com/open/pay/inv_0001"; inv.PaymentURL != want {
		t.Fatalf("paymentUrl = %q, want %q", inv.PaymentURL, want)
	}

	// Scored at creation: 1500 EUR in USDT blends to 16 / clean.
	if inv.RiskScore == nil || *inv.RiskScore != 16 {
		t.Fatalf("riskScore = %v, want 16", inv.RiskScore)
	}
	if inv.AmlStatus == nil || *inv.AmlStatus != models.AmlClean {
		t.Fatalf("amlStatus = %v, want clean", inv.AmlStatus)
	}

	if len(store.events) != 1 {
		t.Fatalf("events enqueued = %d, want 1", len(store.events))
	}
	ev := store.events[0]
	if ev.EventType != models.EventInvoiceCreated || ev.Status != models.EventPending {
		t.Fatalf("event = %s/%s, want invoice.created/pending", ev.EventType, ev.Status)
	}
	if ev.InvoiceID != inv.ID {
		t.Fatalf("event invoiceId = %s, want %s", ev.InvoiceID, inv.ID)
	}
}

func TestCreateDegradesWhenProviderFails(t *testing.T) {
	store := newFakeInvoiceStore()
	svc := service.NewInvoiceService(store, &risk.ExternalProvider{}, nil, 15*time.Minute, "https://pay.example.com")

	inv, err := svc.Create(context.Background(), &service.CreateInvoiceRequest{
		FiatAmount:     decimal.NewFromInt(100),
		FiatCurrency:   "USD",
		CryptoCurrency: "USDC",
	})
	if err != nil {
		t.Fatalf("Create() error = %v, want invoice issued despite provider failure", err)
	}
	if inv.RiskScore != nil || inv.AmlStatus != nil {
		t.Fatal("risk fields must stay empty when the provider is unavailable")
	}
	if len(store.events) != 1 || store.events[0].EventType != models.EventInvoiceCreated {
		t.Fatal("invoice.created must still be enqueued")
	}
}

func TestTransitionIsOneWay(t *testing.T) {
	store := newFakeInvoiceStore()
	svc := newTestService(store)

	inv, err := svc.Create(context.Background(), &service.CreateInvoiceRequest{
		FiatAmount:     decimal.NewFromInt(100),
		FiatCurrency:   "USD",
		CryptoCurrency: "USDT",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	confirmed, err := svc.Transition(context.Background(), inv.ID, models.InvoiceConfirmed)
	if err != nil {
		t.Fatalf("confirm error = %v", err)
	}
	if confirmed.Status != models.InvoiceConfirmed {
		t.Fatalf("status = %s, want confirmed", confirmed.Status)
	}

	// Terminal states refuse further transitions, even repeats.
	for _, target := range []models.InvoiceStatus{models.InvoiceExpired, models.InvoiceRejected, models.InvoiceConfirmed} {
		if _, err := svc.Transition(context.Background(), inv.ID, target); err != utils.ErrInvalidTransition {
			t.Fatalf("transition to %s after confirm: error = %v, want ErrInvalidTransition", target, err)
		}
	}

	if _, err := svc.Transition(context.Background(), inv.ID, models.InvoiceWaiting); err != utils.ErrInvalidTransition {
		t.Fatalf("waiting is not a transition target: error = %v", err)
	}
	if _, err := svc.Transition(context.Background(), "inv_missing", models.InvoiceConfirmed); err != utils.ErrInvoiceNotFound {
		t.Fatalf("unknown invoice: error = %v, want ErrInvoiceNotFound", err)
	}

	var types []string
	for _, ev := range store.events {
		types = append(types, ev.EventType)
	}
	if got, want := strings.Join(types, ","), "invoice.created,invoice.confirmed"; got != want {
		t.Fatalf("event types = %s, want %s", got, want)
	}
}

func TestAttachTransaction(t *testing.T) {
	store := newFakeInvoiceStore()
	svc := newTestService(store)

	inv, err := svc.Create(context.Background(), &service.CreateInvoiceRequest{
		FiatAmount:     decimal.NewFromInt(100),
		FiatCurrency:   "USD",
		CryptoCurrency: "USDT",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := svc.AttachTransaction(context.Background(), inv.ID, "", nil, nil); err != utils.ErrMissingTxHash {
		t.Fatalf("empty txHash: error = %v, want ErrMissingTxHash", err)
	}

	network := "TRC20"
	updated, err := svc.AttachTransaction(context.Background(), inv.ID, "0xabc123", &network, nil)
	if err != nil {
		t.Fatalf("AttachTransaction() error = %v", err)
	}
	if updated.TxHash == nil || *updated.TxHash != "0xabc123" {
		t.Fatalf("txHash = %v, want 0xabc123", updated.TxHash)
	}
	if updated.Network == nil || *updated.Network != "TRC20" {
		t.Fatalf("network = %v, want TRC20", updated.Network)
	}
	if updated.Status != models.InvoiceWaiting {
		t.Fatalf("chain attachment must not change status, got %s", updated.Status)
	}

	// Only invoice.created so far; attachment itself does not notify.
	if len(store.events) != 1 {
		t.Fatalf("events = %d, want 1", len(store.events))
	}
}

func TestEventPayloadIsSnapshot(t *testing.T) {
	store := newFakeInvoiceStore()
	svc := newTestService(store)

	inv, err := svc.Create(context.Background(), &service.CreateInvoiceRequest{
		FiatAmount:     decimal.NewFromInt(100),
		FiatCurrency:   "USD",
		CryptoCurrency: "USDT",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := svc.AttachTransaction(context.Background(), inv.ID, "0xdeadbeef", nil, nil); err != nil {
		t.Fatalf("AttachTransaction() error = %v", err)
	}

	created := store.events[0]
	if strings.Contains(string(created.Payload), "0xdeadbeef") {
		t.Fatal("invoice.created payload must not reflect mutations made after enqueue")
	}
}

func TestUpdateRisk(t *testing.T) {
	store := newFakeInvoiceStore()
	svc := newTestService(store)

	inv, err := svc.Create(context.Background(), &service.CreateInvoiceRequest{
		FiatAmount:     decimal.NewFromInt(100),
		FiatCurrency:   "USD",
		CryptoCurrency: "USDT",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	bad := 150
	if _, err := svc.UpdateRisk(context.Background(), inv.ID, repository.RiskPatch{RiskScore: &bad}); err != utils.ErrInvalidRiskScore {
		t.Fatalf("out-of-range score: error = %v, want ErrInvalidRiskScore", err)
	}

	score := 88
	status := models.AmlRisky
	updated, err := svc.UpdateRisk(context.Background(), inv.ID, repository.RiskPatch{RiskScore: &score, AmlStatus: &status})
	if err != nil {
		t.Fatalf("UpdateRisk() error = %v", err)
	}
	if updated.RiskScore == nil || *updated.RiskScore != 88 {
		t.Fatalf("riskScore = %v, want 88", updated.RiskScore)
	}
	// Partial patch: the asset fields from creation survive.
	if updated.AssetStatus == nil || *updated.AssetStatus != models.AssetClean {
		t.Fatalf("assetStatus = %v, want clean preserved", updated.AssetStatus)
	}

	last := store.events[len(store.events)-1]
	if last.EventType != models.EventInvoiceAmlUpdated {
		t.Fatalf("last event = %s, want invoice.aml_updated", last.EventType)
	}
}

func TestRunRiskCheckWritesVerdictBack(t *testing.T) {
	store := newFakeInvoiceStore()
	svc := newTestService(store)

	inv, err := svc.Create(context.Background(), &service.CreateInvoiceRequest{
		FiatAmount:     decimal.NewFromInt(12000),
		FiatCurrency:   "EUR",
		CryptoCurrency: "DOGE",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, verdict, err := svc.RunRiskCheck(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("RunRiskCheck() error = %v", err)
	}
	if verdict.RiskScore != 67 || verdict.Level != risk.LevelMedium {
		t.Fatalf("verdict = %d/%s, want 67/medium", verdict.RiskScore, verdict.Level)
	}
	if updated.RiskScore == nil || *updated.RiskScore != verdict.RiskScore {
		t.Fatalf("invoice riskScore = %v, want %d", updated.RiskScore, verdict.RiskScore)
	}
	if updated.AmlStatus == nil || *updated.AmlStatus != models.AmlWarning {
		t.Fatalf("amlStatus = %v, want warning", updated.AmlStatus)
	}

	last := store.events[len(store.events)-1]
	if last.EventType != models.EventInvoiceAmlUpdated {
		t.Fatalf("last event = %s, want invoice.aml_updated", last.EventType)
	}
}

func TestExpireDue(t *testing.T) {
	store := newFakeInvoiceStore()
	svc := newTestService(store)

	for i := 0; i < 2; i++ {
		if _, err := svc.Create(context.Background(), &service.CreateInvoiceRequest{
			FiatAmount:     decimal.NewFromInt(100),
			FiatCurrency:   "USD",
			CryptoCurrency: "USDT",
		}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	confirmed, err := svc.Create(context.Background(), &service.CreateInvoiceRequest{
		FiatAmount:     decimal.NewFromInt(100),
		FiatCurrency:   "USD",
		CryptoCurrency: "USDT",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := svc.Transition(context.Background(), confirmed.ID, models.InvoiceConfirmed); err != nil {
		t.Fatalf("confirm error = %v", err)
	}

	// Move the clock past every validity window.
	svc.SetClock(func() time.Time { return time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC) })

	expired, err := svc.ExpireDue(context.Background(), 100)
	if err != nil {
		t.Fatalf("ExpireDue() error = %v", err)
	}
	if expired != 2 {
		t.Fatalf("expired = %d, want 2", expired)
	}

	got, err := svc.Get(context.Background(), confirmed.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.InvoiceConfirmed {
		t.Fatalf("confirmed invoice must not expire, got %s", got.Status)
	}
}
