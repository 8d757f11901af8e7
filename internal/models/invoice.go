package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceWaiting   InvoiceStatus = "waiting"
	InvoiceConfirmed InvoiceStatus = "confirmed"
	InvoiceExpired   InvoiceStatus = "expired"
	InvoiceRejected  InvoiceStatus = "rejected"
)

// Terminal reports whether no further status transition is allowed.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceConfirmed || s == InvoiceExpired || s == InvoiceRejected
}

// ValidTarget reports whether s is a legal transition target out of waiting.
func (s InvoiceStatus) ValidTarget() bool {
	return s == InvoiceConfirmed || s == InvoiceExpired || s == InvoiceRejected
}

type AmlStatus string

const (
	AmlClean   AmlStatus = "clean"
	AmlWarning AmlStatus = "warning"
	AmlRisky   AmlStatus = "risky"
)

type AssetStatus string

const (
	AssetClean      AssetStatus = "clean"
	AssetSuspicious AssetStatus = "suspicious"
	AssetBlocked    AssetStatus = "blocked"
)

// Invoice is a requested fiat-to-crypto payment with a bounded validity window.
// Chain attachment and risk fields stay NULL until the payer reports a
// transaction or a risk check runs.
type Invoice struct {
	ID             string          `db:"id" json:"id"`
	MerchantID     *string         `db:"merchant_id" json:"merchantId,omitempty"`
	FiatAmount     decimal.Decimal `db:"fiat_amount" json:"fiatAmount"`
	FiatCurrency   string          `db:"fiat_currency" json:"fiatCurrency"`
	CryptoAmount   decimal.Decimal `db:"crypto_amount" json:"cryptoAmount"`
	CryptoCurrency string          `db:"crypto_currency" json:"cryptoCurrency"`
	Status         InvoiceStatus   `db:"status" json:"status"`
	PaymentURL     string          `db:"payment_url" json:"paymentUrl"`

	Network       *string `db:"network" json:"network,omitempty"`
	TxHash        *string `db:"tx_hash" json:"txHash,omitempty"`
	WalletAddress *string `db:"wallet_address" json:"walletAddress,omitempty"`

	RiskScore      *int         `db:"risk_score" json:"riskScore,omitempty"`
	AmlStatus      *AmlStatus   `db:"aml_status" json:"amlStatus,omitempty"`
	AssetRiskScore *int         `db:"asset_risk_score" json:"assetRiskScore,omitempty"`
	AssetStatus    *AssetStatus `db:"asset_status" json:"assetStatus,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
	UpdatedAt time.Time `db:"updated_at" json:"-"`
}
