package risk

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cryptopay/psp_core/internal/models"
)

// Level classifies the blended risk score.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Input carries the invoice attributes the engine scores.
type Input struct {
	FiatAmount     decimal.Decimal
	FiatCurrency   string
	CryptoCurrency string
}

// Evidence records which rules fired, kept on the verdict for audit and for
// diffing against a future external provider.
type Evidence struct {
	AssetRecognized bool   `json:"assetRecognized"`
	AssetRule       string `json:"assetRule"`
	AmountTier      string `json:"amountTier"`
	AmountRisk      int    `json:"amountRisk"`
	CurrencyPenalty int    `json:"currencyPenalty"`
	Provider        string `json:"provider"`
}

// Verdict is the engine's classification of an invoice.
type Verdict struct {
	RiskScore      int                `json:"riskScore"`
	AssetRiskScore int                `json:"assetRiskScore"`
	Level          Level              `json:"level"`
	Status         models.AmlStatus   `json:"status"`
	AssetStatus    models.AssetStatus `json:"assetStatus"`
	Flagged        bool               `json:"flagged"`
	Evidence       Evidence           `json:"evidence"`
}

// AmountTier maps a minimum fiat amount to an amount-risk score.
// Tiers are evaluated highest threshold first.
type AmountTier struct {
	Min   decimal.Decimal
	Score int
	Label string
}

// DefaultAmountTiers is the standard threshold table.
func DefaultAmountTiers() []AmountTier {
	return []AmountTier{
		{Min: decimal.NewFromInt(10000), Score: 85, Label: ">=10000"},
		{Min: decimal.NewFromInt(3000), Score: 45, Label: "[3000,10000)"},
		{Min: decimal.NewFromInt(1000), Score: 20, Label: "[1000,3000)"},
		{Min: decimal.Zero, Score: 5, Label: "<1000"},
	}
}

// Score weights and adjustments.
const (
	assetWeight     = 0.4
	amountWeight    = 0.6
	currencyPenalty = 5

	cleanAssetScore      = 10
	suspiciousAssetScore = 40
)

// Config controls the engine's allow-lists and threshold table. Zero values
// fall back to the defaults.
type Config struct {
	// AssetAllowlist holds crypto currencies considered low-risk (e.g. USDT).
	AssetAllowlist []string
	// FiatAllowlist holds fiat currencies that carry no penalty (e.g. USD).
	FiatAllowlist []string
	// AmountTiers overrides the threshold table, highest threshold first.
	AmountTiers []AmountTier
}

// Engine is a pure, deterministic risk scorer. It never fails: unrecognized
// or malformed inputs degrade to the conservative higher-risk branch.
type Engine struct {
	assets map[string]bool
	fiats  map[string]bool
	tiers  []AmountTier
}

// NewEngine constructs an Engine from config, applying defaults where unset.
func NewEngine(cfg Config) *Engine {
	assets := cfg.AssetAllowlist
	if len(assets) == 0 {
		assets = []string{"USDT", "USDC"}
	}
	fiats := cfg.FiatAllowlist
	if len(fiats) == 0 {
		fiats = []string{"USD", "EUR", "CHF"}
	}
	tiers := cfg.AmountTiers
	if len(tiers) == 0 {
		tiers = DefaultAmountTiers()
	}
	return &Engine{
		assets: toSet(assets),
		fiats:  toSet(fiats),
		tiers:  tiers,
	}
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return set
}

// Check scores an invoice:
//
//  1. asset cleanliness (allow-listed asset vs unrecognized),
//  2. amount-tier risk,
//  3. blend riskScore = round(asset*0.4 + amount*0.6),
//  4. +5 if the fiat currency is outside the allow-list,
//  5. clamp to [0,100] and map to level/status.
func (e *Engine) Check(in Input) *Verdict {
	ev := Evidence{Provider: ProviderInternal}

	asset := strings.ToUpper(strings.TrimSpace(in.CryptoCurrency))
	assetScore := suspiciousAssetScore
	assetStatus := models.AssetSuspicious
	if e.assets[asset] {
		assetScore = cleanAssetScore
		assetStatus = models.AssetClean
		ev.AssetRecognized = true
		ev.AssetRule = "allowlisted asset " + asset
	} else {
		ev.AssetRule = "unrecognized asset " + asset
	}

	amountScore := 0
	for _, tier := range e.tiers {
		if in.FiatAmount.GreaterThanOrEqual(tier.Min) {
			amountScore = tier.Score
			ev.AmountTier = tier.Label
			break
		}
	}
	ev.AmountRisk = amountScore

	score := int(math.Round(float64(assetScore)*assetWeight + float64(amountScore)*amountWeight))

	fiat := strings.ToUpper(strings.TrimSpace(in.FiatCurrency))
	if !e.fiats[fiat] {
		score += currencyPenalty
		ev.CurrencyPenalty = currencyPenalty
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	level, status := classify(score)
	return &Verdict{
		RiskScore:      score,
		AssetRiskScore: assetScore,
		Level:          level,
		Status:         status,
		AssetStatus:    assetStatus,
		Flagged:        level != LevelLow,
		Evidence:       ev,
	}
}

func classify(score int) (Level, models.AmlStatus) {
	switch {
	case score >= 70:
		return LevelHigh, models.AmlRisky
	case score >= 30:
		return LevelMedium, models.AmlWarning
	default:
		return LevelLow, models.AmlClean
	}
}
