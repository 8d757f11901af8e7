package utils

import "errors"

// Common application errors used across services.
var (
	ErrInvalidAmount       = errors.New("INVALID_AMOUNT")
	ErrInvalidCurrency     = errors.New("INVALID_CURRENCY")
	ErrMissingTxHash       = errors.New("MISSING_TX_HASH")
	ErrInvoiceNotFound     = errors.New("INVOICE_NOT_FOUND")
	ErrEventNotFound       = errors.New("EVENT_NOT_FOUND")
	ErrInvalidTransition   = errors.New("INVALID_TRANSITION")
	ErrInvalidRiskScore    = errors.New("INVALID_RISK_SCORE")
	ErrProviderUnavailable = errors.New("RISK_PROVIDER_UNAVAILABLE")
)
