package models

import (
	"encoding/json"
	"time"
)

type WebhookEventStatus string

const (
	// EventPending means the row has not been delivered yet. Failed attempts
	// keep the row pending so a later dispatch call retries it.
	EventPending WebhookEventStatus = "pending"
	EventSent    WebhookEventStatus = "sent"
	// EventFailed is reserved for rows that can never be delivered,
	// e.g. an unserializable payload. A rejected POST does not use it.
	EventFailed WebhookEventStatus = "failed"
)

// Event types appended by invoice lifecycle transitions.
const (
	EventInvoiceCreated    = "invoice.created"
	EventInvoiceConfirmed  = "invoice.confirmed"
	EventInvoiceExpired    = "invoice.expired"
	EventInvoiceRejected   = "invoice.rejected"
	EventInvoiceAmlUpdated = "invoice.aml_updated"
)

// WebhookEvent is one outbox row: a notification intent recorded alongside
// the state change that caused it. Payload is the invoice snapshot captured
// at enqueue time and is never re-read at dispatch time.
type WebhookEvent struct {
	ID            string             `db:"id" json:"id"`
	InvoiceID     string             `db:"invoice_id" json:"invoiceId"`
	EventType     string             `db:"event_type" json:"eventType"`
	Payload       json.RawMessage    `db:"payload" json:"payload"`
	Status        WebhookEventStatus `db:"status" json:"status"`
	RetryCount    int                `db:"retry_count" json:"retryCount"`
	LastAttemptAt *time.Time         `db:"last_attempt_at" json:"lastAttemptAt,omitempty"`
	CreatedAt     time.Time          `db:"created_at" json:"createdAt"`
}
