package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cryptopay/psp_core/internal/models"
	"github.com/cryptopay/psp_core/internal/utils"
)

// EventStore is the persistence collaborator for the webhook outbox.
// Implemented by repository.WebhookRepository; tests substitute an
// in-memory fake.
type EventStore interface {
	Enqueue(ctx context.Context, ev *models.WebhookEvent) error
	ListByInvoice(ctx context.Context, invoiceID string) ([]models.WebhookEvent, error)
	ListPending(ctx context.Context, invoiceID string, limit int) ([]models.WebhookEvent, error)
	MarkAttempt(ctx context.Context, id string, status models.WebhookEventStatus, retryCount int, attemptedAt time.Time) error
}

// DispatchResult aggregates one drain of pending outbox rows.
type DispatchResult struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// webhookEnvelope is the body POSTed to the merchant's delivery target.
type webhookEnvelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	InvoiceID string          `json:"invoiceId"`
	Payload   json.RawMessage `json:"payload"`
}

const dispatchBatchSize = 100

// WebhookService drains the outbox: it signs and POSTs pending rows to the
// configured delivery target and records the outcome per row. Without a
// target it runs in local/dev mode where every attempt trivially succeeds.
//
// Delivery is at-least-once: a row stays pending until a 2xx response, and
// retryCount grows with every attempt regardless of outcome. There is no
// backoff schedule or retry cap; the caller (HTTP endpoint or worker)
// decides when to dispatch again.
type WebhookService struct {
	events    EventStore
	targetURL string
	secret    string

	httpClient *http.Client
	now        func() time.Time
	newEventID func() string

	// Serializes drains within the process so retryCount bookkeeping never
	// races on the same row.
	mu sync.Mutex
}

// NewWebhookService constructs a WebhookService. An empty targetURL enables
// the local/dev fallback mode.
func NewWebhookService(events EventStore, targetURL, secret string, sendTimeout time.Duration) *WebhookService {
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	return &WebhookService{
		events:    events,
		targetURL: targetURL,
		secret:    secret,
		httpClient: &http.Client{
			Timeout: sendTimeout,
		},
		now:        time.Now,
		newEventID: utils.NewEventID,
	}
}

// SetClock overrides the time source, used by tests.
func (s *WebhookService) SetClock(now func() time.Time) { s.now = now }

// Enqueue records a notification intent for an invoice. The payload is
// serialized immediately so later mutations never change what is delivered.
func (s *WebhookService) Enqueue(ctx context.Context, invoiceID, eventType string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	ev := &models.WebhookEvent{
		ID:        s.newEventID(),
		InvoiceID: invoiceID,
		EventType: eventType,
		Payload:   body,
		Status:    models.EventPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.events.Enqueue(ctx, ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// ListForInvoice returns an invoice's outbox rows, newest first.
func (s *WebhookService) ListForInvoice(ctx context.Context, invoiceID string) ([]models.WebhookEvent, error) {
	return s.events.ListByInvoice(ctx, invoiceID)
}

// DispatchPending drains the pending rows for one invoice, oldest first,
// one POST attempt per row. Individual delivery failures are recorded on the
// row and reflected in the result; only a storage fault aborts the drain.
func (s *WebhookService) DispatchPending(ctx context.Context, invoiceID string) (*DispatchResult, error) {
	return s.dispatch(ctx, invoiceID)
}

// DispatchAllPending drains pending rows across all invoices. Used by the
// dispatch worker.
func (s *WebhookService) DispatchAllPending(ctx context.Context) (*DispatchResult, error) {
	return s.dispatch(ctx, "")
}

func (s *WebhookService) dispatch(ctx context.Context, invoiceID string) (*DispatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &DispatchResult{}

	// Failed rows stay pending and reappear in the next listing, so the drain
	// tracks what it already attempted and widens the listing window until the
	// whole backlog has been seen: one POST per row per call.
	attempted := make(map[string]bool)
	limit := dispatchBatchSize

	for {
		pending, err := s.events.ListPending(ctx, invoiceID, limit)
		if err != nil {
			return nil, err
		}

		for i := range pending {
			ev := &pending[i]
			if attempted[ev.ID] {
				continue
			}
			attempted[ev.ID] = true
			result.Processed++

			// A failed attempt keeps the row pending so a later dispatch retries it.
			status := models.EventPending
			if s.deliver(ctx, ev) {
				status = models.EventSent
				result.Sent++
			} else {
				result.Failed++
			}
			attemptedAt := s.now().UTC()

			if err := s.events.MarkAttempt(ctx, ev.ID, status, ev.RetryCount+1, attemptedAt); err != nil {
				return result, fmt.Errorf("failed to record delivery attempt for %s: %w", ev.ID, err)
			}
		}

		if len(pending) < limit {
			break
		}
		limit += dispatchBatchSize
	}

	if result.Processed > 0 {
		log.Info().
			Int("processed", result.Processed).
			Int("sent", result.Sent).
			Int("failed", result.Failed).
			Msg("webhook dispatch completed")
	}
	return result, nil
}

// deliver makes a single POST attempt for one outbox row. Any non-2xx
// response or transport error counts as a failure. With no delivery target
// configured the attempt trivially succeeds (local/dev mode).
func (s *WebhookService) deliver(ctx context.Context, ev *models.WebhookEvent) bool {
	if s.targetURL == "" {
		return true
	}

	body, err := json.Marshal(webhookEnvelope{
		ID:        ev.ID,
		EventType: ev.EventType,
		InvoiceID: ev.InvoiceID,
		Payload:   ev.Payload,
	})
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to build webhook envelope")
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.targetURL, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to create webhook request")
		return false
	}
	for k, v := range utils.SignatureHeaders(body, s.now().Unix(), s.secret) {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Psp-Event", ev.EventType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("event_id", ev.ID).Msg("webhook delivery failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn().
			Int("status", resp.StatusCode).
			Str("event_id", ev.ID).
			Str("event_type", ev.EventType).
			Msg("webhook delivery rejected")
		return false
	}
	return true
}
