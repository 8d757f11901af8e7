package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cryptopay/psp_core/internal/service"
)

const expiryBatchSize = 100

// ExpiryWorker transitions waiting invoices past their validity window to
// expired, which appends the usual invoice.expired outbox row.
type ExpiryWorker struct {
	invoiceService *service.InvoiceService
	interval       time.Duration
}

// NewExpiryWorker constructs an ExpiryWorker.
func NewExpiryWorker(invoiceService *service.InvoiceService, interval time.Duration) *ExpiryWorker {
	return &ExpiryWorker{
		invoiceService: invoiceService,
		interval:       interval,
	}
}

// Start begins the expiry loop and listens for context cancellation.
// A zero interval disables the worker.
func (w *ExpiryWorker) Start(ctx context.Context) {
	if w.interval <= 0 {
		log.Info().Msg("Expiry worker disabled")
		return
	}
	log.Info().Dur("interval", w.interval).Msg("Starting expiry worker")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.run(ctx)
		case <-ctx.Done():
			log.Info().Msg("Expiry worker stopped")
			return
		}
	}
}

func (w *ExpiryWorker) run(ctx context.Context) {
	expired, err := w.invoiceService.ExpireDue(ctx, expiryBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to expire due invoices")
		return
	}
	if expired > 0 {
		log.Info().Int("expired", expired).Msg("Expired overdue invoices")
	}
}
