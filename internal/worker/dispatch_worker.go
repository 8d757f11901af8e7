package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cryptopay/psp_core/internal/service"
)

// DispatchWorker drains pending webhook outbox rows on a fixed interval.
// Dispatch itself stays synchronous; this worker is only the cron that the
// outbox design leaves to the caller.
type DispatchWorker struct {
	webhookService *service.WebhookService
	interval       time.Duration
}

// NewDispatchWorker constructs a DispatchWorker.
func NewDispatchWorker(webhookService *service.WebhookService, interval time.Duration) *DispatchWorker {
	return &DispatchWorker{
		webhookService: webhookService,
		interval:       interval,
	}
}

// Start begins the drain loop and listens for context cancellation.
// A zero interval disables the worker.
func (w *DispatchWorker) Start(ctx context.Context) {
	if w.interval <= 0 {
		log.Info().Msg("Dispatch worker disabled")
		return
	}
	log.Info().Dur("interval", w.interval).Msg("Starting dispatch worker")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.run(ctx)
		case <-ctx.Done():
			log.Info().Msg("Dispatch worker stopped")
			return
		}
	}
}

func (w *DispatchWorker) run(ctx context.Context) {
	if _, err := w.webhookService.DispatchAllPending(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to dispatch pending webhooks")
	}
}
