package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/cryptopay/psp_core/internal/models"
	"github.com/cryptopay/psp_core/internal/service"
	"github.com/cryptopay/psp_core/internal/utils"
)

// WebhookHandler exposes the outbox: listing an invoice's events and
// triggering a dispatch drain on demand.
type WebhookHandler struct {
	webhookService *service.WebhookService
	invoiceService *service.InvoiceService
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(webhookService *service.WebhookService, invoiceService *service.InvoiceService) *WebhookHandler {
	return &WebhookHandler{webhookService: webhookService, invoiceService: invoiceService}
}

// ListEvents handles GET /v1/invoices/:id/webhooks
func (h *WebhookHandler) ListEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.invoiceService.Get(c.Request.Context(), id); err != nil {
		utils.Error(c, 404, "INVOICE_NOT_FOUND", "Invoice not found")
		return
	}

	events, err := h.webhookService.ListForInvoice(c.Request.Context(), id)
	if err != nil {
		utils.Error(c, 500, "INTERNAL_ERROR", "Internal server error")
		return
	}
	if events == nil {
		events = []models.WebhookEvent{}
	}
	utils.Success(c, 200, "Webhook events retrieved", events)
}

// DispatchPending handles POST /v1/invoices/:id/webhooks/dispatch
func (h *WebhookHandler) DispatchPending(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.invoiceService.Get(c.Request.Context(), id); err != nil {
		utils.Error(c, 404, "INVOICE_NOT_FOUND", "Invoice not found")
		return
	}

	result, err := h.webhookService.DispatchPending(c.Request.Context(), id)
	if err != nil {
		utils.Error(c, 500, "INTERNAL_ERROR", "Failed to dispatch pending webhooks")
		return
	}
	utils.Success(c, 200, "Dispatch completed", result)
}
