package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cryptopay/psp_core/internal/models"
	"github.com/cryptopay/psp_core/internal/repository"
	"github.com/cryptopay/psp_core/internal/service"
	"github.com/cryptopay/psp_core/internal/utils"
)

// InvoiceHandler handles invoice HTTP endpoints.
type InvoiceHandler struct {
	invoiceService *service.InvoiceService
}

// NewInvoiceHandler constructs an InvoiceHandler.
func NewInvoiceHandler(invoiceService *service.InvoiceService) *InvoiceHandler {
	return &InvoiceHandler{invoiceService: invoiceService}
}

// CreateInvoice handles POST /v1/invoices
func (h *InvoiceHandler) CreateInvoice(c *gin.Context) {
	var req service.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, 400, "MISSING_FIELD", "Invalid request body")
		return
	}

	inv, err := h.invoiceService.Create(c.Request.Context(), &req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	utils.Success(c, 201, "Invoice created", inv)
}

// GetInvoice handles GET /v1/invoices/:id
func (h *InvoiceHandler) GetInvoice(c *gin.Context) {
	inv, err := h.invoiceService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	utils.Success(c, 200, "Invoice retrieved", inv)
}

// ListInvoices handles GET /v1/invoices
func (h *InvoiceHandler) ListInvoices(c *gin.Context) {
	filter, ok := parseInvoiceFilter(c)
	if !ok {
		return
	}

	invoices, total, err := h.invoiceService.List(c.Request.Context(), filter)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if invoices == nil {
		invoices = []models.Invoice{}
	}
	utils.SuccessWithPagination(c, 200, "Invoices retrieved", invoices, filter.Limit, filter.Offset, total)
}

// ConfirmInvoice handles POST /v1/invoices/:id/confirm
func (h *InvoiceHandler) ConfirmInvoice(c *gin.Context) {
	h.transition(c, models.InvoiceConfirmed, "Invoice confirmed")
}

// ExpireInvoice handles POST /v1/invoices/:id/expire
func (h *InvoiceHandler) ExpireInvoice(c *gin.Context) {
	h.transition(c, models.InvoiceExpired, "Invoice expired")
}

// RejectInvoice handles POST /v1/invoices/:id/reject
func (h *InvoiceHandler) RejectInvoice(c *gin.Context) {
	h.transition(c, models.InvoiceRejected, "Invoice rejected")
}

func (h *InvoiceHandler) transition(c *gin.Context, target models.InvoiceStatus, message string) {
	inv, err := h.invoiceService.Transition(c.Request.Context(), c.Param("id"), target)
	if err != nil {
		h.handleError(c, err)
		return
	}
	utils.Success(c, 200, message, inv)
}

type attachTransactionRequest struct {
	Network       *string `json:"network"`
	TxHash        string  `json:"txHash"`
	WalletAddress *string `json:"walletAddress"`
}

// AttachTransaction handles POST /v1/invoices/:id/transaction
func (h *InvoiceHandler) AttachTransaction(c *gin.Context) {
	var req attachTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, 400, "MISSING_FIELD", "Invalid request body")
		return
	}

	inv, err := h.invoiceService.AttachTransaction(c.Request.Context(), c.Param("id"), req.TxHash, req.Network, req.WalletAddress)
	if err != nil {
		h.handleError(c, err)
		return
	}
	utils.Success(c, 200, "Transaction attached", inv)
}

type updateAmlRequest struct {
	RiskScore      *int                `json:"riskScore"`
	AmlStatus      *models.AmlStatus   `json:"amlStatus"`
	AssetRiskScore *int                `json:"assetRiskScore"`
	AssetStatus    *models.AssetStatus `json:"assetStatus"`
}

// UpdateAml handles PATCH /v1/invoices/:id/aml
func (h *InvoiceHandler) UpdateAml(c *gin.Context) {
	var req updateAmlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, 400, "MISSING_FIELD", "Invalid request body")
		return
	}
	if req.AmlStatus != nil && !validAmlStatus(*req.AmlStatus) {
		utils.Error(c, 400, "INVALID_AML_STATUS", "amlStatus must be 'clean', 'warning', or 'risky'")
		return
	}
	if req.AssetStatus != nil && !validAssetStatus(*req.AssetStatus) {
		utils.Error(c, 400, "INVALID_ASSET_STATUS", "assetStatus must be 'clean', 'suspicious', or 'blocked'")
		return
	}

	inv, err := h.invoiceService.UpdateRisk(c.Request.Context(), c.Param("id"), repository.RiskPatch{
		RiskScore:      req.RiskScore,
		AmlStatus:      req.AmlStatus,
		AssetRiskScore: req.AssetRiskScore,
		AssetStatus:    req.AssetStatus,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	utils.Success(c, 200, "Risk fields updated", inv)
}

// RunRiskCheck handles POST /v1/invoices/:id/aml/check
func (h *InvoiceHandler) RunRiskCheck(c *gin.Context) {
	inv, verdict, err := h.invoiceService.RunRiskCheck(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	utils.Success(c, 200, "Risk check completed", gin.H{
		"invoice": inv,
		"verdict": verdict,
	})
}

func (h *InvoiceHandler) handleError(c *gin.Context, err error) {
	switch err {
	case utils.ErrInvalidAmount:
		utils.Error(c, 400, "INVALID_AMOUNT", "Fiat amount must be greater than zero")
	case utils.ErrInvalidCurrency:
		utils.Error(c, 400, "INVALID_CURRENCY", "Currency code is malformed")
	case utils.ErrMissingTxHash:
		utils.Error(c, 400, "MISSING_TX_HASH", "txHash is required")
	case utils.ErrInvalidRiskScore:
		utils.Error(c, 400, "INVALID_RISK_SCORE", "riskScore must be between 0 and 100")
	case utils.ErrInvoiceNotFound:
		utils.Error(c, 404, "INVOICE_NOT_FOUND", "Invoice not found")
	case utils.ErrInvalidTransition:
		utils.Error(c, 409, "INVALID_TRANSITION", "Invoice already left the waiting state")
	case utils.ErrProviderUnavailable:
		utils.Error(c, 503, "RISK_PROVIDER_UNAVAILABLE", "Risk provider is not available")
	default:
		utils.Error(c, 500, "INTERNAL_ERROR", "Internal server error")
	}
}

func validAmlStatus(s models.AmlStatus) bool {
	return s == models.AmlClean || s == models.AmlWarning || s == models.AmlRisky
}

func validAssetStatus(s models.AssetStatus) bool {
	return s == models.AssetClean || s == models.AssetSuspicious || s == models.AssetBlocked
}

func parseInvoiceFilter(c *gin.Context) (repository.InvoiceFilter, bool) {
	filter := repository.InvoiceFilter{Limit: 50}

	if v := c.Query("status"); v != "" {
		status := models.InvoiceStatus(v)
		if status != models.InvoiceWaiting && !status.Terminal() {
			utils.Error(c, 400, "INVALID_STATUS", "Unknown invoice status filter")
			return filter, false
		}
		filter.Status = &status
	}
	if v := c.Query("merchantId"); v != "" {
		filter.MerchantID = &v
	}
	if v := c.Query("createdFrom"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			utils.Error(c, 400, "INVALID_DATE", "createdFrom must be RFC3339")
			return filter, false
		}
		filter.CreatedFrom = &t
	}
	if v := c.Query("createdTo"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			utils.Error(c, 400, "INVALID_DATE", "createdTo must be RFC3339")
			return filter, false
		}
		filter.CreatedTo = &t
	}
	if v, ok := parseIntQuery(c, "limit"); ok {
		filter.Limit = v
	}
	if v, ok := parseIntQuery(c, "offset"); ok {
		filter.Offset = v
	}
	return filter, true
}

func parseIntQuery(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
