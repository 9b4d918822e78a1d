package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/rblinton/logistics-system/internal/application/ops"
	"github.com/rblinton/logistics-system/internal/interfaces/http/middleware"
)

// LoadHandler handles load recording HTTP requests
type LoadHandler struct {
	BaseHandler
	service *ops.OperationService
}

// NewLoadHandler creates a new load handler
func NewLoadHandler(service *ops.OperationService) *LoadHandler {
	return &LoadHandler{service: service}
}

// RegisterRoutes registers load routes
func (h *LoadHandler) RegisterRoutes(rg *gin.RouterGroup) {
	loads := rg.Group("/loads")
	{
		loads.POST("", h.Create)
		loads.POST("/:number/assign", h.Assign)
		loads.POST("/:number/complete", h.Complete)
	}
}

// CreateLoadRequest opens a load's ledger account
type CreateLoadRequest struct {
	SiteCode   string `json:"site_code" binding:"required"`
	LoadNumber string `json:"load_number" binding:"required"`
	Customer   string `json:"customer" binding:"required"`
	Currency   string `json:"currency" binding:"required,len=3"`
	Origin     string `json:"origin"`
	Dest       string `json:"dest"`
}

// AssignLoadRequest books the carrier rate against a load
type AssignLoadRequest struct {
	SiteCode          string          `json:"site_code" binding:"required"`
	CarrierAccountKey string          `json:"carrier_account_key" binding:"required"`
	Rate              decimal.Decimal `json:"rate" binding:"required"`
	Currency          string          `json:"currency" binding:"required,len=3"`
}

// CompleteLoadRequest settles the freight charge on delivery
type CompleteLoadRequest struct {
	SiteCode           string          `json:"site_code" binding:"required"`
	CustomerAccountKey string          `json:"customer_account_key" binding:"required"`
	Charge             decimal.Decimal `json:"charge" binding:"required"`
	Currency           string          `json:"currency" binding:"required,len=3"`
}

// RecordResultResponse reports how an operation was recorded
type RecordResultResponse struct {
	ID string `json:"id"`
	// Buffered is true when the ledger was unreachable and the operation
	// was queued for the sync engine
	Buffered bool `json:"buffered"`
	// Replaced is true when the business key already had a reference
	// mapping and it was overwritten
	Replaced bool `json:"replaced"`
}

func toRecordResultResponse(r *ops.RecordResult) RecordResultResponse {
	return RecordResultResponse{
		ID:       r.ID.String(),
		Buffered: r.Buffered,
		Replaced: r.Replaced,
	}
}

// Create godoc
// @Summary      Record a new load
// @Description  Open the ledger account tracking a load's receivable
// @Tags         loads
// @Accept       json
// @Produce      json
// @Router       /loads [post]
func (h *LoadHandler) Create(c *gin.Context) {
	var req CreateLoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	result, err := h.service.RecordLoadCreated(c.Request.Context(), ops.LoadCreatedCommand{
		SiteCode:   req.SiteCode,
		LoadNumber: req.LoadNumber,
		Customer:   req.Customer,
		Currency:   req.Currency,
		Origin:     req.Origin,
		Dest:       req.Dest,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.respondRecorded(c, result)
}

// Assign godoc
// @Summary      Record a carrier assignment
// @Description  Book the agreed carrier rate as a transfer against the load
// @Tags         loads
// @Accept       json
// @Produce      json
// @Router       /loads/{number}/assign [post]
func (h *LoadHandler) Assign(c *gin.Context) {
	var req AssignLoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	result, err := h.service.RecordLoadAssigned(c.Request.Context(), ops.LoadAssignedCommand{
		SiteCode:          req.SiteCode,
		LoadNumber:        c.Param("number"),
		CarrierAccountKey: req.CarrierAccountKey,
		Rate:              req.Rate,
		Currency:          req.Currency,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.respondRecorded(c, result)
}

// Complete godoc
// @Summary      Record a load completion
// @Description  Settle the freight charge against the customer's account
// @Tags         loads
// @Accept       json
// @Produce      json
// @Router       /loads/{number}/complete [post]
func (h *LoadHandler) Complete(c *gin.Context) {
	var req CompleteLoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	result, err := h.service.RecordLoadCompleted(c.Request.Context(), ops.LoadCompletedCommand{
		SiteCode:           req.SiteCode,
		LoadNumber:         c.Param("number"),
		CustomerAccountKey: req.CustomerAccountKey,
		Charge:             req.Charge,
		Currency:           req.Currency,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.respondRecorded(c, result)
}

// respondRecorded answers 201 for an online apply and 202 when the
// operation was buffered for later delivery
func (h *LoadHandler) respondRecorded(c *gin.Context, result *ops.RecordResult) {
	if result.Buffered {
		h.Accepted(c, toRecordResultResponse(result))
		return
	}
	h.Created(c, toRecordResultResponse(result))
}
