package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/rblinton/logistics-system/internal/application/ops"
	"github.com/rblinton/logistics-system/internal/domain/ident"
	"github.com/rblinton/logistics-system/internal/interfaces/http/dto"
	"github.com/rblinton/logistics-system/internal/interfaces/http/middleware"
)

// BufferHandler is the operator surface over the operation buffer
type BufferHandler struct {
	BaseHandler
	service *ops.BufferAdminService
}

// NewBufferHandler creates a new buffer admin handler
func NewBufferHandler(service *ops.BufferAdminService) *BufferHandler {
	return &BufferHandler{service: service}
}

// RegisterRoutes registers buffer admin routes
func (h *BufferHandler) RegisterRoutes(rg *gin.RouterGroup) {
	buf := rg.Group("/buffer")
	{
		buf.GET("/stats", h.Stats)
		buf.GET("/failed", h.ListFailed)
		buf.POST("/failed/:id/retry", h.RetryFailed)
		buf.POST("/failed/retry-all", h.RetryAllFailed)
	}
}

// Stats godoc
// @Summary      Buffer statistics
// @Description  Operation counts by status and pending depth per site
// @Tags         buffer
// @Produce      json
// @Router       /buffer/stats [get]
func (h *BufferHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, stats)
}

// ListFailed godoc
// @Summary      List frozen operations
// @Description  Page through operations that exhausted their delivery attempts or were escalated
// @Tags         buffer
// @Produce      json
// @Router       /buffer/failed [get]
func (h *BufferHandler) ListFailed(c *gin.Context) {
	req := dto.DefaultListRequest()
	if err := c.ShouldBindQuery(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	page, err := h.service.ListFailed(c.Request.Context(), req.Page, req.PageSize)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, page.Items, page.Total, page.Page, page.PageSize)
}

// RetryFailed godoc
// @Summary      Retry a frozen operation
// @Description  Return one frozen operation to the pending queue and wake the sync engine
// @Tags         buffer
// @Produce      json
// @Router       /buffer/failed/{id}/retry [post]
func (h *BufferHandler) RetryFailed(c *gin.Context) {
	id, err := ident.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "malformed operation identifier")
		return
	}

	if err := h.service.RetryFailed(c.Request.Context(), id); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"retried": true})
}

// RetryAllFailed godoc
// @Summary      Retry all frozen operations
// @Description  Return every frozen operation to the pending queue
// @Tags         buffer
// @Produce      json
// @Router       /buffer/failed/retry-all [post]
func (h *BufferHandler) RetryAllFailed(c *gin.Context) {
	count, err := h.service.RetryAllFailed(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"retried": count})
}
