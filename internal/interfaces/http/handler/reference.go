package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/rblinton/logistics-system/internal/application/ops"
	"github.com/rblinton/logistics-system/internal/domain/ident"
	"github.com/rblinton/logistics-system/internal/interfaces/http/dto"
)

// ReferenceHandler exposes the reference index lookups
type ReferenceHandler struct {
	BaseHandler
	service *ops.OperationService
}

// NewReferenceHandler creates a new reference handler
func NewReferenceHandler(service *ops.OperationService) *ReferenceHandler {
	return &ReferenceHandler{service: service}
}

// RegisterRoutes registers reference index routes
func (h *ReferenceHandler) RegisterRoutes(rg *gin.RouterGroup) {
	refs := rg.Group("/references")
	{
		refs.GET("/:site/:key", h.Resolve)
		refs.GET("/reverse/:id", h.Reverse)
	}
}

// ReferenceResponse maps a site-local business key to its identifier
type ReferenceResponse struct {
	SiteCode   string `json:"site_code"`
	LocalKey   string `json:"local_key"`
	Identifier string `json:"identifier"`
}

// Resolve godoc
// @Summary      Resolve a business key
// @Description  Look up the identifier a site-local business key maps to
// @Tags         references
// @Produce      json
// @Router       /references/{site}/{key} [get]
func (h *ReferenceHandler) Resolve(c *gin.Context) {
	siteCode := c.Param("site")
	localKey := c.Param("key")

	id, err := h.service.ResolveReference(c.Request.Context(), siteCode, localKey)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, ReferenceResponse{
		SiteCode:   siteCode,
		LocalKey:   localKey,
		Identifier: id.String(),
	})
}

// Reverse godoc
// @Summary      Reverse-resolve an identifier
// @Description  Look up the site and business key an identifier was minted for
// @Tags         references
// @Produce      json
// @Router       /references/reverse/{id} [get]
func (h *ReferenceHandler) Reverse(c *gin.Context) {
	id, err := ident.Parse(c.Param("id"))
	if err != nil {
		h.Error(c, dto.GetHTTPStatus(dto.ErrCodeBadRequest), dto.ErrCodeBadRequest, "malformed identifier")
		return
	}

	siteCode, localKey, err := h.service.ReverseReference(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, ReferenceResponse{
		SiteCode:   siteCode,
		LocalKey:   localKey,
		Identifier: id.String(),
	})
}
