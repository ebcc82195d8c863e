package dispute

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gigvault/escrowd/internal/apperr"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/disputes/:id/close", h.CloseDispute)
	r.GET("/disputes/escrow/:escrowId", h.ListByEscrow)
	r.GET("/disputes/open/list", h.ListOpen)
}

// OpenDispute handles POST /disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body: escrow_id, reason and complainant_id are required")
		return
	}

	d, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body: arbiter_id, signature and outcome are required")
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// CloseDispute handles POST /disputes/:id/close
func (h *Handler) CloseDispute(c *gin.Context) {
	d, err := h.service.Close(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListByEscrow handles GET /disputes/escrow/:escrowId
func (h *Handler) ListByEscrow(c *gin.Context) {
	ds, err := h.service.ListByEscrow(c.Request.Context(), c.Param("escrowId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": ds, "count": len(ds)})
}

// ListOpen handles GET /disputes/open/list
//
// Without limit or cursor it returns every open dispute. With either, it
// returns one page and the cursor of the next.
func (h *Handler) ListOpen(c *gin.Context) {
	cursor := c.Query("cursor")
	l := c.Query("limit")
	if cursor == "" && l == "" {
		ds, err := h.service.ListOpen(c.Request.Context())
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"disputes": ds, "count": len(ds)})
		return
	}

	limit := 100
	if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
		limit = min(parsed, 500)
	}
	page, err := h.service.ListOpenPage(c.Request.Context(), cursor, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes":    page.Disputes,
		"count":       len(page.Disputes),
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}
