package escrow

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gigvault/escrowd/internal/apperr"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	monitor *Monitor
}

// NewHandler creates a new escrow handler. monitor may be nil, in which case
// the on-demand sweep endpoint is not registered.
func NewHandler(service *Service, monitor *Monitor) *Handler {
	return &Handler{service: service, monitor: monitor}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/user/:userId", h.ListEscrows)
	r.POST("/escrows/:id/lock", h.LockEscrow)
	r.POST("/escrows/:id/deliver", h.DeliverEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	if h.monitor != nil {
		r.POST("/escrows/monitor", h.RunMonitor)
	}
}

// CreateEscrow handles POST /escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body: gig_id, buyer_id, amount and expires_at are required")
		return
	}

	res, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetEscrow handles GET /escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /escrows/user/:userId
//
// Without limit or cursor it returns every escrow of the user. With either,
// it returns one page and the cursor of the next.
func (h *Handler) ListEscrows(c *gin.Context) {
	cursor := c.Query("cursor")
	l := c.Query("limit")
	if cursor == "" && l == "" {
		escrows, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		if escrows == nil {
			escrows = []*Escrow{}
		}
		c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
		return
	}

	limit := 50
	if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
		limit = min(parsed, 200)
	}
	page, err := h.service.ListByUserPage(c.Request.Context(), c.Param("userId"), cursor, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows":     page.Escrows,
		"count":       len(page.Escrows),
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

// LockEscrow handles POST /escrows/:id/lock
func (h *Handler) LockEscrow(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body: tx_hash is required")
		return
	}

	e, err := h.service.Lock(c.Request.Context(), c.Param("id"), req.TxHash)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// DeliverEscrow handles POST /escrows/:id/deliver
func (h *Handler) DeliverEscrow(c *gin.Context) {
	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body: delivery_hash is required")
		return
	}

	e, err := h.service.Deliver(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ReleaseEscrow handles POST /escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body: signature and signer_id are required")
		return
	}

	e, err := h.service.Release(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RefundEscrow handles POST /escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body: signature and signer_id are required")
		return
	}

	e, err := h.service.Refund(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RunMonitor handles POST /escrows/monitor
func (h *Handler) RunMonitor(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sweep": h.monitor.Sweep(c.Request.Context())})
}
