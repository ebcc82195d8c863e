package marketplace

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gigvault/escrowd/internal/apperr"
)

// Handler provides HTTP endpoints for users, gigs and messages.
type Handler struct {
	service *Service
}

// NewHandler creates a new marketplace handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up marketplace routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUser)
	r.GET("/users/:id/gigs", h.ListUserGigs)
	r.GET("/arbiters", h.ListArbiters)

	r.POST("/gigs", h.CreateGig)
	r.GET("/gigs/:id", h.GetGig)

	r.POST("/messages", h.SendMessage)
	r.GET("/messages/user/:userId", h.ListMessages)
}

// CreateUser handles POST /users
func (h *Handler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body: name, wallet_address, role and verification_key are required")
		return
	}

	user, err := h.service.CreateUser(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

// GetUser handles GET /users/:id
func (h *Handler) GetUser(c *gin.Context) {
	user, err := h.service.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// ListUserGigs handles GET /users/:id/gigs
func (h *Handler) ListUserGigs(c *gin.Context) {
	gigs, err := h.service.ListGigsBySeller(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gigs": gigs, "count": len(gigs)})
}

// ListArbiters handles GET /arbiters
func (h *Handler) ListArbiters(c *gin.Context) {
	arbiters, err := h.service.ListArbiters(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbiters": arbiters, "count": len(arbiters)})
}

// CreateGig handles POST /gigs
func (h *Handler) CreateGig(c *gin.Context) {
	var req CreateGigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body: seller_id, title and price are required")
		return
	}

	gig, err := h.service.CreateGig(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"gig": gig})
}

// GetGig handles GET /gigs/:id
func (h *Handler) GetGig(c *gin.Context) {
	gig, err := h.service.GetGig(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gig": gig})
}

// SendMessage handles POST /messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body: sender_id, receiver_id and content are required")
		return
	}

	msg, err := h.service.SendMessage(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ListMessages handles GET /messages/user/:userId
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.service.ListMessages(c.Request.Context(), c.Param("userId"), queryLimit(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}
