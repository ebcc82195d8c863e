package notification

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gigvault/escrowd/internal/apperr"
)

// Handler provides HTTP endpoints for notifications.
type Handler struct {
	service *Service
}

// NewHandler creates a new notification handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up notification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/notifications/user/:userId", h.ListForUser)
	r.POST("/notifications/:id/read", h.MarkRead)
	r.POST("/notifications/user/:userId/read-all", h.MarkAllRead)
	r.POST("/notifications/email", h.SendEmail)
	r.POST("/notifications/push", h.SendPush)
}

// EmailRequest is the body of POST /notifications/email.
type EmailRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	Subject string `json:"subject" binding:"required"`
	Message string `json:"message" binding:"required"`
}

// PushRequest is the body of POST /notifications/push.
type PushRequest struct {
	UserID  string         `json:"user_id" binding:"required"`
	Payload map[string]any `json:"payload"`
}

// ListForUser handles GET /notifications/user/:userId?unreadOnly=true&cursor=
func (h *Handler) ListForUser(c *gin.Context) {
	unreadOnly, _ := strconv.ParseBool(c.Query("unreadOnly"))
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 500)
		}
	}

	page, err := h.service.ListForUserPage(c.Request.Context(), c.Param("userId"), unreadOnly, c.Query("cursor"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": page.Notifications,
		"count":         len(page.Notifications),
		"next_cursor":   page.NextCursor,
		"has_more":      page.HasMore,
	})
}

// MarkRead handles POST /notifications/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	if err := h.service.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// MarkAllRead handles POST /notifications/user/:userId/read-all
func (h *Handler) MarkAllRead(c *gin.Context) {
	n, err := h.service.MarkAllRead(c.Request.Context(), c.Param("userId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "marked_count": n})
}

// SendEmail handles POST /notifications/email
func (h *Handler) SendEmail(c *gin.Context) {
	var req EmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body: user_id, subject and message are required")
		return
	}
	n, err := h.service.SendEmail(c.Request.Context(), req.UserID, req.Subject, req.Message)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "notification": n})
}

// SendPush handles POST /notifications/push
func (h *Handler) SendPush(c *gin.Context) {
	var req PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body: user_id is required")
		return
	}
	n, err := h.service.SendPush(c.Request.Context(), req.UserID, req.Payload)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "notification": n})
}
