package api

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"tutorgo/internal/auth"
	"tutorgo/internal/models"
	"tutorgo/internal/realtime"
	"tutorgo/internal/relay"
	"tutorgo/internal/service/tutor"
)

// Handler wires HTTP routes to the relay pipeline and the tutor service.
type Handler struct {
	relay      *relay.Service
	store      *tutor.Service
	auth       *auth.Service
	hub        *realtime.Hub
	uploadsDir string
}

// NewHandler constructs a Handler instance.
func NewHandler(relaySvc *relay.Service, store *tutor.Service, authSvc *auth.Service, hub *realtime.Hub, uploadsDir string) *Handler {
	return &Handler{
		relay:      relaySvc,
		store:      store,
		auth:       authSvc,
		hub:        hub,
		uploadsDir: uploadsDir,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	fn := router.Group("/functions/v1")
	fn.Any("/chat-webhook", h.chatWebhook)
	authMW := h.auth.Middleware()
	fn.Any("/n8n-proxy", authMW, h.n8nProxy)
	fn.Any("/reminders", authMW, h.reminders)

	api := router.Group("/api")
	api.Use(authMW)
	api.GET("/conversations", h.listConversations)
	api.GET("/conversations/:id/messages", h.conversationMessages)
	api.GET("/profile", h.getProfile)
	api.PUT("/profile/tutor", h.updateTutorSettings)

	router.GET("/ws", h.serveWS)
	if h.uploadsDir != "" {
		router.Static("/storage/chat-files", h.uploadsDir)
	}
}

// corsMiddleware sends the permissive headers the web client expects and
// answers preflight requests with a bare 200 "ok".
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
		if c.Request.Method == http.MethodOptions {
			c.String(http.StatusOK, "ok")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (h *Handler) chatWebhook(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed. Use POST."})
		return
	}

	var req relay.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.relay.Send(c.Request.Context(), req)
	if err != nil {
		h.writeRelayError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) n8nProxy(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed. Use POST."})
		return
	}
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message is required"})
		return
	}

	raw, err := h.relay.Forward(c.Request.Context(), userID, req.Message)
	if err != nil {
		h.writeRelayError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (h *Handler) writeRelayError(c *gin.Context, err error) {
	status := relay.HTTPStatus(err)
	body := gin.H{"error": relay.PublicMessage(err)}
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("relay request failed")
		body["details"] = err.Error()
	}
	c.JSON(status, body)
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return "", false
	}
	return userID, true
}

// reminders serves the reminder CRUD surface on a single route, selecting
// the operation by method.
func (h *Handler) reminders(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	switch c.Request.Method {
	case http.MethodGet:
		h.listReminders(c, userID)
	case http.MethodPost:
		h.createReminder(c, userID)
	case http.MethodPut:
		h.updateReminder(c, userID)
	case http.MethodDelete:
		h.deleteReminder(c, userID)
	default:
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	}
}

func (h *Handler) listReminders(c *gin.Context, userID string) {
	reminders, err := h.store.ListReminders(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if reminders == nil {
		reminders = []models.Reminder{}
	}
	c.JSON(http.StatusOK, reminders)
}

type reminderRequest struct {
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	RemindAt       time.Time `json:"remind_at"`
	IsRecurring    bool      `json:"is_recurring"`
	RecurrenceRule string    `json:"recurrence_rule"`
}

func (h *Handler) createReminder(c *gin.Context, userID string) {
	var req reminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	rem, err := h.store.CreateReminder(c.Request.Context(), models.Reminder{
		UserID:         userID,
		Title:          req.Title,
		Description:    req.Description,
		RemindAt:       req.RemindAt,
		IsRecurring:    req.IsRecurring,
		RecurrenceRule: req.RecurrenceRule,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rem)
}

func (h *Handler) updateReminder(c *gin.Context, userID string) {
	reminderID := c.Query("id")
	if reminderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reminder id is required"})
		return
	}
	var req reminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	rem := models.Reminder{
		ID:             reminderID,
		UserID:         userID,
		Title:          req.Title,
		Description:    req.Description,
		RemindAt:       req.RemindAt,
		IsRecurring:    req.IsRecurring,
		RecurrenceRule: req.RecurrenceRule,
	}
	if err := h.store.UpdateReminder(c.Request.Context(), rem); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "reminder not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rem)
}

func (h *Handler) deleteReminder(c *gin.Context, userID string) {
	reminderID := c.Query("id")
	if reminderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reminder id is required"})
		return
	}
	if err := h.store.DeleteReminder(c.Request.Context(), userID, reminderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "reminder not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversations, err := h.store.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *Handler) conversationMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID := c.Param("id")
	if _, err := h.store.GetConversation(c.Request.Context(), userID, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	messages, err := h.store.ListMessages(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) getProfile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	profile, err := h.store.GetProfile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not provisioned"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) updateTutorSettings(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		TutorName      string `json:"tutor_name"`
		TutorGender    string `json:"tutor_gender"`
		TutorAvatarURL string `json:"tutor_avatar_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.store.UpdateTutorSettings(c.Request.Context(), userID, req.TutorName, req.TutorGender, req.TutorAvatarURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not provisioned"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) serveWS(c *gin.Context) {
	realtime.ServeWS(h.hub, c.Writer, c.Request)
}
