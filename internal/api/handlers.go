package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mikuai/internal/auth"
	"mikuai/internal/events"
	"mikuai/internal/export"
	"mikuai/internal/models"
	"mikuai/internal/service/history"
	"mikuai/internal/service/persona"
	"mikuai/internal/worker"
)

const heartbeatInterval = 25 * time.Second

// SessionManager is the part of worker.Manager the HTTP layer drives.
type SessionManager interface {
	CreateSession(ctx context.Context, name string) (*models.ChatSession, error)
	ListSessions(ctx context.Context) ([]models.ChatSession, error)
	Session(ctx context.Context, sessionID int64) (*models.ChatSession, error)
	Messages(ctx context.Context, sessionID int64) ([]*models.Message, error)
	RenameSession(ctx context.Context, sessionID int64, name string) error
	DeleteSession(ctx context.Context, sessionID int64) error
	Send(ctx context.Context, sessionID int64, text string) (*models.Message, error)
	State(ctx context.Context, sessionID int64) (worker.SessionState, error)
	Listen(ctx context.Context) error
	Listening(ctx context.Context) (bool, error)
}

// Handler wires HTTP routes to the session manager and streams its events.
type Handler struct {
	sessions  SessionManager
	hub       *events.Hub
	guard     *auth.Guard
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(sessions SessionManager, hub *events.Hub, guard *auth.Guard, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard == nil {
		guard = auth.NewGuard("")
	}
	return &Handler{
		sessions:  sessions,
		hub:       hub,
		guard:     guard,
		logger:    logger,
		heartbeat: heartbeatInterval,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/health", h.health)

	protected := api.Group("")
	protected.Use(h.guard.Middleware(), h.guard.CSRFMiddleware())
	protected.GET("/sessions", h.listSessions)
	protected.POST("/sessions", h.createSession)
	protected.PATCH("/sessions/:id", h.renameSession)
	protected.DELETE("/sessions/:id", h.deleteSession)
	protected.GET("/sessions/:id/messages", h.getMessages)
	protected.POST("/sessions/:id/messages", h.sendMessage)
	protected.GET("/sessions/:id/state", h.sessionState)
	protected.GET("/sessions/:id/export", h.exportSession)
	protected.POST("/voice", h.startVoice)
	protected.GET("/events", h.streamEvents)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "event_subscribers": h.hub.Subscribers()})
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.sessions.ListSessions(c.Request.Context())
	if err != nil {
		h.logger.Warn("list sessions failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"sessions": make([]models.ChatSession, 0),
			"error":    err.Error(),
		})
		return
	}
	if sessions == nil {
		sessions = make([]models.ChatSession, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type sessionRequest struct {
	Name string `json:"name"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req sessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	session, err := h.sessions.CreateSession(c.Request.Context(), req.Name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) renameSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.sessions.RenameSession(c.Request.Context(), sessionID, req.Name); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	if err := h.sessions.DeleteSession(c.Request.Context(), sessionID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getMessages(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	msgs, err := h.sessions.Messages(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Warn("load messages failed", zap.Int64("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"messages": make([]*models.Message, 0),
			"error":    err.Error(),
		})
		return
	}
	if msgs == nil {
		msgs = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type messageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := h.sessions.Send(c.Request.Context(), sessionID, req.Content)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": msg})
}

func (h *Handler) sessionState(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	st, err := h.sessions.State(ctx, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	listening, err := h.sessions.Listening(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := gin.H{"session_id": sessionID, "state": st.String(), "listening": listening}
	if st == worker.AwaitingResponse {
		resp["placeholder"] = persona.Thinking
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) exportSession(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	exporter, err := export.NewExporter(c.DefaultQuery("format", "md"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	session, err := h.sessions.Session(ctx, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	msgs, err := h.sessions.Messages(ctx, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	transcript := &export.Transcript{Session: *session, Messages: msgs}
	c.Header("Content-Type", exporter.ContentType())
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(transcript, exporter)))
	c.Status(http.StatusOK)
	if err := exporter.Export(transcript, c.Writer); err != nil {
		h.logger.Error("export session failed", zap.Int64("session_id", sessionID), zap.Error(err))
	}
}

func (h *Handler) startVoice(c *gin.Context) {
	if err := h.sessions.Listen(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "listening"})
}

func (h *Handler) streamEvents(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	sub := h.hub.Subscribe()
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if err := sendEvent(ev.Type, ev); err != nil {
				h.logger.Debug("event stream closed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func sessionIDParam(c *gin.Context) (int64, bool) {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return sessionID, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, worker.ErrEmptyMessage), errors.Is(err, history.ErrEmptyName):
		return http.StatusBadRequest
	case models.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, worker.ErrBackendUnavailable),
		errors.Is(err, worker.ErrSpeechUnavailable),
		errors.Is(err, worker.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
