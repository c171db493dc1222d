package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"rolechat/internal/models"
	"rolechat/internal/run"
	"rolechat/internal/service/ai"
	"rolechat/internal/service/assistant"
	"rolechat/internal/worker"
)

type WorkerManager interface {
	StartSession(ctx context.Context, role string) (*models.Session, bool, error)
	SendMessage(ctx context.Context, role, text string) (*worker.Reply, error)
	EndSession(ctx context.Context, role, threadID string) (*models.Transcript, error)
	CurrentSession(ctx context.Context, role string) (*models.Session, error)
}

type ReadStore interface {
	ListOrdered(ctx context.Context, threadID, role string) ([]*models.Message, error)
	GetTranscript(ctx context.Context, threadID, role string) (*models.Transcript, error)
	GetAnalysis(ctx context.Context, threadID, role string) (*models.Analysis, error)
	Ping(ctx context.Context) error
}

// Handler wires HTTP routes to the role workers and the durable store.
type Handler struct {
	workers WorkerManager
	store   ReadStore
}

// NewHandler constructs a Handler instance.
func NewHandler(workers WorkerManager, store ReadStore) *Handler {
	return &Handler{workers: workers, store: store}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(RequestLogger())
	router.GET("/healthz", h.health)
	router.GET("/start", h.startSession)
	router.POST("/chat", h.chat)
	router.POST("/end_session", h.endSession)

	roles := router.Group("/api/roles/:role")
	roles.GET("/messages", h.listMessages)
	roles.GET("/transcript", h.getTranscript)
	roles.GET("/analysis", h.getAnalysis)
}

func (h *Handler) health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) startSession(c *gin.Context) {
	role := c.Query("role")
	session, created, err := h.workers.StartSession(c.Request.Context(), role)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"thread_id": session.ThreadID, "role": session.Role})
}

type chatRequest struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	reply, err := h.workers.SendMessage(c.Request.Context(), req.Role, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": reply.Text, "thread_id": reply.ThreadID})
}

type endSessionRequest struct {
	Role     string `json:"role"`
	ThreadID string `json:"thread_id"`
}

func (h *Handler) endSession(c *gin.Context) {
	var req endSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	t, err := h.workers.EndSession(c.Request.Context(), req.Role, req.ThreadID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"message":   "Session ended and transcript saved",
		"thread_id": t.ThreadID,
	})
}

// resolveThread picks ?thread_id= or the role's current binding.
func (h *Handler) resolveThread(c *gin.Context) (string, string, bool) {
	role := c.Param("role")
	if threadID := strings.TrimSpace(c.Query("thread_id")); threadID != "" {
		return role, threadID, true
	}
	session, err := h.workers.CurrentSession(c.Request.Context(), role)
	if err != nil {
		writeError(c, err)
		return "", "", false
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active conversation for this role"})
		return "", "", false
	}
	return role, session.ThreadID, true
}

func (h *Handler) listMessages(c *gin.Context) {
	role, threadID, ok := h.resolveThread(c)
	if !ok {
		return
	}
	messages, err := h.store.ListOrdered(c.Request.Context(), threadID, role)
	if err != nil {
		writeError(c, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "messages": messages})
}

func (h *Handler) getTranscript(c *gin.Context) {
	role, threadID, ok := h.resolveThread(c)
	if !ok {
		return
	}
	t, err := h.store.GetTranscript(c.Request.Context(), threadID, role)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) getAnalysis(c *gin.Context) {
	role, threadID, ok := h.resolveThread(c)
	if !ok {
		return
	}
	a, err := h.store.GetAnalysis(c.Request.Context(), threadID, role)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	status := http.StatusInternalServerError

	var chatErr *worker.ChatError
	if errors.As(err, &chatErr) {
		body["recorded"] = chatErr.Recorded
		body["stage"] = chatErr.Stage
	}
	var failed *run.FailedError

	switch {
	case errors.Is(err, worker.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, worker.ErrNoActiveSession):
		status = http.StatusConflict
	case errors.Is(err, worker.ErrWorkerBusy):
		status = http.StatusTooManyRequests
	case errors.Is(err, worker.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, sql.ErrNoRows):
		status = http.StatusNotFound
		body["error"] = "not found"
	case errors.Is(err, run.ErrRunTimeout), errors.Is(err, ai.ErrRemoteTimeout),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &failed), errors.Is(err, ai.ErrRemoteUnavailable),
		errors.Is(err, ai.ErrRemoteRejected):
		status = http.StatusBadGateway
	case errors.Is(err, assistant.ErrStorageUnavailable):
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Int("status", status).Msg("request failed")
	}
	c.JSON(status, body)
}
