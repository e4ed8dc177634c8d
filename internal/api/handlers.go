// Package api exposes the HTTP control surface the UI drives: state
// snapshots, task dispatch, and pair-token management.
package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/labscan/labscan/internal/common/errors"
	"github.com/labscan/labscan/internal/common/logger"
	"github.com/labscan/labscan/internal/server"
)

// Handler contains the HTTP handlers for the control API.
type Handler struct {
	manager *server.Manager
	logger  *logger.Logger
}

// NewHandler creates a new control API handler.
func NewHandler(manager *server.Manager, log *logger.Logger) *Handler {
	return &Handler{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "control-api")),
	}
}

// GetStatus returns the derived server status.
// GET /api/v1/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Status())
}

// GetDevices returns all device records in first-register order.
// GET /api/v1/devices
func (h *Handler) GetDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": h.manager.Devices()})
}

// GetTopology returns the current topology snapshot.
// GET /api/v1/topology
func (h *Handler) GetTopology(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Topology())
}

// GetTasks returns all task records, newest first.
// GET /api/v1/tasks
func (h *Handler) GetTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.manager.Tasks()})
}

// GetActivity returns the activity ring, newest first.
// GET /api/v1/activity
func (h *Handler) GetActivity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"activity": h.manager.Activity()})
}

// GetLogs returns the log ring, newest first.
// GET /api/v1/logs
func (h *Handler) GetLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": h.manager.Logs()})
}

// DispatchTaskRequest is the body of POST /api/v1/tasks.
type DispatchTaskRequest struct {
	Agents []string        `json:"agents"`
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// DispatchTask validates and dispatches a task.
// POST /api/v1/tasks
func (h *Handler) DispatchTask(c *gin.Context) {
	var req DispatchTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ParseError("request body", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	task, err := h.manager.DispatchTask(req.Agents, req.Kind, req.Params)
	if err != nil {
		h.logger.Warn("task dispatch rejected", zap.Error(err))
		var appErr *errors.AppError
		if stderrors.As(err, &appErr) {
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		c.JSON(errors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

// GetPairToken returns the current shared secret.
// GET /api/v1/pair-token
func (h *Handler) GetPairToken(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"token": h.manager.PairToken()})
}

// RotatePairToken replaces the shared secret and returns the new value.
// POST /api/v1/pair-token/rotate
func (h *Handler) RotatePairToken(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"token": h.manager.RotatePairToken()})
}
