package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mikeboe/apollo/pkg/database"
	"github.com/mikeboe/apollo/pkg/research/engine"
	"github.com/mikeboe/apollo/pkg/research/state"
)

type Handler struct {
	Service *Service
	MCP     http.Handler
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s, MCP: NewMCPHandler(s)}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.Any("/mcp", gin.WrapH(h.MCP))
	api := r.Group("/api")
	{
		api.POST("/research", h.createResearch)
		api.GET("/research", h.listResearch)
		api.GET("/research/:id", h.getResearch)
		api.DELETE("/research/:id", h.deleteResearch)
		api.POST("/research/:id/cancel", h.cancelResearch)
		api.GET("/research/:id/logs", h.getLogs)
		api.GET("/research/:id/messages", h.getMessages)
		api.GET("/research/:id/timeline", h.getTimeline)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, engine.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}

func (h *Handler) createResearch(c *gin.Context) {
	var req CreateResearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.Service.CreateResearch(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) listResearch(c *gin.Context) {
	list, err := h.Service.ListResearch(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) getResearch(c *gin.Context) {
	res, err := h.Service.GetResearch(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) deleteResearch(c *gin.Context) {
	if err := h.Service.DeleteResearch(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) cancelResearch(c *gin.Context) {
	if err := h.Service.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (h *Handler) getLogs(c *gin.Context) {
	logs, err := h.Service.Logs(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handler) getMessages(c *gin.Context) {
	messages, err := h.Service.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (h *Handler) getTimeline(c *gin.Context) {
	timeline, err := h.Service.Timeline(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, timeline)
}
