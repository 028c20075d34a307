package ops

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/queueworks/goodq/internal/repository"
)

type pauseHandler struct {
	pauses repository.PauseRepository
	logger *slog.Logger
}

func newPauseHandler(pauses repository.PauseRepository, logger *slog.Logger) *pauseHandler {
	return &pauseHandler{pauses: pauses, logger: logger.With("component", "pause_handler")}
}

func (h *pauseHandler) List(ctx *gin.Context) {
	paused, err := h.pauses.Paused(ctx.Request.Context())
	if err != nil {
		h.logger.Error("list pauses", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"queues":      paused.Queues,
		"job_classes": paused.JobClasses,
	})
}

func (h *pauseHandler) PauseQueue(ctx *gin.Context) {
	h.apply(ctx, "pause queue", h.pauses.PauseQueue)
}

func (h *pauseHandler) UnpauseQueue(ctx *gin.Context) {
	h.apply(ctx, "unpause queue", h.pauses.UnpauseQueue)
}

func (h *pauseHandler) PauseJobClass(ctx *gin.Context) {
	h.apply(ctx, "pause job class", h.pauses.PauseJobClass)
}

func (h *pauseHandler) UnpauseJobClass(ctx *gin.Context) {
	h.apply(ctx, "unpause job class", h.pauses.UnpauseJobClass)
}

func (h *pauseHandler) apply(ctx *gin.Context, action string, fn func(ctx context.Context, name string) error) {
	name := ctx.Param("name")
	if name == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if err := fn(ctx.Request.Context(), name); err != nil {
		h.logger.Error(action, "name", name, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.Status(http.StatusNoContent)
}
