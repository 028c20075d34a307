package ops

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/queueworks/goodq/internal/domain"
	"github.com/queueworks/goodq/internal/repository"
)

type jobHandler struct {
	jobs       repository.JobRepository
	executions repository.ExecutionRepository
	logger     *slog.Logger
}

func newJobHandler(jobs repository.JobRepository, executions repository.ExecutionRepository, logger *slog.Logger) *jobHandler {
	return &jobHandler{jobs: jobs, executions: executions, logger: logger.With("component", "job_handler")}
}

type jobResponse struct {
	ID              string     `json:"id"`
	ActiveJobID     string     `json:"active_job_id"`
	JobClass        string     `json:"job_class"`
	QueueName       string     `json:"queue_name"`
	Priority        int        `json:"priority"`
	State           string     `json:"state"`
	ExecutionsCount int        `json:"executions_count"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	PerformedAt     *time.Time `json:"performed_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	LockedByID      *string    `json:"locked_by_id,omitempty"`
	Error           *string    `json:"error,omitempty"`
	ConcurrencyKey  *string    `json:"concurrency_key,omitempty"`
	Labels          []string   `json:"labels,omitempty"`
	CronKey         *string    `json:"cron_key,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toJobResponse(j *domain.Job) jobResponse {
	return jobResponse{
		ID:              j.ID,
		ActiveJobID:     j.ActiveJobID,
		JobClass:        j.JobClass,
		QueueName:       j.QueueName,
		Priority:        j.Priority,
		State:           string(j.State()),
		ExecutionsCount: j.ExecutionsCount,
		ScheduledAt:     j.ScheduledAt,
		PerformedAt:     j.PerformedAt,
		FinishedAt:      j.FinishedAt,
		LockedByID:      j.LockedByID,
		Error:           j.Error,
		ConcurrencyKey:  j.ConcurrencyKey,
		Labels:          j.Labels,
		CronKey:         j.CronKey,
		CreatedAt:       j.CreatedAt,
	}
}

type executionResponse struct {
	ID          string     `json:"id"`
	PerformedAt time.Time  `json:"performed_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
	Error       *string    `json:"error,omitempty"`
	ErrorEvent  *int16     `json:"error_event,omitempty"`
	ProcessID   string     `json:"process_id,omitempty"`
}

// get resolves :id as a row ID first, then as an active_job_id, so both
// identifiers work in URLs.
func (h *jobHandler) get(ctx *gin.Context) (*domain.Job, bool) {
	id := ctx.Param("id")
	job, err := h.jobs.GetByID(ctx.Request.Context(), id)
	if errors.Is(err, domain.ErrJobNotFound) {
		job, err = h.jobs.GetByActiveJobID(ctx.Request.Context(), id)
	}
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return nil, false
		}
		h.logger.Error("get job", "job_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return nil, false
	}
	return job, true
}

func (h *jobHandler) GetByID(ctx *gin.Context) {
	job, ok := h.get(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, toJobResponse(job))
}

func (h *jobHandler) ListExecutions(ctx *gin.Context) {
	job, ok := h.get(ctx)
	if !ok {
		return
	}
	execs, err := h.executions.ListByActiveJobID(ctx.Request.Context(), job.ActiveJobID)
	if err != nil {
		h.logger.Error("list executions", "active_job_id", job.ActiveJobID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	out := make([]executionResponse, 0, len(execs))
	for _, e := range execs {
		resp := executionResponse{
			ID:          e.ID,
			PerformedAt: e.PerformedAt,
			FinishedAt:  e.FinishedAt,
			Error:       e.Error,
			ProcessID:   e.ProcessID,
		}
		if e.Duration != nil {
			ms := e.Duration.Milliseconds()
			resp.DurationMS = &ms
		}
		if e.ErrorEvent != nil {
			ev := int16(*e.ErrorEvent)
			resp.ErrorEvent = &ev
		}
		out = append(out, resp)
	}
	ctx.JSON(http.StatusOK, gin.H{"executions": out})
}

func (h *jobHandler) Retry(ctx *gin.Context) {
	job, ok := h.get(ctx)
	if !ok {
		return
	}
	retried, err := h.jobs.Retry(ctx.Request.Context(), job.ID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotDiscarded) {
			ctx.JSON(http.StatusConflict, gin.H{"error": errJobNotDiscarded})
			return
		}
		h.logger.Error("retry job", "job_id", job.ID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, toJobResponse(retried))
}

func (h *jobHandler) Delete(ctx *gin.Context) {
	job, ok := h.get(ctx)
	if !ok {
		return
	}
	if err := h.jobs.Delete(ctx.Request.Context(), job.ID); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.Error("delete job", "job_id", job.ID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *jobHandler) Stats(ctx *gin.Context) {
	stats, err := h.jobs.Stats(ctx.Request.Context())
	if err != nil {
		h.logger.Error("queue stats", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"queues": stats})
}
