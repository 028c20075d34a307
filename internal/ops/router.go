// Package ops is the operator HTTP surface: health probes, queue stats,
// Prometheus metrics and a small job/pause management API. It is optional
// and sits on its own listener, never in the job execution path.
package ops

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sloggin "github.com/samber/slog-gin"

	"github.com/queueworks/goodq/internal/health"
	"github.com/queueworks/goodq/internal/repository"
)

func NewRouter(
	logger *slog.Logger,
	checker *health.Checker,
	jobs repository.JobRepository,
	executions repository.ExecutionRepository,
	pauses repository.PauseRepository,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(sloggin.New(logger))

	r.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, checker.Liveness(ctx.Request.Context()))
	})
	r.GET("/readyz", func(ctx *gin.Context) {
		result := checker.Readiness(ctx.Request.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		ctx.JSON(status, result)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jh := newJobHandler(jobs, executions, logger)
	r.GET("/stats", jh.Stats)
	r.GET("/jobs/:id", jh.GetByID)
	r.GET("/jobs/:id/executions", jh.ListExecutions)
	r.POST("/jobs/:id/retry", jh.Retry)
	r.DELETE("/jobs/:id", jh.Delete)

	ph := newPauseHandler(pauses, logger)
	r.GET("/pauses", ph.List)
	r.POST("/pauses/queues/:name", ph.PauseQueue)
	r.DELETE("/pauses/queues/:name", ph.UnpauseQueue)
	r.POST("/pauses/job_classes/:name", ph.PauseJobClass)
	r.DELETE("/pauses/job_classes/:name", ph.UnpauseJobClass)

	return r
}

// NewServer wraps the router in an http.Server for graceful shutdown.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: handler}
}
