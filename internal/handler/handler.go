package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"job-app-tracker-go/internal/ingest"
	"job-app-tracker-go/internal/repository"
	"job-app-tracker-go/internal/scheduler"
)

const userIDKey = "user_id"

// Ingester runs ingestion for one user.
type Ingester interface {
	Run(ctx context.Context, userID string) (ingest.Summary, error)
}

// Scheduler is the control surface of the periodic runner.
type Scheduler interface {
	Start() error
	Stop() error
	IsRunning() bool
	RunOnce(ctx context.Context) (ingest.Summary, error)
	Status() scheduler.Status
}

// Handlers contains all HTTP handlers
type Handlers struct {
	repo      *repository.Repository
	ingester  Ingester
	scheduler Scheduler
	gatherer  prometheus.Gatherer
}

// NewHandlers creates new HTTP handlers. A nil gatherer serves the default
// Prometheus registry.
func NewHandlers(repo *repository.Repository, ingester Ingester, sched Scheduler, gatherer prometheus.Gatherer) *Handlers {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handlers{
		repo:      repo,
		ingester:  ingester,
		scheduler: sched,
		gatherer:  gatherer,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		user := api.Group("", requireUser())
		user.POST("/ingest", h.Ingest)

		user.GET("/jobs", h.ListJobs)
		user.GET("/jobs/:id", h.GetJob)
		user.PATCH("/jobs/:id", h.UpdateJob)

		user.GET("/accounts", h.ListAccounts)
		user.POST("/accounts/:id/resync", h.ResyncAccount)
		user.DELETE("/accounts/:id", h.DeleteAccount)

		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.POST("/scheduler/run-once", h.RunOnce)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
	}
}

// requireUser resolves the caller from the X-User-ID header or the user_id
// query parameter. Sessions are handled in front of this service.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if userID == "" {
			userID = strings.TrimSpace(c.Query("user_id"))
		}
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: "Missing user id",
				Code:    http.StatusUnauthorized,
			})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Scheduler: "stopped",
	}

	if err := h.repo.Ping(c.Request.Context()); err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.scheduler != nil && h.scheduler.IsRunning() {
		response.Scheduler = "running"
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

// respondStoreError maps repository errors onto HTTP responses.
func respondStoreError(c *gin.Context, err error, notFound string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: notFound,
			Code:    http.StatusNotFound,
		})
	case errors.Is(err, repository.ErrStoreUnavailable):
		logrus.Errorf("Store unavailable: %v", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "store_unavailable",
			Message: "Database is unavailable",
			Code:    http.StatusServiceUnavailable,
		})
	default:
		logrus.Errorf("Database error: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Database operation failed",
			Code:    http.StatusInternalServerError,
		})
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_request",
		Message: message,
		Code:    http.StatusBadRequest,
	})
}
