package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"job-app-tracker-go/internal/model"
	"job-app-tracker-go/internal/repository"
)

// ListJobs returns the caller's job applications.
// Filters: status, q (company or role), since (RFC 3339), limit (1..200).
func (h *Handlers) ListJobs(c *gin.Context) {
	filter := repository.JobFilter{UserID: currentUser(c)}

	if s := c.Query("status"); s != "" {
		status, err := model.ParseStatus(s)
		if err != nil {
			badRequest(c, "Invalid status")
			return
		}
		filter.Status = status
	}

	filter.Query = c.Query("q")

	if s := c.Query("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			badRequest(c, "Invalid since parameter")
			return
		}
		filter.Since = &since
	}

	filter.Limit = repository.DefaultJobLimit
	if s := c.Query("limit"); s != "" {
		// non-numeric limits fall back to the default
		if n, err := strconv.Atoi(s); err == nil {
			filter.Limit = clamp(n, 1, repository.MaxJobLimit)
		}
	}

	jobs, err := h.repo.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondStoreError(c, err, "Jobs not found")
		return
	}
	if jobs == nil {
		jobs = []model.JobApplication{}
	}

	c.JSON(http.StatusOK, JobListResponse{Jobs: jobs})
}

// GetJob returns one job application with its newest events
func (h *Handlers) GetJob(c *gin.Context) {
	job, err := h.repo.GetJob(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		respondStoreError(c, err, "Job not found")
		return
	}

	c.JSON(http.StatusOK, JobResponse{Job: job})
}

// UpdateJob applies a manual correction to status, company or role
func (h *Handlers) UpdateJob(c *gin.Context) {
	var req UpdateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid JSON")
		return
	}

	patch := repository.JobPatch{}
	if req.Status != nil {
		status, err := model.ParseStatus(*req.Status)
		if err != nil {
			badRequest(c, "Invalid status")
			return
		}
		patch.Status = &status
	}
	if req.Company != nil {
		if strings.TrimSpace(*req.Company) == "" {
			badRequest(c, "Company must not be empty")
			return
		}
		patch.Company = req.Company
	}
	if req.Role != nil {
		if strings.TrimSpace(*req.Role) == "" {
			badRequest(c, "Role must not be empty")
			return
		}
		patch.Role = req.Role
	}
	if patch.Empty() {
		badRequest(c, "At least one field to update is required")
		return
	}

	job, err := h.repo.UpdateJob(c.Request.Context(), c.Param("id"), currentUser(c), patch)
	if err != nil {
		respondStoreError(c, err, "Job not found")
		return
	}

	c.JSON(http.StatusOK, JobResponse{Job: job})
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
