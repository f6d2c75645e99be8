package handler

import (
	"time"

	"job-app-tracker-go/internal/ingest"
	"job-app-tracker-go/internal/model"
)

// UpdateJobRequest is the body of PATCH /jobs/:id. At least one field is required.
type UpdateJobRequest struct {
	Status  *string `json:"status"`
	Company *string `json:"company"`
	Role    *string `json:"role"`
}

// JobListResponse wraps a job listing
type JobListResponse struct {
	Jobs []model.JobApplication `json:"jobs"`
}

// JobResponse wraps a single job application
type JobResponse struct {
	Job *model.JobApplication `json:"job"`
}

// AccountListResponse wraps the connected accounts of a user
type AccountListResponse struct {
	Accounts []model.Account `json:"accounts"`
}

// IngestResponse reports an ingestion run
type IngestResponse struct {
	OK bool `json:"ok"`
	ingest.Summary
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Scheduler string    `json:"scheduler"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
