package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"job-app-tracker-go/internal/model"
)

const (
	DefaultJobLimit  = 100
	MaxJobLimit      = 200
	JobEventsPreview = 50
)

// JobFilter narrows ListJobs. Zero values mean no filter.
type JobFilter struct {
	UserID string
	Status model.Status
	// Query matches company or role, case-insensitively.
	Query string
	Since *time.Time
	Limit int
}

// JobPatch holds the user-editable fields of a job application.
type JobPatch struct {
	Status  *model.Status `json:"status"`
	Company *string       `json:"company"`
	Role    *string       `json:"role"`
}

// Empty reports whether the patch changes nothing.
func (p JobPatch) Empty() bool {
	return p.Status == nil && p.Company == nil && p.Role == nil
}

// FindJobByDedupeHash returns nil without error when no job has the hash.
func (r *Repository) FindJobByDedupeHash(ctx context.Context, hash string) (*model.JobApplication, error) {
	var job model.JobApplication
	result := r.db.WithContext(ctx).Where("dedupe_key_hash = ?", hash).Limit(1).Find(&job)
	if result.Error != nil {
		return nil, wrapErr("failed to find job application", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &job, nil
}

// UpsertJobApplication inserts job or, when its dedupe hash exists, overwrites
// company, role, source, status, last update and confidence. AppliedAt is
// only ever written on insert. The stored row is returned.
func (r *Repository) UpsertJobApplication(ctx context.Context, job *model.JobApplication) (*model.JobApplication, error) {
	db := r.db.WithContext(ctx)
	result := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "dedupe_key_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"company", "role", "source", "status", "last_update_at", "confidence", "updated_at",
		}),
	}).Create(job)
	if result.Error != nil {
		return nil, wrapErr("failed to upsert job application", result.Error)
	}

	var stored model.JobApplication
	if err := db.Where("dedupe_key_hash = ?", job.DedupeKeyHash).First(&stored).Error; err != nil {
		return nil, wrapErr("failed to reload job application", err)
	}
	return &stored, nil
}

// AppendEvent adds an immutable event to a job application.
func (r *Repository) AppendEvent(ctx context.Context, event *model.ApplicationEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return wrapErr("failed to append application event", err)
	}
	return nil
}

// ListJobs returns a user's job applications, most recently updated first.
func (r *Repository) ListJobs(ctx context.Context, f JobFilter) ([]model.JobApplication, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultJobLimit
	}
	if limit > MaxJobLimit {
		limit = MaxJobLimit
	}

	q := r.db.WithContext(ctx).Where("user_id = ?", f.UserID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if term := strings.TrimSpace(f.Query); term != "" {
		like := "%" + strings.ToLower(term) + "%"
		q = q.Where("LOWER(company) LIKE ? OR LOWER(role) LIKE ?", like, like)
	}
	if f.Since != nil {
		q = q.Where("last_update_at >= ?", *f.Since)
	}

	var jobs []model.JobApplication
	if err := q.Order("last_update_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, wrapErr("failed to list job applications", err)
	}
	return jobs, nil
}

// GetJob loads a job application with its newest events.
func (r *Repository) GetJob(ctx context.Context, id, userID string) (*model.JobApplication, error) {
	var job model.JobApplication
	result := r.db.WithContext(ctx).
		Preload("Events", func(db *gorm.DB) *gorm.DB {
			return db.Order("occurred_at DESC").Limit(JobEventsPreview)
		}).
		Where("id = ? AND user_id = ?", id, userID).
		First(&job)
	if result.Error != nil {
		return nil, wrapErr("failed to get job application", result.Error)
	}
	return &job, nil
}

// UpdateJob applies a manual correction.
func (r *Repository) UpdateJob(ctx context.Context, id, userID string, patch JobPatch) (*model.JobApplication, error) {
	if patch.Empty() {
		return nil, errors.New("at least one field to update is required")
	}

	updates := map[string]interface{}{}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.Company != nil {
		updates["company"] = *patch.Company
	}
	if patch.Role != nil {
		updates["role"] = *patch.Role
	}

	var job model.JobApplication
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&job).Error; err != nil {
			return err
		}
		if err := tx.Model(&job).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&job, "id = ?", id).Error
	})
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("failed to update job application %s", id), err)
	}
	return &job, nil
}
