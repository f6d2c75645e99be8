package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobApplication is the aggregate a user tracks. Messages resolving to the
// same dedupe key hash converge onto one row.
type JobApplication struct {
	ID             string     `json:"id" gorm:"type:varchar(36);primaryKey"`
	UserID         string     `json:"user_id" gorm:"type:varchar(64);not null;index"`
	EmailAccountID string     `json:"email_account_id" gorm:"type:varchar(36);index"`
	Company        string     `json:"company" gorm:"type:varchar(255);not null"`
	Role           string     `json:"role" gorm:"type:varchar(255);not null"`
	Source         string     `json:"source" gorm:"type:varchar(255)"`
	Status         Status     `json:"status" gorm:"type:varchar(32);not null;index"`
	AppliedAt      *time.Time `json:"applied_at"`
	LastUpdateAt   time.Time  `json:"last_update_at" gorm:"index"`
	Confidence     float64    `json:"confidence"`
	DedupeKeyRaw   string     `json:"dedupe_key_raw" gorm:"type:text"`
	DedupeKeyHash  string     `json:"dedupe_key_hash" gorm:"type:varchar(64);not null;uniqueIndex"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	Events []ApplicationEvent `json:"events,omitempty" gorm:"foreignKey:JobApplicationID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for JobApplication
func (JobApplication) TableName() string {
	return "job_applications"
}

// BeforeCreate assigns a UUID when the caller did not.
func (j *JobApplication) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

// ApplicationEvent is an append-only log entry for a JobApplication.
type ApplicationEvent struct {
	ID               uint              `json:"id" gorm:"primaryKey;autoIncrement"`
	JobApplicationID string            `json:"job_application_id" gorm:"type:varchar(36);not null;index"`
	EventType        string            `json:"event_type" gorm:"type:varchar(64);not null"`
	OccurredAt       time.Time         `json:"occurred_at" gorm:"index"`
	Payload          datatypes.JSONMap `json:"payload"`
	CreatedAt        time.Time         `json:"created_at"`
}

// TableName specifies the table name for ApplicationEvent
func (ApplicationEvent) TableName() string {
	return "application_events"
}

// Payload keys recording the provenance of an event.
const (
	PayloadProviderMessageID = "provider_message_id"
	PayloadThreadID          = "thread_id"
	PayloadSubject           = "subject"
)
