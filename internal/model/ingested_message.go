package model

import (
	"time"

	"gorm.io/datatypes"
)

// IngestedMessage records a provider message already processed for an account.
// At most one row exists per (account, provider message id).
type IngestedMessage struct {
	ID                uint              `json:"id" gorm:"primaryKey;autoIncrement"`
	EmailAccountID    string            `json:"email_account_id" gorm:"type:varchar(36);not null;uniqueIndex:idx_account_message"`
	ProviderMessageID string            `json:"provider_message_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_account_message"`
	ThreadID          string            `json:"thread_id" gorm:"type:varchar(255)"`
	Subject           string            `json:"subject" gorm:"type:text"`
	ReceivedAt        time.Time         `json:"received_at"`
	Snippet           string            `json:"snippet" gorm:"type:text"`
	Headers           datatypes.JSONMap `json:"headers"`
	Parsed            bool              `json:"parsed"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// TableName specifies the table name for IngestedMessage
func (IngestedMessage) TableName() string {
	return "email_messages"
}
