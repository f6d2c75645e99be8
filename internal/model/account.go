package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Supported mail providers.
const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
)

// Metadata keys stored on Account.Metadata.
const (
	MetaLastPollAt        = "lastPollAt"
	MetaLastError         = "lastError"
	MetaResyncRequestedAt = "resyncRequestedAt"
)

// Account is one connected mailbox owned by a user.
type Account struct {
	ID             string            `json:"id" gorm:"type:varchar(36);primaryKey"`
	UserID         string            `json:"user_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_account_provider_sub"`
	Provider       string            `json:"provider" gorm:"type:varchar(32);not null;uniqueIndex:idx_account_provider_sub"`
	ProviderSub    string            `json:"provider_sub" gorm:"type:varchar(255);not null;uniqueIndex:idx_account_provider_sub"`
	EmailAddress   string            `json:"email_address" gorm:"type:varchar(255)"`
	AccessToken    string            `json:"-" gorm:"type:text"`
	RefreshToken   string            `json:"-" gorm:"type:text"`
	TokenExpiresAt *time.Time        `json:"token_expires_at"`
	Metadata       datatypes.JSONMap `json:"metadata"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`

	Messages []IngestedMessage `json:"-" gorm:"foreignKey:EmailAccountID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for Account
func (Account) TableName() string {
	return "email_accounts"
}

// BeforeCreate assigns a UUID when the caller did not.
func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
