package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"job-app-tracker-go/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist or belongs to another user.
	ErrNotFound = errors.New("record not found")
	// ErrStoreUnavailable marks failures to reach the database at all.
	ErrStoreUnavailable = errors.New("store unavailable")
)

type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// wrapErr maps gorm and driver errors onto the package sentinels.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Ping checks that the database answers.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return wrapErr("failed to get database handle", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// ListAccounts returns every connected mailbox of a user, oldest first.
func (r *Repository) ListAccounts(ctx context.Context, userID string) ([]model.Account, error) {
	var accounts []model.Account
	result := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&accounts)
	if result.Error != nil {
		return nil, wrapErr("failed to list accounts", result.Error)
	}
	return accounts, nil
}

// ListUserIDs returns the distinct owners of connected mailboxes.
func (r *Repository) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	result := r.db.WithContext(ctx).Model(&model.Account{}).Distinct("user_id").Order("user_id").Pluck("user_id", &ids)
	if result.Error != nil {
		return nil, wrapErr("failed to list users", result.Error)
	}
	return ids, nil
}

// GetAccount loads an account owned by userID.
func (r *Repository) GetAccount(ctx context.Context, id, userID string) (*model.Account, error) {
	var account model.Account
	result := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&account)
	if result.Error != nil {
		return nil, wrapErr("failed to get account", result.Error)
	}
	return &account, nil
}

// UpsertAccount creates or updates the account identified by (user,
// provider, provider subject). An empty refresh token keeps the stored one.
func (r *Repository) UpsertAccount(ctx context.Context, account *model.Account) (*model.Account, error) {
	var stored model.Account
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ? AND provider = ? AND provider_sub = ?",
			account.UserID, account.Provider, account.ProviderSub).First(&stored)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			stored = *account
			return tx.Create(&stored).Error
		}
		if result.Error != nil {
			return result.Error
		}

		updates := map[string]interface{}{
			"email_address":    account.EmailAddress,
			"access_token":     account.AccessToken,
			"token_expires_at": account.TokenExpiresAt,
		}
		if account.RefreshToken != "" {
			updates["refresh_token"] = account.RefreshToken
		}
		if err := tx.Model(&stored).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&stored, "id = ?", stored.ID).Error
	})
	if err != nil {
		return nil, wrapErr("failed to upsert account", err)
	}
	return &stored, nil
}

// UpdateAccountTokens persists a refreshed credential.
func (r *Repository) UpdateAccountTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error {
	updates := map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	}
	if expiresAt.IsZero() {
		updates["token_expires_at"] = nil
	} else {
		updates["token_expires_at"] = expiresAt
	}

	result := r.db.WithContext(ctx).Model(&model.Account{}).Where("id = ?", accountID).Updates(updates)
	if result.Error != nil {
		return wrapErr("failed to update account tokens", result.Error)
	}
	return nil
}

// UpdateAccountMetadata merges patch into the account metadata. A nil value
// removes the key.
func (r *Repository) UpdateAccountMetadata(ctx context.Context, accountID string, patch map[string]interface{}) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account model.Account
		if err := tx.Select("id", "metadata").First(&account, "id = ?", accountID).Error; err != nil {
			return err
		}

		merged := datatypes.JSONMap{}
		for k, v := range account.Metadata {
			merged[k] = v
		}
		for k, v := range patch {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		return tx.Model(&model.Account{}).Where("id = ?", accountID).Update("metadata", merged).Error
	})
	if err != nil {
		return wrapErr("failed to update account metadata", err)
	}
	return nil
}

// RequestResync stamps the account with the time a resync was requested.
func (r *Repository) RequestResync(ctx context.Context, accountID, userID string, at time.Time) error {
	if _, err := r.GetAccount(ctx, accountID, userID); err != nil {
		return err
	}
	return r.UpdateAccountMetadata(ctx, accountID, map[string]interface{}{
		model.MetaResyncRequestedAt: at.UTC().Format(time.RFC3339),
	})
}

// DeleteAccount disconnects a mailbox and forgets which messages were
// ingested from it. Job applications and their events are kept.
func (r *Repository) DeleteAccount(ctx context.Context, accountID, userID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account model.Account
		if err := tx.Where("id = ? AND user_id = ?", accountID, userID).First(&account).Error; err != nil {
			return err
		}
		if err := tx.Where("email_account_id = ?", account.ID).Delete(&model.IngestedMessage{}).Error; err != nil {
			return err
		}
		return tx.Delete(&account).Error
	})
	if err != nil {
		return wrapErr("failed to delete account", err)
	}
	return nil
}

// SeenMessageIDs reports which of ids were already ingested for the account.
func (r *Repository) SeenMessageIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return seen, nil
	}

	var found []string
	result := r.db.WithContext(ctx).Model(&model.IngestedMessage{}).
		Where("email_account_id = ? AND provider_message_id IN ?", accountID, ids).
		Pluck("provider_message_id", &found)
	if result.Error != nil {
		return nil, wrapErr("failed to load ingested messages", result.Error)
	}
	for _, id := range found {
		seen[id] = true
	}
	return seen, nil
}

// UpsertIngestedMessage records a processed provider message. Reprocessing
// the same message overwrites the row instead of adding another.
func (r *Repository) UpsertIngestedMessage(ctx context.Context, msg *model.IngestedMessage) error {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "email_account_id"}, {Name: "provider_message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"thread_id", "subject", "received_at", "snippet", "headers", "parsed", "updated_at",
		}),
	}).Create(msg)
	if result.Error != nil {
		return wrapErr("failed to upsert ingested message", result.Error)
	}
	return nil
}
