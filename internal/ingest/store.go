package ingest

import (
	"context"
	"sync"
	"time"

	"job-app-tracker-go/internal/model"
)

// Store is the persistence the orchestrator needs. repository.Repository
// implements it.
type Store interface {
	ListAccounts(ctx context.Context, userID string) ([]model.Account, error)
	ListUserIDs(ctx context.Context) ([]string, error)
	UpdateAccountTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error
	UpdateAccountMetadata(ctx context.Context, accountID string, patch map[string]interface{}) error
	SeenMessageIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error)
	FindJobByDedupeHash(ctx context.Context, hash string) (*model.JobApplication, error)
	UpsertJobApplication(ctx context.Context, job *model.JobApplication) (*model.JobApplication, error)
	AppendEvent(ctx context.Context, event *model.ApplicationEvent) error
	UpsertIngestedMessage(ctx context.Context, msg *model.IngestedMessage) error
}

// keyLocks serialises work on one dedupe key inside the process.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: map[string]*keyLock{}}
}

// lock blocks until key is free and returns the matching unlock.
func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
