package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"job-app-tracker-go/internal/config"
	"job-app-tracker-go/internal/database"
	"job-app-tracker-go/internal/mailbox"
	"job-app-tracker-go/internal/metrics"
	"job-app-tracker-go/internal/model"
	"job-app-tracker-go/internal/repository"
	"job-app-tracker-go/internal/token"
)

var now = time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)

type fakeMailbox struct {
	order   []string
	msgs    map[string]*mailbox.Envelope
	listErr error
	getErrs map[string]error
	lists   int
	gets    int
}

func newFakeMailbox(envs ...*mailbox.Envelope) *fakeMailbox {
	f := &fakeMailbox{msgs: map[string]*mailbox.Envelope{}, getErrs: map[string]error{}}
	for _, env := range envs {
		f.order = append(f.order, env.ID)
		f.msgs[env.ID] = env
	}
	return f
}

func (f *fakeMailbox) List(_ context.Context, _ string, _ string, _ int64) (mailbox.Page, error) {
	f.lists++
	if f.listErr != nil {
		err := f.listErr
		f.listErr = nil
		return mailbox.Page{}, err
	}
	page := mailbox.Page{}
	for _, id := range f.order {
		page.Refs = append(page.Refs, mailbox.MessageRef{ID: id, ThreadID: "thread-" + id})
	}
	return page, nil
}

func (f *fakeMailbox) Get(_ context.Context, id string) (*mailbox.Envelope, error) {
	f.gets++
	if err, ok := f.getErrs[id]; ok {
		return nil, err
	}
	env, ok := f.msgs[id]
	if !ok {
		return nil, fmt.Errorf("message %s not found", id)
	}
	return env, nil
}

type fakeRefresher struct {
	calls int
	token *oauth2.Token
	err   error
}

func (f *fakeRefresher) Refresh(_ context.Context, _ string) (*oauth2.Token, error) {
	f.calls++
	return f.token, f.err
}

func envelope(id, from, subject, date, body string) *mailbox.Envelope {
	return &mailbox.Envelope{
		ID:      id,
		Snippet: body,
		Payload: &mailbox.Part{
			MimeType: "text/plain",
			Charset:  "utf-8",
			Headers: []mailbox.Header{
				{Name: "From", Value: from},
				{Name: "Subject", Value: subject},
				{Name: "Date", Value: date},
			},
			Data: base64.URLEncoding.EncodeToString([]byte(body)),
		},
	}
}

func applicationMail(id string) *mailbox.Envelope {
	return envelope(id,
		"Acme Corp <no-reply@greenhouse.io>",
		"Thanks for applying to Acme Corp — Backend Engineer role",
		"Mon, 03 Mar 2025 10:00:00 +0000",
		"We have received your details and will be in touch.")
}

func rejectionMail(id string) *mailbox.Envelope {
	return envelope(id,
		"Acme Corp <no-reply@greenhouse.io>",
		"Your application for Backend Engineer at Acme Corp",
		"Mon, 10 Mar 2025 10:00:00 +0000",
		"Thank you for your interest in the Backend Engineer role. Unfortunately, we are not moving forward with your application.")
}

type fixture struct {
	db        *gorm.DB
	repo      *repository.Repository
	refresher *fakeRefresher
	lifecycle *token.Lifecycle
	account   *model.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	repo := repository.New(db)
	expiry := now.Add(time.Hour)
	account, err := repo.UpsertAccount(context.Background(), &model.Account{
		UserID:         "user-1",
		Provider:       model.ProviderGmail,
		ProviderSub:    "sub-1",
		EmailAddress:   "me@example.com",
		AccessToken:    "access",
		RefreshToken:   "refresh",
		TokenExpiresAt: &expiry,
	})
	require.NoError(t, err)

	refresher := &fakeRefresher{token: &oauth2.Token{AccessToken: "fresh", Expiry: now.Add(time.Hour)}}
	return &fixture{
		db:        db,
		repo:      repo,
		refresher: refresher,
		lifecycle: token.NewLifecycle(refresher, token.WithClock(func() time.Time { return now })),
		account:   account,
	}
}

func (f *fixture) orchestrator(store Store, clients ClientFactory, m *metrics.Metrics) *Orchestrator {
	return New(store, f.lifecycle, clients, m, Options{
		Now:   func() time.Time { return now },
		Sleep: func(context.Context, time.Duration) error { return nil },
	})
}

func staticClients(c mailbox.Client) ClientFactory {
	return func(context.Context, model.Account, token.Credential) (mailbox.Client, error) {
		return c, nil
	}
}

func (f *fixture) count(t *testing.T, value interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(value).Count(&n).Error)
	return n
}

func (f *fixture) onlyJob(t *testing.T) model.JobApplication {
	t.Helper()
	var jobs []model.JobApplication
	require.NoError(t, f.db.Find(&jobs).Error)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func (f *fixture) reloadAccount(t *testing.T) *model.Account {
	t.Helper()
	acct, err := f.repo.GetAccount(context.Background(), f.account.ID, f.account.UserID)
	require.NoError(t, err)
	return acct
}

func TestRunNewApplication(t *testing.T) {
	f := newFixture(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	o := f.orchestrator(f.repo, staticClients(newFakeMailbox(applicationMail("m1"))), m)

	summary, err := o.Run(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, Summary{
		AccountsProcessed: 1,
		MessagesFetched:   1,
		MessagesParsed:    1,
		JobsCreated:       1,
		EventsCreated:     1,
	}, summary)

	job := f.onlyJob(t)
	assert.Equal(t, "Acme", job.Company)
	assert.Equal(t, "Backend Engineer", job.Role)
	assert.Equal(t, "Greenhouse", job.Source)
	assert.Equal(t, model.StatusApplied, job.Status)
	assert.Equal(t, f.account.ID, job.EmailAccountID)
	require.NotNil(t, job.AppliedAt)
	assert.True(t, time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC).Equal(*job.AppliedAt))

	var event model.ApplicationEvent
	require.NoError(t, f.db.First(&event).Error)
	assert.Equal(t, model.EventApplicationSubmitted, event.EventType)
	assert.Equal(t, "m1", event.Payload[model.PayloadProviderMessageID])
	assert.Equal(t, "thread-m1", event.Payload[model.PayloadThreadID])

	var msg model.IngestedMessage
	require.NoError(t, f.db.First(&msg).Error)
	assert.True(t, msg.Parsed)
	assert.Equal(t, "Thanks for applying to Acme Corp — Backend Engineer role", msg.Subject)
	assert.True(t, now.Equal(msg.ReceivedAt))

	acct := f.reloadAccount(t)
	assert.Equal(t, "2025-03-20T12:00:00Z", acct.Metadata[model.MetaLastPollAt])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("success")))
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	box := newFakeMailbox(applicationMail("m1"), rejectionMail("m2"))
	o := f.orchestrator(f.repo, staticClients(box), nil)

	_, err := o.Run(context.Background(), "user-1")
	require.NoError(t, err)
	jobs, events, msgs := f.count(t, &model.JobApplication{}), f.count(t, &model.ApplicationEvent{}), f.count(t, &model.IngestedMessage{})

	second, err := o.Run(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, 2, second.MessagesFetched)
	assert.Zero(t, second.MessagesParsed)
	assert.Zero(t, second.EventsCreated)
	assert.Equal(t, jobs, f.count(t, &model.JobApplication{}))
	assert.Equal(t, events, f.count(t, &model.ApplicationEvent{}))
	assert.Equal(t, msgs, f.count(t, &model.IngestedMessage{}))
	assert.Equal(t, 2, box.gets)
}

func TestRunRejectionOverwritesApplication(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(f.repo, staticClients(newFakeMailbox(applicationMail("m1"), rejectionMail("m2"))), nil)

	summary, err := o.Run(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, 1, summary.JobsCreated)
	assert.Equal(t, 1, summary.JobsUpdated)
	assert.Equal(t, 2, summary.EventsCreated)

	job := f.onlyJob(t)
	assert.Equal(t, model.StatusRejected, job.Status)
	assert.True(t, time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC).Equal(job.LastUpdateAt))
	require.NotNil(t, job.AppliedAt)
	assert.True(t, time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC).Equal(*job.AppliedAt))
	assert.Equal(t, int64(2), f.count(t, &model.ApplicationEvent{}))
}

func TestRunLaterProcessedOlderMailDowngradesStatus(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(f.repo, staticClients(newFakeMailbox(rejectionMail("m2"), applicationMail("m1"))), nil)

	_, err := o.Run(context.Background(), "user-1")

	require.NoError(t, err)
	job := f.onlyJob(t)
	// status follows processing order, not message date
	assert.Equal(t, model.StatusApplied, job.Status)
	assert.Nil(t, job.AppliedAt)
}

func TestRunSkipsFailingMessage(t *testing.T) {
	f := newFixture(t)
	box := newFakeMailbox(envelope("m0", "Beta <jobs@beta.io>", "Interview invitation", "", "Hello"), applicationMail("m1"))
	box.getErrs["m0"] = errors.New("boom")
	o := f.orchestrator(f.repo, staticClients(box), nil)

	summary, err := o.Run(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, 2, summary.MessagesFetched)
	assert.Equal(t, 1, summary.MessagesParsed)
	assert.Equal(t, 1, summary.JobsCreated)

	seen, err := f.repo.SeenMessageIDs(context.Background(), f.account.ID, []string{"m0", "m1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"m1": true}, seen)
}

func TestRunRefreshesExpiredTokenBeforeListing(t *testing.T) {
	f := newFixture(t)
	past := now.Add(-time.Minute)
	require.NoError(t, f.repo.UpdateAccountTokens(context.Background(), f.account.ID, "stale", "refresh", past))

	box := newFakeMailbox(applicationMail("m1"))
	var built []string
	var storedAtBuild string
	clients := func(ctx context.Context, account model.Account, cred token.Credential) (mailbox.Client, error) {
		built = append(built, cred.AccessToken)
		acct, err := f.repo.GetAccount(ctx, account.ID, account.UserID)
		require.NoError(t, err)
		storedAtBuild = acct.AccessToken
		return box, nil
	}
	o := f.orchestrator(f.repo, clients, nil)

	summary, err := o.Run(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, 1, f.refresher.calls)
	assert.Equal(t, []string{"fresh"}, built)
	assert.Equal(t, "fresh", storedAtBuild)
	assert.Equal(t, 1, box.lists)
	assert.Equal(t, 1, summary.JobsCreated)

	acct := f.reloadAccount(t)
	assert.Equal(t, "fresh", acct.AccessToken)
	assert.Equal(t, "refresh", acct.RefreshToken)
}

func TestRunSkipsAccountWithoutRefreshToken(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repo.UpdateAccountTokens(context.Background(), f.account.ID, "", "", time.Time{}))

	built := 0
	clients := func(context.Context, model.Account, token.Credential) (mailbox.Client, error) {
		built++
		return newFakeMailbox(), nil
	}
	o := f.orchestrator(f.repo, clients, nil)

	summary, err := o.Run(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, 1, summary.AccountsProcessed)
	assert.Zero(t, summary.MessagesFetched)
	assert.Zero(t, built)
	assert.Zero(t, f.refresher.calls)

	acct := f.reloadAccount(t)
	assert.Contains(t, acct.Metadata[model.MetaLastError], "reconnect")
	_, polled := acct.Metadata[model.MetaLastPollAt]
	assert.False(t, polled)
}

func TestRunReauthenticatesOnRejectedToken(t *testing.T) {
	f := newFixture(t)
	stale := newFakeMailbox()
	stale.listErr = fmt.Errorf("list: %w", mailbox.ErrUnauthenticated)
	fresh := newFakeMailbox(applicationMail("m1"))

	var built []string
	clients := func(_ context.Context, _ model.Account, cred token.Credential) (mailbox.Client, error) {
		built = append(built, cred.AccessToken)
		if cred.AccessToken == "fresh" {
			return fresh, nil
		}
		return stale, nil
	}
	o := f.orchestrator(f.repo, clients, nil)

	summary, err := o.Run(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, []string{"access", "fresh"}, built)
	assert.Equal(t, 1, f.refresher.calls)
	assert.Equal(t, 1, summary.JobsCreated)
	assert.Equal(t, "fresh", f.reloadAccount(t).AccessToken)
}

func TestRunRecordsListingFailure(t *testing.T) {
	f := newFixture(t)
	box := newFakeMailbox()
	box.listErr = errors.New("backend exploded")
	o := f.orchestrator(f.repo, staticClients(box), nil)

	summary, err := o.Run(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Zero(t, summary.MessagesFetched)
	acct := f.reloadAccount(t)
	assert.Contains(t, acct.Metadata[model.MetaLastError], "backend exploded")
	assert.Equal(t, "2025-03-20T12:00:00Z", acct.Metadata[model.MetaLastPollAt])
}

type unavailableStore struct {
	Store
}

func (unavailableStore) UpsertJobApplication(context.Context, *model.JobApplication) (*model.JobApplication, error) {
	return nil, fmt.Errorf("failed to upsert job application: %w", repository.ErrStoreUnavailable)
}

func TestRunPropagatesStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	box := newFakeMailbox(applicationMail("m1"), rejectionMail("m2"))
	o := f.orchestrator(unavailableStore{Store: f.repo}, staticClients(box), nil)

	summary, err := o.Run(context.Background(), "user-1")

	require.ErrorIs(t, err, repository.ErrStoreUnavailable)
	assert.Equal(t, 1, summary.MessagesParsed)
	assert.Equal(t, 1, box.gets)
}

func (f *fixture) addAccount(t *testing.T, sub, access, refresh string, expiry time.Time) *model.Account {
	t.Helper()
	account, err := f.repo.UpsertAccount(context.Background(), &model.Account{
		UserID:         f.account.UserID,
		Provider:       model.ProviderGmail,
		ProviderSub:    sub,
		EmailAddress:   sub + "@example.com",
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiresAt: &expiry,
	})
	require.NoError(t, err)
	return account
}

func clientsByAccount(boxes map[string]*fakeMailbox) ClientFactory {
	return func(_ context.Context, account model.Account, _ token.Credential) (mailbox.Client, error) {
		return boxes[account.ID], nil
	}
}

func TestRunIsolatesFailingAccounts(t *testing.T) {
	f := newFixture(t)
	noToken := f.addAccount(t, "no-token", "", "", now.Add(-time.Hour))
	broken := f.addAccount(t, "broken", "access", "refresh", now.Add(time.Hour))

	brokenBox := newFakeMailbox()
	brokenBox.listErr = errors.New("backend exploded")
	m := metrics.NewMetrics(prometheus.NewRegistry())
	o := f.orchestrator(f.repo, clientsByAccount(map[string]*fakeMailbox{
		f.account.ID: newFakeMailbox(applicationMail("m1")),
		noToken.ID:   newFakeMailbox(),
		broken.ID:    brokenBox,
	}), m)

	summary, err := o.Run(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, 3, summary.AccountsProcessed)
	assert.Equal(t, 1, summary.JobsCreated)
	assert.Equal(t, f.account.ID, f.onlyJob(t).EmailAccountID)

	acct, err := f.repo.GetAccount(context.Background(), noToken.ID, noToken.UserID)
	require.NoError(t, err)
	assert.Contains(t, acct.Metadata[model.MetaLastError], "reconnect")

	acct, err = f.repo.GetAccount(context.Background(), broken.ID, broken.UserID)
	require.NoError(t, err)
	assert.Contains(t, acct.Metadata[model.MetaLastError], "backend exploded")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AccountFailures.WithLabelValues("credential")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AccountFailures.WithLabelValues("list")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("success")))
}

// disconnectingStore removes one account right after the run has listed it.
type disconnectingStore struct {
	Store
	repo      *repository.Repository
	accountID string
}

func (s disconnectingStore) ListAccounts(ctx context.Context, userID string) ([]model.Account, error) {
	accounts, err := s.Store.ListAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.DeleteAccount(ctx, s.accountID, userID); err != nil {
		return nil, err
	}
	return accounts, nil
}

func TestRunContinuesAfterAccountDisconnectedMidRun(t *testing.T) {
	f := newFixture(t)
	other := f.addAccount(t, "other", "access", "refresh", now.Add(time.Hour))
	m := metrics.NewMetrics(prometheus.NewRegistry())
	store := disconnectingStore{Store: f.repo, repo: f.repo, accountID: f.account.ID}
	o := f.orchestrator(store, clientsByAccount(map[string]*fakeMailbox{
		f.account.ID: newFakeMailbox(),
		other.ID:     newFakeMailbox(applicationMail("m1")),
	}), m)

	summary, err := o.Run(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, 2, summary.AccountsProcessed)
	assert.Equal(t, 1, summary.JobsCreated)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AccountFailures.WithLabelValues("store")))

	acct, err := f.repo.GetAccount(context.Background(), other.ID, other.UserID)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-20T12:00:00Z", acct.Metadata[model.MetaLastPollAt])
}

type panickingStore struct {
	Store
	panics int
}

func (s *panickingStore) FindJobByDedupeHash(ctx context.Context, hash string) (*model.JobApplication, error) {
	if s.panics > 0 {
		s.panics--
		panic("lookup blew up")
	}
	return s.Store.FindJobByDedupeHash(ctx, hash)
}

func TestRunSkipsMessageThatPanics(t *testing.T) {
	f := newFixture(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	store := &panickingStore{Store: f.repo, panics: 1}
	o := f.orchestrator(store, staticClients(newFakeMailbox(applicationMail("m1"), rejectionMail("m2"))), m)

	summary, err := o.Run(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Equal(t, 1, summary.JobsCreated)
	assert.Equal(t, 1, summary.EventsCreated)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessageFailures))
	assert.Equal(t, model.StatusRejected, f.onlyJob(t).Status)

	seen, err := f.repo.SeenMessageIDs(context.Background(), f.account.ID, []string{"m1", "m2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"m2": true}, seen)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := f.orchestrator(f.repo, staticClients(newFakeMailbox(applicationMail("m1"))), nil)

	summary, err := o.Run(ctx, "user-1")

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, summary.AccountsProcessed)
}

func TestRunAllCoversEveryUser(t *testing.T) {
	f := newFixture(t)
	expiry := now.Add(time.Hour)
	_, err := f.repo.UpsertAccount(context.Background(), &model.Account{
		UserID:         "user-2",
		Provider:       model.ProviderGmail,
		ProviderSub:    "sub-2",
		AccessToken:    "access",
		RefreshToken:   "refresh",
		TokenExpiresAt: &expiry,
	})
	require.NoError(t, err)

	clients := func(context.Context, model.Account, token.Credential) (mailbox.Client, error) {
		return newFakeMailbox(applicationMail("m1")), nil
	}
	o := f.orchestrator(f.repo, clients, nil)

	total, err := o.RunAll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, total.AccountsProcessed)
	// dedupe keys include the account, so each user gets their own job
	assert.Equal(t, 2, total.JobsCreated)
	assert.Equal(t, int64(2), f.count(t, &model.JobApplication{}))
}

func TestKeyLocksSerialiseSameKey(t *testing.T) {
	locks := newKeyLocks()
	unlock := locks.lock("k")

	acquired := make(chan struct{})
	go func() {
		release := locks.lock("k")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while the first was held")
	case <-time.After(20 * time.Millisecond):
	}

	other := locks.lock("other")
	other()

	unlock()
	<-acquired
	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.locks)
}
