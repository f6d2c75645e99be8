package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"job-app-tracker-go/internal/classifier"
	"job-app-tracker-go/internal/extract"
	"job-app-tracker-go/internal/mailbox"
	"job-app-tracker-go/internal/metrics"
	"job-app-tracker-go/internal/model"
	"job-app-tracker-go/internal/repository"
	"job-app-tracker-go/internal/token"
)

// UnknownField is stored when the classifier could not find a company or role.
const UnknownField = "Unknown"

// Summary counts what one run did.
type Summary struct {
	AccountsProcessed int `json:"accounts_processed"`
	MessagesFetched   int `json:"messages_fetched"`
	MessagesParsed    int `json:"messages_parsed"`
	JobsCreated       int `json:"jobs_created"`
	JobsUpdated       int `json:"jobs_updated"`
	EventsCreated     int `json:"events_created"`
}

// Add folds other into s.
func (s *Summary) Add(other Summary) {
	s.AccountsProcessed += other.AccountsProcessed
	s.MessagesFetched += other.MessagesFetched
	s.MessagesParsed += other.MessagesParsed
	s.JobsCreated += other.JobsCreated
	s.JobsUpdated += other.JobsUpdated
	s.EventsCreated += other.EventsCreated
}

// Options tunes an Orchestrator. Zero values fall back to the mailbox defaults.
type Options struct {
	Limit         int
	PageSize      int64
	Backoff       mailbox.Backoff
	NewerThanDays int
	// Timeout bounds a whole run when positive.
	Timeout time.Duration
	Sleep   func(ctx context.Context, d time.Duration) error
	Now     func() time.Time
}

// Orchestrator runs ingestion for a user's connected mailboxes.
type Orchestrator struct {
	store      Store
	lifecycle  *token.Lifecycle
	clients    ClientFactory
	classifier *classifier.Classifier
	metrics    *metrics.Metrics
	opts       Options
	query      string
	locks      *keyLocks
	logger     *logrus.Entry
}

// New creates an Orchestrator. m may be nil, in which case metrics are
// recorded on a private registry.
func New(store Store, lifecycle *token.Lifecycle, clients ClientFactory, m *metrics.Metrics, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}
	return &Orchestrator{
		store:      store,
		lifecycle:  lifecycle,
		clients:    clients,
		classifier: &classifier.Classifier{Now: opts.Now},
		metrics:    m,
		opts:       opts,
		query:      mailbox.Query(opts.NewerThanDays),
		locks:      newKeyLocks(),
		logger:     logrus.WithField("component", "ingest"),
	}
}

// Run ingests new mail for every account of userID. A failing account or
// message is recorded and skipped; only an unreachable store and
// cancellation end the run early, returning the counts so far.
func (o *Orchestrator) Run(ctx context.Context, userID string) (Summary, error) {
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	start := o.opts.Now()
	log := o.logger.WithFields(logrus.Fields{
		"run_id":  uuid.NewString(),
		"user_id": userID,
	})

	var summary Summary
	if err := ctx.Err(); err != nil {
		o.finish(log, "cancelled", start, summary)
		return summary, err
	}
	accounts, err := o.store.ListAccounts(ctx, userID)
	if err != nil {
		o.finish(log, "error", start, summary)
		return summary, fmt.Errorf("failed to load mail accounts: %w", err)
	}
	log.WithField("accounts", len(accounts)).Info("Starting ingestion run")

	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			o.finish(log, "cancelled", start, summary)
			return summary, err
		}
		if err := o.processAccount(ctx, log, account, &summary); err != nil {
			if !fatal(ctx, err) {
				o.metrics.AccountFailures.WithLabelValues("store").Inc()
				log.WithError(err).WithField("account_id", account.ID).Error("Mail account ingestion failed")
				continue
			}
			outcome := "error"
			if ctx.Err() != nil {
				outcome = "cancelled"
			}
			o.finish(log, outcome, start, summary)
			return summary, err
		}
	}

	o.finish(log, "success", start, summary)
	return summary, nil
}

// RunAll runs ingestion for every user with a connected mailbox. A failing
// user does not stop the others; the first error is returned at the end.
func (o *Orchestrator) RunAll(ctx context.Context) (Summary, error) {
	var total Summary
	users, err := o.store.ListUserIDs(ctx)
	if err != nil {
		return total, fmt.Errorf("failed to list users: %w", err)
	}

	var firstErr error
	for _, userID := range users {
		summary, err := o.Run(ctx, userID)
		total.Add(summary)
		if err != nil {
			if ctx.Err() != nil {
				return total, err
			}
			o.logger.WithError(err).WithField("user_id", userID).Error("Ingestion run failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return total, firstErr
}

func (o *Orchestrator) processAccount(ctx context.Context, runLog *logrus.Entry, account model.Account, summary *Summary) error {
	log := runLog.WithFields(logrus.Fields{
		"account_id": account.ID,
		"provider":   account.Provider,
	})
	summary.AccountsProcessed++
	o.metrics.AccountsProcessed.Inc()

	cred := credentialOf(account)
	fresh, refreshed, err := o.lifecycle.EnsureFresh(ctx, cred)
	if err != nil {
		o.metrics.TokenRefreshes.WithLabelValues("failed").Inc()
		return o.skipAccount(ctx, log, account, "credential", err)
	}
	if refreshed {
		o.metrics.TokenRefreshes.WithLabelValues("success").Inc()
		if err := o.persistCredential(ctx, account.ID, fresh); err != nil {
			return err
		}
		log.Debug("Refreshed access token")
	}
	cred = fresh

	reauth := func(ctx context.Context) (mailbox.Client, error) {
		next, err := o.lifecycle.Refresh(ctx, cred)
		if err != nil {
			o.metrics.TokenRefreshes.WithLabelValues("failed").Inc()
			return nil, err
		}
		o.metrics.TokenRefreshes.WithLabelValues("success").Inc()
		if err := o.persistCredential(ctx, account.ID, next); err != nil {
			return nil, err
		}
		cred = next
		return o.clients(ctx, account, next)
	}

	client, err := o.clients(ctx, account, cred)
	if errors.Is(err, mailbox.ErrUnauthenticated) {
		client, err = reauth(ctx)
	}
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		return o.skipAccount(ctx, log, account, "client", err)
	}

	source := mailbox.NewSource(client, reauth, mailbox.Options{
		Query:    o.query,
		Limit:    o.opts.Limit,
		PageSize: o.opts.PageSize,
		Backoff:  o.opts.Backoff,
		Sleep:    o.opts.Sleep,
		OnRetry: func(reason string) {
			o.metrics.ProviderRetries.WithLabelValues(reason).Inc()
		},
	})
	defer func() {
		if err := source.Close(); err != nil {
			log.WithError(err).Debug("Failed to close mail client")
		}
	}()

	refs, listErr := source.ListCandidates(ctx)
	summary.MessagesFetched += len(refs)
	o.metrics.MessagesFetched.Add(float64(len(refs)))
	if listErr != nil {
		if fatal(ctx, listErr) {
			return listErr
		}
		o.metrics.AccountFailures.WithLabelValues("list").Inc()
		log.WithError(listErr).WithField("partial", len(refs)).Warn("Listing messages stopped early")
	}

	if len(refs) > 0 {
		if err := o.processRefs(ctx, log, source, account, refs, summary); err != nil {
			return err
		}
	}

	patch := map[string]interface{}{
		model.MetaLastPollAt: o.opts.Now().UTC().Format(time.RFC3339),
		model.MetaLastError:  nil,
	}
	if listErr != nil {
		patch[model.MetaLastError] = listErr.Error()
	}
	if err := o.store.UpdateAccountMetadata(ctx, account.ID, patch); err != nil {
		return fmt.Errorf("failed to record poll time: %w", err)
	}
	return nil
}

func (o *Orchestrator) processRefs(ctx context.Context, log *logrus.Entry, source *mailbox.Source, account model.Account, refs []mailbox.MessageRef, summary *Summary) error {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}
	seen, err := o.store.SeenMessageIDs(ctx, account.ID, ids)
	if err != nil {
		return fmt.Errorf("failed to load ingested messages: %w", err)
	}

	for _, ref := range refs {
		if seen[ref.ID] {
			continue
		}
		// a listing can repeat an id across pages
		seen[ref.ID] = true

		msgLog := log.WithField("message_id", ref.ID)
		if err := o.processMessage(ctx, source, account, ref, summary); err != nil {
			if fatal(ctx, err) {
				return err
			}
			o.metrics.MessageFailures.Inc()
			msgLog.WithError(err).Warn("Skipping message")
		}
	}
	return nil
}

// processMessage turns one provider message into job, event and ingested
// message rows. A panic anywhere along the way fails only this message.
func (o *Orchestrator) processMessage(ctx context.Context, source *mailbox.Source, account model.Account, ref mailbox.MessageRef, summary *Summary) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing message %s: %v", ref.ID, r)
		}
	}()

	env, err := source.Fetch(ctx, ref.ID)
	if err != nil {
		return err
	}

	content := extract.Extract(env)
	parsed := o.classifier.Classify(classifier.Input{
		Subject:  content.Subject,
		Headers:  content.Headers,
		Snippet:  content.Snippet,
		BodyText: content.BodyText,
	})
	summary.MessagesParsed++
	o.metrics.MessagesParsed.Inc()

	company, role := deref(parsed.Company), deref(parsed.Role)
	raw, hash := classifier.DedupeKey(company, role, account.ID)

	threadID := ref.ThreadID
	if threadID == "" {
		threadID = env.ThreadID
	}
	receivedAt := env.InternalDate
	if receivedAt.IsZero() {
		receivedAt = o.opts.Now()
	}
	occurredAt := parsed.EventDate
	if occurredAt.IsZero() {
		occurredAt = receivedAt
	}

	unlock := o.locks.lock(hash)
	defer unlock()

	existing, err := o.store.FindJobByDedupeHash(ctx, hash)
	if err != nil {
		return err
	}

	job := &model.JobApplication{
		UserID:         account.UserID,
		EmailAccountID: account.ID,
		Company:        orUnknown(company),
		Role:           orUnknown(role),
		Source:         parsed.Source,
		Status:         parsed.Status,
		LastUpdateAt:   occurredAt,
		Confidence:     parsed.Confidence,
		DedupeKeyRaw:   raw,
		DedupeKeyHash:  hash,
	}
	if parsed.Status == model.StatusApplied {
		job.AppliedAt = &occurredAt
	}
	stored, err := o.store.UpsertJobApplication(ctx, job)
	if err != nil {
		return err
	}
	if existing != nil {
		summary.JobsUpdated++
		o.metrics.JobsUpdated.Inc()
	} else {
		summary.JobsCreated++
		o.metrics.JobsCreated.Inc()
	}

	if err := o.store.AppendEvent(ctx, &model.ApplicationEvent{
		JobApplicationID: stored.ID,
		EventType:        parsed.EventType,
		OccurredAt:       occurredAt,
		Payload: datatypes.JSONMap{
			model.PayloadProviderMessageID: ref.ID,
			model.PayloadThreadID:          threadID,
			model.PayloadSubject:           content.Subject,
		},
	}); err != nil {
		return err
	}
	summary.EventsCreated++
	o.metrics.EventsCreated.Inc()

	headers := datatypes.JSONMap{}
	for k, v := range content.Headers {
		headers[k] = v
	}
	return o.store.UpsertIngestedMessage(ctx, &model.IngestedMessage{
		EmailAccountID:    account.ID,
		ProviderMessageID: ref.ID,
		ThreadID:          threadID,
		Subject:           content.Subject,
		ReceivedAt:        receivedAt,
		Snippet:           content.Snippet,
		Headers:           headers,
		Parsed:            true,
	})
}

func (o *Orchestrator) skipAccount(ctx context.Context, log *logrus.Entry, account model.Account, reason string, cause error) error {
	o.metrics.AccountFailures.WithLabelValues(reason).Inc()
	log.WithError(cause).Warn("Skipping mail account")
	if err := o.store.UpdateAccountMetadata(ctx, account.ID, map[string]interface{}{
		model.MetaLastError: cause.Error(),
	}); err != nil {
		return fmt.Errorf("failed to record account error: %w", err)
	}
	return nil
}

func (o *Orchestrator) persistCredential(ctx context.Context, accountID string, cred token.Credential) error {
	if err := o.store.UpdateAccountTokens(ctx, accountID, cred.AccessToken, cred.RefreshToken, cred.Expiry); err != nil {
		return fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	return nil
}

func (o *Orchestrator) finish(log *logrus.Entry, outcome string, start time.Time, summary Summary) {
	elapsed := o.opts.Now().Sub(start)
	o.metrics.Runs.WithLabelValues(outcome).Inc()
	o.metrics.RunDuration.Observe(elapsed.Seconds())
	log.WithFields(logrus.Fields{
		"outcome":            outcome,
		"duration":           elapsed.String(),
		"accounts_processed": summary.AccountsProcessed,
		"messages_fetched":   summary.MessagesFetched,
		"messages_parsed":    summary.MessagesParsed,
		"jobs_created":       summary.JobsCreated,
		"jobs_updated":       summary.JobsUpdated,
		"events_created":     summary.EventsCreated,
	}).Info("Ingestion run finished")
}

// fatal reports whether err must end the run instead of being skipped.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, repository.ErrStoreUnavailable)
}

func credentialOf(account model.Account) token.Credential {
	cred := token.Credential{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
	}
	if account.TokenExpiresAt != nil {
		cred.Expiry = *account.TokenExpiresAt
	}
	return cred
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orUnknown(s string) string {
	if s == "" {
		return UnknownField
	}
	return s
}
