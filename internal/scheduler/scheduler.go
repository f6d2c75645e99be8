package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"job-app-tracker-go/internal/config"
	"job-app-tracker-go/internal/ingest"
)

// ErrRunInProgress is returned by RunOnce while another run is active.
var ErrRunInProgress = errors.New("an ingestion run is already in progress")

// Runner ingests mail for every user. ingest.Orchestrator implements it.
type Runner interface {
	RunAll(ctx context.Context) (ingest.Summary, error)
}

// Status describes the scheduler for the API.
type Status struct {
	Running         bool            `json:"running"`
	IntervalMinutes int             `json:"interval_minutes"`
	NextRun         *time.Time      `json:"next_run,omitempty"`
	LastRun         *time.Time      `json:"last_run,omitempty"`
	LastSummary     *ingest.Summary `json:"last_summary,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
}

// Scheduler manages the periodic ingestion runs
type Scheduler struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	config    *config.SchedulerConfig
	runner    Runner
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
	// opMu serialises Start and Stop; mu is never held while waiting on a run.
	opMu sync.Mutex

	// runMu keeps scheduled and manual runs from overlapping.
	runMu       sync.Mutex
	lastRun     time.Time
	lastSummary *ingest.Summary
	lastErr     error
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg *config.SchedulerConfig, runner Runner) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		config: cfg,
		runner: runner,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}
	if s.config.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler interval must be greater than 0")
	}

	// Schedule the job to run every N minutes
	schedule := fmt.Sprintf("0 */%d * * * *", s.config.IntervalMinutes)

	entryID, err := s.cron.AddFunc(schedule, s.runScheduled)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started with interval: %d minutes", s.config.IntervalMinutes)
	return nil
}

// Stop stops the scheduler and cancels a run in progress
func (s *Scheduler) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	cancel, entryID := s.cancel, s.entryID
	s.isRunning = false
	s.mu.Unlock()

	// Cancel context to stop any running operations
	cancel()

	ctx := s.cron.Stop()

	// Wait for all jobs to complete
	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}

	s.cron.Remove(entryID)
	s.mu.Lock()
	s.entryID = 0
	s.mu.Unlock()
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// runScheduled is the function cron calls every interval
func (s *Scheduler) runScheduled() {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		logrus.Info("Scheduler not running, skipping ingestion cycle")
		return
	}
	ctx := s.ctx
	s.mu.RUnlock()

	if _, err := s.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			logrus.Info("Previous ingestion cycle still running, skipping")
			return
		}
		logrus.Errorf("Scheduled ingestion failed: %v", err)
	}
}

// RunOnce runs ingestion for every user now. It refuses to start while
// another run is in progress.
func (s *Scheduler) RunOnce(ctx context.Context) (ingest.Summary, error) {
	if !s.runMu.TryLock() {
		return ingest.Summary{}, ErrRunInProgress
	}
	defer s.runMu.Unlock()

	logrus.Info("Starting ingestion cycle")
	startTime := time.Now()

	summary, err := s.runner.RunAll(ctx)

	s.mu.Lock()
	s.lastRun = startTime
	s.lastSummary = &summary
	s.lastErr = err
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"duration":         time.Since(startTime).String(),
		"accounts":         summary.AccountsProcessed,
		"messages_parsed":  summary.MessagesParsed,
		"jobs_created":     summary.JobsCreated,
		"jobs_updated":     summary.JobsUpdated,
		"events_created":   summary.EventsCreated,
		"messages_fetched": summary.MessagesFetched,
	}).Info("Ingestion cycle completed")

	return summary, err
}

// GetNextRun returns the time of the next scheduled run
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// GetLastRun returns when the last run, scheduled or manual, started
func (s *Scheduler) GetLastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// Status snapshots the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Running:         s.isRunning,
		IntervalMinutes: s.config.IntervalMinutes,
	}
	if s.isRunning {
		if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}
	if !s.lastRun.IsZero() {
		last := s.lastRun
		st.LastRun = &last
	}
	if s.lastSummary != nil {
		summary := *s.lastSummary
		st.LastSummary = &summary
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Wait waits for scheduled runs to finish
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
