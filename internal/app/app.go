package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"job-app-tracker-go/internal/config"
	"job-app-tracker-go/internal/database"
	"job-app-tracker-go/internal/handler"
	"job-app-tracker-go/internal/ingest"
	"job-app-tracker-go/internal/mailbox"
	"job-app-tracker-go/internal/metrics"
	"job-app-tracker-go/internal/repository"
	"job-app-tracker-go/internal/router"
	"job-app-tracker-go/internal/scheduler"
	"job-app-tracker-go/internal/token"
)

// App holds the wired service components.
type App struct {
	Config       *config.Config
	DB           *gorm.DB
	Repo         *repository.Repository
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	OAuth        *oauth2.Config
	Orchestrator *ingest.Orchestrator
	Scheduler    *scheduler.Scheduler
}

// SetupLogging configures logrus the way every command expects.
func SetupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Warnf("Invalid log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// New connects to the database and builds the ingestion stack.
func New(cfg *config.Config) (*App, error) {
	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	repo := repository.New(db)
	oauthCfg := token.GoogleConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
	lifecycle := token.NewLifecycle(token.NewOAuthRefresher(oauthCfg))

	clients := ingest.ProviderClients{
		IMAPAddr:      cfg.IMAP.Addr(),
		NewerThanDays: cfg.Ingest.NewerThanDays,
	}
	orch := ingest.New(repo, lifecycle, clients.Factory(), m, ingest.Options{
		Limit:    cfg.Ingest.MaxMessagesPerRun,
		PageSize: cfg.Ingest.PageSize,
		Backoff: mailbox.Backoff{
			Base: cfg.Ingest.BackoffBase,
			Max:  cfg.Ingest.BackoffMax,
		},
		NewerThanDays: cfg.Ingest.NewerThanDays,
		Timeout:       cfg.Ingest.Timeout,
	})

	return &App{
		Config:       cfg,
		DB:           db,
		Repo:         repo,
		Registry:     registry,
		Metrics:      m,
		OAuth:        oauthCfg,
		Orchestrator: orch,
		Scheduler:    scheduler.NewScheduler(&cfg.Scheduler, orch),
	}, nil
}

// Handler builds the HTTP handler for the API.
func (a *App) Handler() http.Handler {
	h := handler.NewHandlers(a.Repo, a.Orchestrator, a.Scheduler, a.Registry)
	return router.SetupRouter(h)
}

// Serve runs the HTTP API and, when enabled, the scheduler until SIGINT or
// SIGTERM.
func (a *App) Serve() error {
	srv := &http.Server{
		Addr:         ":" + a.Config.Server.Port,
		Handler:      a.Handler(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	if a.Config.Scheduler.Enabled {
		if err := a.Scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	errChan := make(chan error, 1)
	go func() {
		logrus.Infof("Starting HTTP server on port %s", a.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case <-quit:
		logrus.Info("Shutting down server...")
	case serveErr = <-errChan:
		logrus.Errorf("HTTP server error: %v", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Scheduler.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	a.Scheduler.Wait()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	logrus.Info("Server stopped gracefully")
	return serveErr
}

// Close releases the database connection.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
