package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	Runs              *prometheus.CounterVec
	AccountsProcessed prometheus.Counter
	AccountFailures   *prometheus.CounterVec
	MessagesFetched   prometheus.Counter
	MessagesParsed    prometheus.Counter
	MessageFailures   prometheus.Counter
	JobsCreated       prometheus.Counter
	JobsUpdated       prometheus.Counter
	EventsCreated     prometheus.Counter
	ProviderRetries   *prometheus.CounterVec
	TokenRefreshes    *prometheus.CounterVec
	RunDuration       prometheus.Histogram
}

// NewMetrics registers the collectors with reg. Passing nil registers with
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "job_app_tracker_ingest_runs_total",
			Help: "Total number of ingestion runs by outcome",
		}, []string{"outcome"}),
		AccountsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "job_app_tracker_accounts_processed_total",
			Help: "Total number of mail accounts polled",
		}),
		AccountFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "job_app_tracker_account_failures_total",
			Help: "Total number of accounts skipped or cut short, by reason",
		}, []string{"reason"}),
		MessagesFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "job_app_tracker_messages_fetched_total",
			Help: "Total number of messages fetched from mail providers",
		}),
		MessagesParsed: factory.NewCounter(prometheus.CounterOpts{
			Name: "job_app_tracker_messages_parsed_total",
			Help: "Total number of messages classified",
		}),
		MessageFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "job_app_tracker_message_failures_total",
			Help: "Total number of messages skipped because processing failed",
		}),
		JobsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "job_app_tracker_jobs_created_total",
			Help: "Total number of job applications created",
		}),
		JobsUpdated: factory.NewCounter(prometheus.CounterOpts{
			Name: "job_app_tracker_jobs_updated_total",
			Help: "Total number of job applications updated",
		}),
		EventsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "job_app_tracker_events_created_total",
			Help: "Total number of application events appended",
		}),
		ProviderRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "job_app_tracker_provider_retries_total",
			Help: "Total number of retried mail provider calls, by reason",
		}, []string{"reason"}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "job_app_tracker_token_refreshes_total",
			Help: "Total number of OAuth token refreshes by outcome",
		}, []string{"outcome"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "job_app_tracker_ingest_run_duration_seconds",
			Help:    "Time spent in one ingestion run",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
