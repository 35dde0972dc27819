// Package metrics exposes sync engine counters over Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	polls          *prometheus.CounterVec
	pollDuration   *prometheus.HistogramVec
	ingested       *prometheus.CounterVec
	duplicates     *prometheus.CounterVec
	resolutions    *prometheus.CounterVec
	reconcileMiss  prometheus.Counter
	rateLimited    *prometheus.CounterVec
	jobRetries     *prometheus.CounterVec
	jobFailures    *prometheus.CounterVec
	connectionDial *prometheus.CounterVec
	sends          *prometheus.CounterVec
}

// New creates and registers the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_polls_total",
			Help: "Account polls by platform and result.",
		}, []string{"platform", "result"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "unibox_poll_duration_seconds",
			Help:    "Duration of account polls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_messages_ingested_total",
			Help: "Messages stored by platform and direction.",
		}, []string{"platform", "direction"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_messages_duplicate_total",
			Help: "Messages dropped as already stored.",
		}, []string{"platform"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_resolutions_total",
			Help: "Conversation resolutions by rule.",
		}, []string{"platform", "outcome"}),
		reconcileMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unibox_reconcile_missing_total",
			Help: "Remote messages found missing locally by reconciliation.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_rate_limited_total",
			Help: "Calls refused by a local or remote rate limit.",
		}, []string{"platform", "operation"}),
		jobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_job_retries_total",
			Help: "Job attempts scheduled for retry.",
		}, []string{"type"}),
		jobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_job_failures_total",
			Help: "Jobs abandoned after their last attempt or rejected as invalid.",
		}, []string{"type", "reason"}),
		connectionDial: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_connection_dials_total",
			Help: "IMAP connection attempts by result.",
		}, []string{"result"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unibox_sends_total",
			Help: "Outbound sends by platform and result.",
		}, []string{"platform", "result"}),
	}

	m.registry.MustRegister(
		m.polls, m.pollDuration, m.ingested, m.duplicates, m.resolutions,
		m.reconcileMiss, m.rateLimited, m.jobRetries, m.jobFailures,
		m.connectionDial, m.sends,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Poll records one poll
func (m *Metrics) Poll(platform, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(platform, result).Inc()
	m.pollDuration.WithLabelValues(platform).Observe(d.Seconds())
}

// Ingested records a stored message
func (m *Metrics) Ingested(platform, direction string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(platform, direction).Inc()
}

// Duplicate records a message that was already stored
func (m *Metrics) Duplicate(platform string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(platform).Inc()
}

// Resolved records which rule placed a message
func (m *Metrics) Resolved(platform, outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(platform, outcome).Inc()
}

// ReconcileMissing adds n messages found missing
func (m *Metrics) ReconcileMissing(n int) {
	if m == nil {
		return
	}
	m.reconcileMiss.Add(float64(n))
}

// RateLimited records a refused call
func (m *Metrics) RateLimited(platform, operation string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(platform, operation).Inc()
}

// JobRetry records a scheduled retry
func (m *Metrics) JobRetry(jobType string) {
	if m == nil {
		return
	}
	m.jobRetries.WithLabelValues(jobType).Inc()
}

// JobFailed records an abandoned or invalid job
func (m *Metrics) JobFailed(jobType, reason string) {
	if m == nil {
		return
	}
	m.jobFailures.WithLabelValues(jobType, reason).Inc()
}

// Dial records a connection attempt; usable as an email manager OnDial hook
func (m *Metrics) Dial(_ int64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.connectionDial.WithLabelValues(result).Inc()
}

// Sent records an outbound send
func (m *Metrics) Sent(platform, result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(platform, result).Inc()
}
