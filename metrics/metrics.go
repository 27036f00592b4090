// Package metrics exposes the state of update cycles as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.hackfix.me/geofence/models"
)

const namespace = "geofence"

// Cycle results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds all geofence metrics, in a registry of their own.
type Metrics struct {
	registry *prometheus.Registry

	Cycles              *prometheus.CounterVec
	ConsecutiveFailures prometheus.Gauge
	SetEntries          prometheus.Gauge
	LastSuccess         prometheus.Gauge
	CountryRanges       *prometheus.GaugeVec
	CycleDuration       prometheus.Histogram
}

// New returns a new Metrics instance.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Number of update cycles by result.",
		}, []string{"result"}),
		ConsecutiveFailures: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_failures",
			Help:      "Number of consecutive failed update cycles.",
		}),
		SetEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "set_entries",
			Help:      "Number of entries loaded into the membership set by the last successful cycle.",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the end of the last successful update cycle.",
		}),
		CountryRanges: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "country_ranges",
			Help:      "Number of ranges fetched per country by the last successful cycle.",
		}, []string{"country"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of update cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
}

// CycleSucceeded records a successful cycle that ended at the given time.
func (m *Metrics) CycleSucceeded(
	at time.Time, dur time.Duration, entries int, countries map[models.CountryCode]int,
) {
	m.Cycles.WithLabelValues(ResultSuccess).Inc()
	m.CycleDuration.Observe(dur.Seconds())
	m.ConsecutiveFailures.Set(0)
	m.SetEntries.Set(float64(entries))
	m.LastSuccess.Set(float64(at.Unix()))

	// Countries may have been removed from the configuration since the last
	// cycle.
	m.CountryRanges.Reset()
	for cc, n := range countries {
		m.CountryRanges.WithLabelValues(string(cc)).Set(float64(n))
	}
}

// CycleFailed records a failed cycle.
func (m *Metrics) CycleFailed(dur time.Duration, consecutive int) {
	m.Cycles.WithLabelValues(ResultFailure).Inc()
	m.CycleDuration.Observe(dur.Seconds())
	m.ConsecutiveFailures.Set(float64(consecutive))
}

// Handler returns the HTTP handler that serves the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve serves the metrics on /metrics at the given address until ctx is done,
// and then shuts down the server gracefully.
func (m *Metrics) Serve(ctx context.Context, address string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              address,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvDone := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "address", address)
		srvDone <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Debug("shutting down metrics server")
	case srvErr := <-srvDone:
		if srvErr != nil && !errors.Is(srvErr, http.ErrServerClosed) {
			return fmt.Errorf("metrics server error: %w", srvErr)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed shutting down metrics server: %w", err)
	}

	return nil
}
