package update

import (
	"fmt"
	"log/slog"
	"time"

	"go.hackfix.me/geofence/metrics"
	"go.hackfix.me/geofence/models"
)

// Option is a function that allows configuring the Supervisor.
type Option func(*Supervisor) error

// WithInterval sets the time between the start of two cycles.
func WithInterval(d time.Duration) Option {
	return func(s *Supervisor) error {
		if d <= 0 {
			return fmt.Errorf("invalid update interval %s: must be positive", d)
		}
		s.interval = d
		return nil
	}
}

// WithMaxFailures sets the number of consecutive failed cycles after which
// the supervisor gives up.
func WithMaxFailures(n uint) Option {
	return func(s *Supervisor) error {
		if n == 0 {
			return fmt.Errorf("invalid max consecutive failures: must be at least 1")
		}
		s.maxFailures = int(n)
		return nil
	}
}

// WithProbe sets how many times the registry is probed at startup, and the
// delay between attempts.
func WithProbe(attempts uint, delay time.Duration) Option {
	return func(s *Supervisor) error {
		if attempts == 0 {
			return fmt.Errorf("invalid probe attempts: must be at least 1")
		}
		if delay <= 0 {
			return fmt.Errorf("invalid probe delay %s: must be positive", delay)
		}
		s.probeAttempts = attempts
		s.probeDelay = delay
		return nil
	}
}

// WithMarker sets the marker that is touched after every successful cycle.
func WithMarker(m *Marker) Option {
	return func(s *Supervisor) error {
		s.marker = m
		return nil
	}
}

// WithMetrics sets the metrics that are updated after every cycle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) error {
		s.metrics = m
		return nil
	}
}

// WithClock sets the source of time.
func WithClock(c models.Clock) Option {
	return func(s *Supervisor) error {
		s.clock = c
		return nil
	}
}

// WithLogger sets the logger used by the Supervisor.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) error {
		s.logger = logger.With("component", "supervisor")
		return nil
	}
}

// DefaultOptions returns the default Supervisor options.
func DefaultOptions() []Option {
	return []Option{
		WithInterval(7 * 24 * time.Hour),
		WithMaxFailures(3),
		WithProbe(30, 10*time.Second),
		WithClock(models.SystemClock{}),
		WithLogger(slog.Default()),
	}
}
