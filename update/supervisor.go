package update

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	aerrors "go.hackfix.me/geofence/app/errors"
	"go.hackfix.me/geofence/metrics"
	"go.hackfix.me/geofence/models"
)

// Cycler runs a single update cycle.
type Cycler interface {
	Run(ctx context.Context) (*Result, error)
}

// Prober checks whether the registry is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// Supervisor runs update cycles periodically, and gives up after too many
// consecutive failures.
type Supervisor struct {
	cycler        Cycler
	prober        Prober
	interval      time.Duration
	maxFailures   int
	probeAttempts uint
	probeDelay    time.Duration
	marker        *Marker
	metrics       *metrics.Metrics
	clock         models.Clock
	logger        *slog.Logger

	failures int
}

// NewSupervisor returns a new Supervisor instance.
func NewSupervisor(cycler Cycler, prober Prober, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{cycler: cycler, prober: prober}

	opts = append(DefaultOptions(), opts...)
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Failures returns the current number of consecutive failed cycles.
func (s *Supervisor) Failures() int {
	return s.failures
}

// Run probes the registry, and then runs update cycles until ctx is cancelled,
// or until the maximum number of consecutive failures is reached.
//
// ctx is only checked between cycles, so a cycle in progress is always
// completed. cycleCtx is passed to the cycles, and cancelling it aborts the
// cycle in progress. Run returns nil if it stopped because ctx was cancelled,
// and an error otherwise.
func (s *Supervisor) Run(ctx, cycleCtx context.Context) error {
	if err := s.probe(ctx); err != nil {
		if ctx.Err() != nil {
			s.logger.Info("shutdown requested during startup")
			return nil
		}
		return err
	}

	s.logger.Info("starting update loop",
		"interval", s.interval, "max_failures", s.maxFailures)

	for {
		if ctx.Err() != nil {
			s.logger.Info("shutdown requested, stopping update loop")
			return nil
		}

		started := s.clock.Now()
		res, err := s.cycler.Run(cycleCtx)
		ended := s.clock.Now()

		if cycleCtx.Err() != nil {
			return aerrors.New(aerrors.ErrFatal, "update loop aborted", cycleCtx.Err())
		}

		if err != nil {
			s.failures++
			if s.metrics != nil {
				s.metrics.CycleFailed(ended.Sub(started), s.failures)
			}
			aerrors.Log(s.logger, aerrors.With(err, "consecutive_failures", s.failures))
			if s.failures >= s.maxFailures {
				return aerrors.New(aerrors.ErrFatal, "too many consecutive update failures", err,
					"failures", s.failures)
			}
		} else {
			s.succeeded(res, ended)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("shutdown requested, stopping update loop")
			return nil
		case <-cycleCtx.Done():
			return aerrors.New(aerrors.ErrFatal, "update loop aborted", cycleCtx.Err())
		case <-s.clock.After(s.interval):
		}
	}
}

func (s *Supervisor) succeeded(res *Result, at time.Time) {
	s.failures = 0

	if s.marker != nil {
		if err := s.marker.Touch(at); err != nil {
			s.logger.Warn("failed updating liveness marker",
				"path", s.marker.Path(), "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.CycleSucceeded(at, res.Duration, res.Set.Added, res.Countries)
	}
}

// probe waits until the registry is reachable, up to the configured number of
// attempts.
func (s *Supervisor) probe(ctx context.Context) error {
	if s.prober == nil {
		return nil
	}

	b := retry.WithMaxRetries(uint64(s.probeAttempts-1), retry.NewConstant(s.probeDelay))

	var attempt uint
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := s.prober.Probe(ctx); err != nil {
			s.logger.Warn("registry probe failed",
				"attempt", attempt, "max_attempts", s.probeAttempts, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return aerrors.New(aerrors.ErrPrerequisite, "registry is not reachable", err,
			"attempts", attempt)
	}

	return nil
}
