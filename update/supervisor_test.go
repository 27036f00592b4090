package update

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/mandelsoft/vfs/pkg/memoryfs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aerrors "go.hackfix.me/geofence/app/errors"
	"go.hackfix.me/geofence/firewall"
	"go.hackfix.me/geofence/metrics"
	"go.hackfix.me/geofence/models"
)

var errCycle = aerrors.New(aerrors.ErrFetch, "failed fetching country ranges", errors.New("timeout"))

func TestSupervisorRun(t *testing.T) {
	t.Parallel()

	const interval = 24 * time.Hour

	success := &Result{
		Countries: map[models.CountryCode]int{"se": 2},
		Set:       firewall.SetStats{Requested: 2, Normalized: 2, Added: 2},
		Duration:  time.Second,
	}

	tests := []struct {
		name string
		// outcomes are the results of consecutive cycles. After the last one,
		// graceful shutdown is requested.
		outcomes    []error
		maxFailures uint
		expErr      string
		expCycles   int
		expFailures int
		expMarker   bool
	}{
		{
			name:      "ok/graceful_after_successes",
			outcomes:  []error{nil, nil, nil},
			expCycles: 3,
			expMarker: true,
		},
		{
			name:        "ok/failures_reset_on_success",
			outcomes:    []error{errCycle, errCycle, nil, errCycle, errCycle, nil},
			maxFailures: 3,
			expCycles:   6,
			expMarker:   true,
		},
		{
			name:        "ok/failing_below_maximum",
			outcomes:    []error{errCycle, errCycle},
			maxFailures: 3,
			expCycles:   2,
			expFailures: 2,
		},
		{
			name:        "err/max_failures",
			outcomes:    []error{nil, errCycle, errCycle, errCycle, nil},
			maxFailures: 3,
			expErr:      "too many consecutive update failures",
			expCycles:   4,
			expFailures: 3,
			expMarker:   true,
		},
		{
			name:        "err/single_failure_allowed",
			outcomes:    []error{errCycle},
			maxFailures: 1,
			expErr:      "too many consecutive update failures",
			expCycles:   1,
			expFailures: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var cycles int
			cycler := cyclerFunc(func(context.Context) (*Result, error) {
				cycles++
				err := tt.outcomes[cycles-1]
				if cycles == len(tt.outcomes) {
					cancel()
				}
				if err != nil {
					return &Result{}, err
				}
				return success, nil
			})

			clock := newFakeClock()
			marker := NewMarker(memoryfs.New(), "/state/last-success")
			m := metrics.New()
			opts := []Option{
				WithInterval(interval),
				WithClock(clock),
				WithMarker(marker),
				WithMetrics(m),
				WithLogger(slog.New(slog.DiscardHandler)),
			}
			if tt.maxFailures > 0 {
				opts = append(opts, WithMaxFailures(tt.maxFailures))
			}
			sup, err := NewSupervisor(cycler, nil, opts...)
			require.NoError(t, err)

			err = sup.Run(ctx, context.Background())

			assert.Equal(t, tt.expCycles, cycles)
			assert.Equal(t, tt.expFailures, sup.Failures())
			assert.InDelta(t, tt.expFailures, testutil.ToFloat64(m.ConsecutiveFailures), 0)

			_, merr := marker.Read()
			if tt.expMarker {
				assert.NoError(t, merr)
			} else {
				assert.Error(t, merr)
			}

			if tt.expErr != "" {
				require.Error(t, err)
				assert.ErrorContains(t, err, tt.expErr)
				assert.ErrorIs(t, err, aerrors.ErrFatal)
				assert.ErrorIs(t, err, aerrors.ErrFetch)
				assert.Equal(t, aerrors.ErrFatal, aerrors.KindOf(err))
				// No wait after the fatal cycle.
				assert.Len(t, clock.Waits(), tt.expCycles-1)
				return
			}

			require.NoError(t, err)
			for _, w := range clock.Waits() {
				assert.Equal(t, interval, w)
			}
		})
	}
}

func TestSupervisorRunUrgent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cycleCtx, cancelCycle := context.WithCancel(context.Background())
	defer cancelCycle()

	var cycles int
	cycler := cyclerFunc(func(cctx context.Context) (*Result, error) {
		cycles++
		cancel()
		cancelCycle()
		return &Result{}, cctx.Err()
	})

	sup, err := NewSupervisor(cycler, nil,
		WithClock(newFakeClock()), WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	err = sup.Run(ctx, cycleCtx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "update loop aborted")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, aerrors.ErrFatal)
	assert.Equal(t, 1, cycles)
	// An aborted cycle doesn't count as a failure.
	assert.Equal(t, 0, sup.Failures())
}

func TestSupervisorProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		failFirst   int
		attempts    uint
		canceled    bool
		expErr      string
		expProbes   int
		expCycleRun bool
	}{
		{
			name:        "ok/first_attempt",
			attempts:    3,
			expProbes:   1,
			expCycleRun: true,
		},
		{
			name:        "ok/after_retries",
			failFirst:   2,
			attempts:    3,
			expProbes:   3,
			expCycleRun: true,
		},
		{
			name:      "ok/canceled_during_probe",
			failFirst: 100,
			attempts:  3,
			canceled:  true,
		},
		{
			name:      "err/unreachable",
			failFirst: 100,
			attempts:  2,
			expErr:    "registry is not reachable: connection refused",
			expProbes: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.canceled {
				cancel()
			}

			var probes int
			prober := proberFunc(func(context.Context) error {
				probes++
				if probes <= tt.failFirst {
					return errors.New("connection refused")
				}
				return nil
			})

			var cycleRun bool
			cycler := cyclerFunc(func(context.Context) (*Result, error) {
				cycleRun = true
				cancel()
				return &Result{}, nil
			})

			sup, err := NewSupervisor(cycler, prober,
				WithProbe(tt.attempts, time.Millisecond),
				WithClock(newFakeClock()),
				WithLogger(slog.New(slog.DiscardHandler)))
			require.NoError(t, err)

			err = sup.Run(ctx, context.Background())
			assert.Equal(t, tt.expCycleRun, cycleRun)
			if !tt.canceled {
				assert.Equal(t, tt.expProbes, probes)
			}

			if tt.expErr != "" {
				require.Error(t, err)
				assert.ErrorContains(t, err, tt.expErr)
				assert.ErrorIs(t, err, aerrors.ErrPrerequisite)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNewSupervisorOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		opt    Option
		expErr string
	}{
		{name: "ok/interval", opt: WithInterval(time.Minute)},
		{name: "err/interval", opt: WithInterval(0), expErr: "invalid update interval 0s"},
		{name: "err/max_failures", opt: WithMaxFailures(0), expErr: "invalid max consecutive failures"},
		{name: "err/probe_attempts", opt: WithProbe(0, time.Second), expErr: "invalid probe attempts"},
		{name: "err/probe_delay", opt: WithProbe(1, 0), expErr: "invalid probe delay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sup, err := NewSupervisor(nil, nil, tt.opt)
			if tt.expErr != "" {
				require.Error(t, err)
				assert.ErrorContains(t, err, tt.expErr)
				assert.Nil(t, sup)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, sup)
		})
	}
}
