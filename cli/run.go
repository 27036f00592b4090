package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.hackfix.me/geofence/app/config"
	actx "go.hackfix.me/geofence/app/context"
	"go.hackfix.me/geofence/metrics"
	"go.hackfix.me/geofence/update"
)

// Run keeps the allow list up to date until stopped.
type Run struct {
	//nolint:lll // Long struct tags are unavoidable.
	MetricsAddress string `env:"METRICS_ADDRESS" help:"[host]:port to serve Prometheus metrics on, at /metrics. Metrics are disabled if empty."`
}

// Run the run command.
//
// The first SIGINT or SIGTERM stops the loop after the cycle in progress, if
// any. A second signal aborts the cycle in progress.
func (c *Run) Run(appCtx *actx.Context, cfg *config.Config) error {
	orch, client, err := setupUpdater(appCtx, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(appCtx.Ctx)
	defer cancel()
	cycleCtx, cancelCycle := context.WithCancel(context.WithoutCancel(appCtx.Ctx))
	defer cancelCycle()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case s := <-sigCh:
			appCtx.Logger.Info("received signal, stopping after the current cycle", "signal", s)
			cancel()
		case <-ctx.Done():
		}
		select {
		case s := <-sigCh:
			appCtx.Logger.Warn("received signal, aborting the current cycle", "signal", s)
			cancelCycle()
		case <-cycleCtx.Done():
		}
	}()

	m := metrics.New()
	if c.MetricsAddress != "" {
		srvCtx, stopSrv := context.WithCancel(context.WithoutCancel(appCtx.Ctx))
		srvDone := make(chan struct{})
		go func() {
			defer close(srvDone)
			if srvErr := m.Serve(srvCtx, c.MetricsAddress, appCtx.Logger); srvErr != nil {
				appCtx.Logger.Error(srvErr.Error(), "address", c.MetricsAddress)
			}
		}()
		defer func() {
			stopSrv()
			<-srvDone
		}()
	}

	sup, err := update.NewSupervisor(orch, client,
		update.WithInterval(cfg.Interval),
		update.WithMaxFailures(cfg.MaxFailures),
		update.WithProbe(cfg.ProbeAttempts, cfg.ProbeDelay),
		update.WithMarker(update.NewMarker(appCtx.FS, cfg.MarkerFile)),
		update.WithMetrics(m),
		update.WithClock(appCtx.Clock),
		update.WithLogger(appCtx.Logger),
	)
	if err != nil {
		return err
	}

	return sup.Run(ctx, cycleCtx) //nolint:wrapcheck // Already structured.
}
