package cli

import (
	"go.hackfix.me/geofence/app/config"
	actx "go.hackfix.me/geofence/app/context"
	aerrors "go.hackfix.me/geofence/app/errors"
	"go.hackfix.me/geofence/update"
)

// Update runs a single update cycle.
type Update struct {
	NoMarker bool `help:"Don't update the marker file on success."`
}

// Run the update command.
func (c *Update) Run(appCtx *actx.Context, cfg *config.Config) error {
	orch, _, err := setupUpdater(appCtx, cfg)
	if err != nil {
		return err
	}

	if _, err = orch.Run(appCtx.Ctx); err != nil {
		return err //nolint:wrapcheck // Already structured.
	}

	if c.NoMarker {
		return nil
	}

	marker := update.NewMarker(appCtx.FS, cfg.MarkerFile)
	if err = marker.Touch(appCtx.Clock.Now()); err != nil {
		return aerrors.NewWithCause("failed updating liveness marker", err, "path", cfg.MarkerFile)
	}

	return nil
}
