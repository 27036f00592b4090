package cli

import (
	"fmt"
	"time"

	"github.com/mandelsoft/vfs/pkg/vfs"

	"go.hackfix.me/geofence/app/config"
	actx "go.hackfix.me/geofence/app/context"
	aerrors "go.hackfix.me/geofence/app/errors"
	"go.hackfix.me/geofence/update"
	"go.hackfix.me/geofence/xtime"
)

// Healthcheck checks that the last successful update is recent enough.
type Healthcheck struct {
	//nolint:lll // Long struct tags are unavoidable.
	MaxAge time.Duration `type:"duration" env:"HEALTHCHECK_MAX_AGE" help:"Maximum age of the last successful update. Defaults to twice the update interval."`
}

// Run the healthcheck command.
func (c *Healthcheck) Run(appCtx *actx.Context, cfg *config.Config) error {
	maxAge := c.MaxAge
	if maxAge <= 0 {
		maxAge = 2 * cfg.Interval
	}

	marker := update.NewMarker(appCtx.FS, cfg.MarkerFile)
	age, err := marker.Age(appCtx.Clock.Now())
	if err != nil {
		if vfs.IsErrNotExist(err) {
			return aerrors.NewWith("no successful update recorded", "path", cfg.MarkerFile)
		}
		return aerrors.NewWithCause("failed reading liveness marker", err, "path", cfg.MarkerFile)
	}

	if age > maxAge {
		return aerrors.NewWith("last successful update is too old",
			"age", xtime.FormatDuration(age), "max_age", xtime.FormatDuration(maxAge))
	}

	fmt.Fprintf(appCtx.Stdout, "ok: last successful update %s ago\n", xtime.FormatDuration(age))

	return nil
}
