package cli

import (
	"go.hackfix.me/geofence/app/config"
	actx "go.hackfix.me/geofence/app/context"
	aerrors "go.hackfix.me/geofence/app/errors"
	"go.hackfix.me/geofence/firewall"
)

// Remove deletes all rules and sets created by geofence.
type Remove struct{}

// Run the remove command.
func (c *Remove) Run(appCtx *actx.Context, cfg *config.Config) error {
	if err := firewall.ValidateSetName(cfg.SetName); err != nil {
		return aerrors.New(aerrors.ErrConfig, "invalid set name", err, "set", cfg.SetName)
	}

	fwMgr, err := setupFirewall(appCtx, cfg)
	if err != nil {
		return err
	}

	err = fwMgr.Firewall().Teardown(cfg.SetName, firewall.WorkingSetName(cfg.SetName))
	if err != nil {
		return aerrors.NewWithCause("failed removing firewall rules and sets", err,
			"firewall", cfg.Firewall)
	}

	appCtx.Logger.Info("removed firewall rules and sets", "set", cfg.SetName)

	return nil
}
