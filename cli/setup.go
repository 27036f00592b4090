package cli

import (
	"go.hackfix.me/geofence/app/config"
	actx "go.hackfix.me/geofence/app/context"
	aerrors "go.hackfix.me/geofence/app/errors"
	"go.hackfix.me/geofence/firewall"
	"go.hackfix.me/geofence/registry"
	"go.hackfix.me/geofence/update"
)

// setupFirewall returns the firewall manager for the configured firewall
// implementation, or for the one set on the app context.
func setupFirewall(appCtx *actx.Context, cfg *config.Config) (*firewall.Manager, error) {
	opts := cfg.FirewallOptions()
	if appCtx.Firewall != nil {
		opts = append(opts, firewall.WithLogger(appCtx.Logger))
		//nolint:wrapcheck // Only fails for a nil firewall.
		return firewall.NewManager(appCtx.Firewall, opts...)
	}

	_, fwMgr, err := firewall.Setup(cfg.Firewall, appCtx.Logger, opts...)
	if err != nil {
		return nil, aerrors.New(aerrors.ErrPrerequisite, "failed setting up firewall", err,
			"firewall", cfg.Firewall)
	}

	return fwMgr, nil
}

// setupUpdater validates the configuration, and returns the orchestrator of
// update cycles along with the registry client it uses.
func setupUpdater(appCtx *actx.Context, cfg *config.Config) (*update.Orchestrator, *registry.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	opts := append(cfg.RegistryOptions(), registry.WithLogger(appCtx.Logger))
	if appCtx.HTTPTransport != nil {
		opts = append(opts, registry.WithTransport(appCtx.HTTPTransport))
	}
	client, err := registry.New(opts...)
	if err != nil {
		return nil, nil, aerrors.New(aerrors.ErrConfig, "invalid registry settings", err)
	}

	fwMgr, err := setupFirewall(appCtx, cfg)
	if err != nil {
		return nil, nil, err
	}

	orch := update.NewOrchestrator(cfg, client, fwMgr, appCtx.Clock, appCtx.Logger)

	return orch, client, nil
}
