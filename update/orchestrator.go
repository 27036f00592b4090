package update

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/nrednav/cuid2"

	"go.hackfix.me/geofence/app/config"
	aerrors "go.hackfix.me/geofence/app/errors"
	"go.hackfix.me/geofence/firewall"
	ftypes "go.hackfix.me/geofence/firewall/types"
	"go.hackfix.me/geofence/models"
)

// Fetcher retrieves the IPv4 ranges assigned to a country.
type Fetcher interface {
	Fetch(ctx context.Context, cc models.CountryCode) ([]netip.Prefix, error)
}

// Result is the outcome of a successful update cycle.
type Result struct {
	CycleID string
	// Countries is the number of ranges fetched per country.
	Countries map[models.CountryCode]int
	Set       firewall.SetStats
	// Scopes are the scopes where the policy is installed.
	Scopes   []ftypes.Scope
	Started  time.Time
	Duration time.Duration
}

// Orchestrator runs a single update cycle: it fetches the ranges of all
// allowed countries, replaces the membership set, and reconciles the rules
// that reference it.
type Orchestrator struct {
	cfg     *config.Config
	fetcher Fetcher
	fwMgr   *firewall.Manager
	clock   models.Clock
	logger  *slog.Logger
}

// NewOrchestrator returns a new Orchestrator instance.
func NewOrchestrator(
	cfg *config.Config, fetcher Fetcher, fwMgr *firewall.Manager,
	clock models.Clock, logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		fetcher: fetcher,
		fwMgr:   fwMgr,
		clock:   clock,
		logger:  logger.With("component", "update"),
	}
}

// Run executes one update cycle. It stops at the first failing stage, and the
// returned error wraps the kind of that failure. Nothing is changed on the
// firewall unless every country was fetched and validated, and the total
// number of ranges is not zero.
func (o *Orchestrator) Run(ctx context.Context) (res *Result, err error) {
	res = &Result{
		CycleID:   cuid2.Generate(),
		Countries: map[models.CountryCode]int{},
		Started:   o.clock.Now(),
	}
	logger := o.logger.With("cycle_id", res.CycleID)
	fwMgr := o.fwMgr.With("cycle_id", res.CycleID)

	defer func() {
		res.Duration = o.clock.Now().Sub(res.Started)
		if err != nil {
			err = aerrors.With(err, "cycle_id", res.CycleID)
		}
	}()

	logger.Info("starting update cycle")

	if err = o.cfg.Validate(); err != nil {
		return res, err
	}
	countries, err := o.cfg.CountryCodes()
	if err != nil {
		return res, aerrors.New(aerrors.ErrConfig, "invalid allowed countries", err)
	}

	if err = fwMgr.Firewall().Check(ctx); err != nil {
		return res, aerrors.New(aerrors.ErrPrerequisite, "firewall prerequisites not met", err)
	}

	var all []netip.Prefix
	for _, cc := range countries {
		if err = checkpoint(ctx); err != nil {
			return res, err
		}
		prefixes, ferr := o.fetcher.Fetch(ctx, cc)
		if ferr != nil {
			if aerrors.KindOf(ferr) == nil {
				ferr = aerrors.New(aerrors.ErrFetch, "failed fetching country ranges", ferr, "country", cc)
			}
			return res, ferr
		}
		logger.Info("fetched country ranges", "country", cc, "ranges", len(prefixes))
		res.Countries[cc] = len(prefixes)
		all = append(all, prefixes...)
	}

	if len(all) == 0 {
		return res, aerrors.New(aerrors.ErrEmptyResult, "no ranges fetched for any allowed country", nil,
			"countries", o.cfg.Countries)
	}

	if err = checkpoint(ctx); err != nil {
		return res, err
	}
	res.Set, err = fwMgr.ReplaceSet(o.cfg.SetName, all)
	if err != nil {
		return res, err
	}
	logger.Info("replaced membership set", "set", o.cfg.SetName,
		"requested", res.Set.Requested, "normalized", res.Set.Normalized,
		"added", res.Set.Added, "failed", res.Set.Failed)

	if err = checkpoint(ctx); err != nil {
		return res, err
	}
	policy := o.cfg.Policy()
	res.Scopes, err = fwMgr.ReconcileRules(policy)
	if err != nil {
		return res, err
	}
	if err = fwMgr.VerifyRules(policy, res.Scopes); err != nil {
		return res, err
	}

	logger.Info("update cycle succeeded", "scopes", res.Scopes,
		"entries", res.Set.Added, "duration", o.clock.Now().Sub(res.Started))

	return res, nil
}

// checkpoint returns an error if the cycle was cancelled.
func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("update cycle interrupted: %w", err)
	}
	return nil
}

