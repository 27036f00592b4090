package cli

import (
	"fmt"
	"strconv"

	"github.com/mandelsoft/vfs/pkg/vfs"

	"go.hackfix.me/geofence/app/config"
	actx "go.hackfix.me/geofence/app/context"
	aerrors "go.hackfix.me/geofence/app/errors"
	"go.hackfix.me/geofence/firewall"
	ftypes "go.hackfix.me/geofence/firewall/types"
	"go.hackfix.me/geofence/update"
	"go.hackfix.me/geofence/xtime"
)

// Status shows the membership set and the installed rules.
type Status struct{}

// Run the status command.
func (c *Status) Run(appCtx *actx.Context, cfg *config.Config) error {
	if err := firewall.ValidateSetName(cfg.SetName); err != nil {
		return aerrors.New(aerrors.ErrConfig, "invalid set name", err, "set", cfg.SetName)
	}

	fwMgr, err := setupFirewall(appCtx, cfg)
	if err != nil {
		return err
	}
	fw := fwMgr.Firewall()

	entries := "absent"
	exists, err := fw.SetExists(cfg.SetName)
	if err != nil {
		return aerrors.NewWithCause("failed reading set", err, "set", cfg.SetName)
	}
	if exists {
		n, err := fw.SetLen(cfg.SetName)
		if err != nil {
			return aerrors.NewWithCause("failed reading set", err, "set", cfg.SetName)
		}
		entries = strconv.Itoa(n)
	}

	lastSuccess := "never"
	marker := update.NewMarker(appCtx.FS, cfg.MarkerFile)
	if t, merr := marker.Read(); merr == nil {
		lastSuccess = fmt.Sprintf("%s (%s ago)", t.Format("2006-01-02 15:04:05 MST"),
			xtime.FormatDuration(appCtx.Clock.Now().Sub(t)))
	} else if !vfs.IsErrNotExist(merr) {
		appCtx.Logger.Warn("failed reading liveness marker", "path", cfg.MarkerFile, "error", merr)
	}

	summary := [][]string{
		{"Set", cfg.SetName},
		{"Entries", entries},
		{"Last success", lastSuccess},
	}
	if err = renderTable(nil, summary, appCtx.Stdout); err != nil {
		return fmt.Errorf("failed rendering table: %w", err)
	}

	scopes, err := fwMgr.ProtectedScopes()
	if err != nil {
		return err //nolint:wrapcheck // Already structured.
	}

	data := [][]string{}
	for _, scope := range scopes {
		rules, err := fw.Rules(scope)
		if err != nil {
			return aerrors.NewWithCause("failed listing rules", err, "scope", scope)
		}
		for i, rule := range rules {
			data = append(data, []string{string(scope), strconv.Itoa(i + 1), describeRule(rule)})
		}
	}

	fmt.Fprintln(appCtx.Stdout)
	if len(data) == 0 {
		fmt.Fprintln(appCtx.Stdout, "No rules installed.")
		return nil
	}

	header := []string{"Scope", "#", "Rule"}
	if err = renderTable(header, data, appCtx.Stdout); err != nil {
		return fmt.Errorf("failed rendering table: %w", err)
	}

	return nil
}

func describeRule(r ftypes.Rule) string {
	var match string
	switch r.Match {
	case ftypes.MatchEstablished:
		match = "established,related"
	case ftypes.MatchLoopback:
		match = "loopback"
	case ftypes.MatchTCPPort:
		match = fmt.Sprintf("tcp dport %d", r.Port)
	case ftypes.MatchICMP:
		match = "icmp"
	case ftypes.MatchNotInSet:
		match = fmt.Sprintf("saddr not in %s", r.Set)
	}
	return fmt.Sprintf("%s %s", match, r.Verdict)
}
