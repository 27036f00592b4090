package firewall

import (
	"fmt"

	ftypes "go.hackfix.me/geofence/firewall/types"
)

// Policy describes the rule chain that should be installed in every protected
// scope.
type Policy struct {
	// SetName is the name of the live membership set of allowed networks.
	SetName string
	// SSHPort is the TCP port that is always allowed, to avoid locking out
	// remote administrators.
	SSHPort   uint16
	AllowICMP bool
}

// Validate returns an error if the policy can't be installed.
func (p Policy) Validate() error {
	if err := ValidateSetName(p.SetName); err != nil {
		return err
	}
	if p.SSHPort == 0 {
		return fmt.Errorf("invalid SSH port: %d", p.SSHPort)
	}
	return nil
}

// Rules returns the ordered rule chain for the scope. All rules except the
// last one are exceptions, which return packets to the normal firewall policy.
// The last rule drops new connections from sources outside the allowed set.
func (p Policy) Rules(scope ftypes.Scope) []ftypes.Rule {
	rules := []ftypes.Rule{
		{Scope: scope, Match: ftypes.MatchEstablished, Verdict: ftypes.VerdictAccept},
		{Scope: scope, Match: ftypes.MatchLoopback, Verdict: ftypes.VerdictAccept},
		{Scope: scope, Match: ftypes.MatchTCPPort, Port: p.SSHPort, Verdict: ftypes.VerdictAccept},
	}
	if p.AllowICMP {
		rules = append(rules, ftypes.Rule{
			Scope: scope, Match: ftypes.MatchICMP, Verdict: ftypes.VerdictAccept,
		})
	}

	return append(rules, p.DenyRule(scope))
}

// DenyRule returns the rule that drops traffic from sources outside the set.
func (p Policy) DenyRule(scope ftypes.Scope) ftypes.Rule {
	return ftypes.Rule{
		Scope: scope, Match: ftypes.MatchNotInSet, Set: p.SetName, Verdict: ftypes.VerdictDrop,
	}
}
