// Package iptables implements the firewall interface with iptables rules and
// ipset membership sets, for systems that don't use nftables.
package iptables

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	goipt "github.com/coreos/go-iptables/iptables"
	"github.com/google/shlex"

	ftypes "go.hackfix.me/geofence/firewall/types"
)

const (
	filterTable = "filter"
	// Comment of the rules that dispatch traffic from the standard chains to
	// the geofence chains.
	dispatchTag = "geofence-dispatch"
	// Chain where Docker expects user rules for container traffic.
	dockerChain = "DOCKER-USER"

	commandTimeout = time.Minute
)

// Tables is the subset of the go-iptables API used by IPTables.
type Tables interface {
	ListChains(table string) ([]string, error)
	ChainExists(table, chain string) (bool, error)
	NewChain(table, chain string) error
	ClearAndDeleteChain(table, chain string) error
	List(table, chain string) ([]string, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
}

var _ Tables = (*goipt.IPTables)(nil)

// IPTables is an abstraction over the Linux iptables firewall and the ipset
// subsystem. The policy of each scope is kept in a dedicated chain, which is
// reached through a single dispatch rule at the top of a standard chain:
//
//	-I INPUT -m comment --comment geofence-dispatch -j GEOFENCE-INPUT
//	-I DOCKER-USER -m conntrack --ctstate DNAT -m comment --comment geofence-dispatch -j GEOFENCE-DOCKER
//
//	-A GEOFENCE-INPUT -m conntrack --ctstate ESTABLISHED,RELATED -m comment --comment geofence:established::accept -j RETURN
//	-A GEOFENCE-INPUT -i lo -m comment --comment geofence:loopback::accept -j RETURN
//	-A GEOFENCE-INPUT -p tcp --dport 22 -m comment --comment geofence:tcp-port:22:accept -j RETURN
//	-A GEOFENCE-INPUT -p icmp -m comment --comment geofence:icmp::accept -j RETURN
//	-A GEOFENCE-INPUT -m set ! --match-set geofence_allowed src -m comment --comment geofence:not-in-set:geofence_allowed:drop -j DROP
//
// Accept verdicts return to the standard chain, leaving the decision to the
// rest of the ruleset.
type IPTables struct {
	mu       sync.Mutex
	tables   Tables
	runner   Runner
	ipsetBin string
	logger   *slog.Logger
}

var _ ftypes.Firewall = (*IPTables)(nil)

// New returns a new IPTables instance. It returns an error if the iptables
// binary can't be found.
func New(logger *slog.Logger) (*IPTables, error) {
	ipt, err := goipt.New(goipt.IPFamily(goipt.ProtocolIPv4), goipt.Timeout(5))
	if err != nil {
		return nil, fmt.Errorf("failed initializing iptables: %w", err)
	}

	return NewWith(ipt, ExecRunner{}, logger), nil
}

// NewWith returns a new IPTables instance that uses the given iptables
// implementation, and runs ipset commands with runner.
func NewWith(tables Tables, runner Runner, logger *slog.Logger) *IPTables {
	return &IPTables{
		tables:   tables,
		runner:   runner,
		ipsetBin: "ipset",
		logger:   logger.With("type", "iptables"),
	}
}

// Check ensures that the process is allowed to manage iptables rules and
// ipset sets.
func (i *IPTables) Check(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, err := i.tables.ListChains(filterTable); err != nil {
		return fmt.Errorf("failed listing iptables chains (is CAP_NET_ADMIN granted?): %w", err)
	}

	argv, err := shlex.Split(ipsetNames)
	if err != nil {
		return err
	}
	if _, err = i.runner.Run(ctx, nil, i.ipsetBin, argv...); err != nil {
		return fmt.Errorf("failed listing ipset sets: %w", err)
	}

	return nil
}

// scopeChains returns the standard chain and the geofence chain of the scope.
func scopeChains(scope ftypes.Scope) (parent, chain string, err error) {
	switch scope {
	case ftypes.ScopeHost:
		return "INPUT", "GEOFENCE-INPUT", nil
	case ftypes.ScopeContainer:
		return dockerChain, "GEOFENCE-DOCKER", nil
	}
	return "", "", fmt.Errorf("unsupported scope '%s'", scope)
}

func dispatchSpec(scope ftypes.Scope, chain string) []string {
	var spec []string
	if scope == ftypes.ScopeContainer {
		// Only inbound traffic to published container ports.
		spec = append(spec, "-m", "conntrack", "--ctstate", "DNAT")
	}
	return append(spec, "-m", "comment", "--comment", dispatchTag, "-j", chain)
}

// HasScope implements the ftypes.Firewall interface.
func (i *IPTables) HasScope(scope ftypes.Scope) (bool, error) {
	switch scope {
	case ftypes.ScopeHost:
		return true, nil
	case ftypes.ScopeContainer:
	default:
		return false, fmt.Errorf("unsupported scope '%s'", scope)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	ok, err := i.tables.ChainExists(filterTable, dockerChain)
	if err != nil {
		return false, fmt.Errorf("failed checking chain '%s': %w", dockerChain, err)
	}

	return ok, nil
}

// PrepareScope implements the ftypes.Firewall interface.
func (i *IPTables) PrepareScope(scope ftypes.Scope) error {
	parent, chain, err := scopeChains(scope)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	ok, err := i.tables.ChainExists(filterTable, chain)
	if err != nil {
		return fmt.Errorf("failed checking chain '%s': %w", chain, err)
	}
	if !ok {
		i.logger.Debug("creating chain", "chain", chain)
		if err = i.tables.NewChain(filterTable, chain); err != nil {
			return fmt.Errorf("failed creating chain '%s': %w", chain, err)
		}
	}

	count, err := i.countDispatch(parent, chain)
	if err != nil {
		return err
	}

	spec := dispatchSpec(scope, chain)
	switch {
	case count == 0:
		if err = i.tables.Insert(filterTable, parent, 1, spec...); err != nil {
			return fmt.Errorf("failed inserting dispatch rule into chain '%s': %w", parent, err)
		}
	case count > 1:
		i.logger.Info("removing duplicate dispatch rules", "chain", parent, "count", count-1)
		for range count - 1 {
			if err = i.tables.Delete(filterTable, parent, spec...); err != nil {
				return fmt.Errorf("failed deleting dispatch rule from chain '%s': %w", parent, err)
			}
		}
	}

	return nil
}

// countDispatch returns the number of rules in parent that jump to chain.
func (i *IPTables) countDispatch(parent, chain string) (int, error) {
	lines, err := i.tables.List(filterTable, parent)
	if err != nil {
		return 0, fmt.Errorf("failed listing chain '%s': %w", parent, err)
	}

	var count int
	for _, line := range lines {
		args, err := shlex.Split(line)
		if err != nil {
			return 0, fmt.Errorf("failed parsing rule '%s': %w", line, err)
		}
		if argValue(args, "-j") == chain {
			count++
		}
	}

	return count, nil
}

// Rules implements the ftypes.Firewall interface.
func (i *IPTables) Rules(scope ftypes.Scope) ([]ftypes.Rule, error) {
	_, chain, err := scopeChains(scope)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	lines, err := i.tables.List(filterTable, chain)
	if err != nil {
		return nil, fmt.Errorf("failed listing chain '%s': %w", chain, err)
	}

	rules := make([]ftypes.Rule, 0, len(lines))
	for _, line := range lines {
		args, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("failed parsing rule '%s': %w", line, err)
		}
		// Skip the chain declaration, e.g. "-N GEOFENCE-INPUT".
		if len(args) == 0 || args[0] != "-A" {
			continue
		}

		tag := argValue(args, "--comment")
		if !ftypes.IsTag(tag) {
			i.logger.Debug("ignoring untagged rule", "chain", chain, "rule", line)
			continue
		}
		r, err := ftypes.ParseRuleTag(scope, tag)
		if err != nil {
			i.logger.Warn("ignoring rule with malformed tag", "chain", chain, "error", err)
			continue
		}
		rules = append(rules, r)
	}

	return rules, nil
}

// InsertRule implements the ftypes.Firewall interface.
func (i *IPTables) InsertRule(rule ftypes.Rule) error {
	_, chain, spec, err := ruleSpec(rule)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if err = i.tables.Insert(filterTable, chain, 1, spec...); err != nil {
		return fmt.Errorf("failed inserting rule '%s': %w", rule, err)
	}

	return nil
}

// AppendRule implements the ftypes.Firewall interface.
func (i *IPTables) AppendRule(rule ftypes.Rule) error {
	_, chain, spec, err := ruleSpec(rule)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if err = i.tables.Append(filterTable, chain, spec...); err != nil {
		return fmt.Errorf("failed appending rule '%s': %w", rule, err)
	}

	return nil
}

// DeleteRule implements the ftypes.Firewall interface. iptables deletes the
// first rule that matches the specification.
func (i *IPTables) DeleteRule(rule ftypes.Rule) error {
	_, chain, spec, err := ruleSpec(rule)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if err = i.tables.Delete(filterTable, chain, spec...); err != nil {
		return fmt.Errorf("failed deleting rule '%s': %w", rule, err)
	}

	return nil
}

// RemoveScope implements the ftypes.Firewall interface.
func (i *IPTables) RemoveScope(scope ftypes.Scope) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.removeScope(scope)
}

func (i *IPTables) removeScope(scope ftypes.Scope) error {
	parent, chain, err := scopeChains(scope)
	if err != nil {
		return err
	}

	ok, err := i.tables.ChainExists(filterTable, chain)
	if err != nil {
		return fmt.Errorf("failed checking chain '%s': %w", chain, err)
	}
	if !ok {
		return nil
	}

	parentOK, err := i.tables.ChainExists(filterTable, parent)
	if err != nil {
		return fmt.Errorf("failed checking chain '%s': %w", parent, err)
	}
	if parentOK {
		count, err := i.countDispatch(parent, chain)
		if err != nil {
			return err
		}
		for range count {
			if err = i.tables.Delete(filterTable, parent, dispatchSpec(scope, chain)...); err != nil {
				return fmt.Errorf("failed deleting dispatch rule from chain '%s': %w", parent, err)
			}
		}
	}

	if err = i.tables.ClearAndDeleteChain(filterTable, chain); err != nil {
		return fmt.Errorf("failed deleting chain '%s': %w", chain, err)
	}
	i.logger.Info("removed chain", "chain", chain)

	return nil
}

// Teardown implements the ftypes.Firewall interface.
func (i *IPTables) Teardown(setNames ...string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, scope := range []ftypes.Scope{ftypes.ScopeHost, ftypes.ScopeContainer} {
		if err := i.removeScope(scope); err != nil {
			return err
		}
	}

	// Sets can only be destroyed once no rule references them.
	for _, name := range setNames {
		if err := i.destroySet(name); err != nil {
			return err
		}
	}

	return nil
}

// ruleSpec returns the standard chain and geofence chain of the rule's scope,
// and the iptables rule specification of the rule.
func ruleSpec(rule ftypes.Rule) (parent, chain string, spec []string, err error) {
	if err = rule.Validate(); err != nil {
		return "", "", nil, err
	}

	parent, chain, err = scopeChains(rule.Scope)
	if err != nil {
		return "", "", nil, err
	}

	switch rule.Match {
	case ftypes.MatchEstablished:
		spec = []string{"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED"}
	case ftypes.MatchLoopback:
		spec = []string{"-i", "lo"}
	case ftypes.MatchTCPPort:
		spec = []string{"-p", "tcp", "--dport", fmt.Sprint(rule.Port)}
	case ftypes.MatchICMP:
		spec = []string{"-p", "icmp"}
	case ftypes.MatchNotInSet:
		spec = []string{"-m", "set", "!", "--match-set", rule.Set, "src"}
	}

	target := "RETURN"
	if rule.Verdict == ftypes.VerdictDrop {
		target = "DROP"
	}

	spec = append(spec, "-m", "comment", "--comment", rule.Tag(), "-j", target)

	return parent, chain, spec, nil
}

// argValue returns the argument following the flag, or an empty string.
func argValue(args []string, flag string) string {
	idx := slices.Index(args, flag)
	if idx == -1 || idx+1 >= len(args) {
		return ""
	}
	return args[idx+1]
}
