package nftables

import (
	"fmt"

	gnft "github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	ftypes "go.hackfix.me/geofence/firewall/types"
)

const (
	// UserData of the rules that dispatch traffic from the base chains to the
	// scope chains.
	dispatchTag = "geofence-dispatch"

	// Container runtimes publish ports through DNAT, so this status bit
	// identifies inbound container traffic, as opposed to traffic between
	// containers, or originating from them.
	ctStatusDNAT = 0x20 // IPS_DST_NAT

	// Chain where Docker expects user rules for container traffic. It's only
	// visible if Docker uses the nftables based iptables.
	dockerTable = "filter"
	dockerChain = "DOCKER-USER"
)

// scopeChains are the names of the base chain and the scope chain.
func scopeChains(scope ftypes.Scope) (base, chain string, err error) {
	switch scope {
	case ftypes.ScopeHost:
		return "input", "host", nil
	case ftypes.ScopeContainer:
		return "forward", "container", nil
	}
	return "", "", fmt.Errorf("unsupported scope '%s'", scope)
}

// HasScope implements the ftypes.Firewall interface.
func (n *NFTables) HasScope(scope ftypes.Scope) (bool, error) {
	switch scope {
	case ftypes.ScopeHost:
		return true, nil
	case ftypes.ScopeContainer:
	default:
		return false, fmt.Errorf("unsupported scope '%s'", scope)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	_, err := n.conn.ListChain(&gnft.Table{Name: dockerTable, Family: gnft.TableFamilyIPv4}, dockerChain)
	switch {
	case isNotExist(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed getting chain '%s': %w", dockerChain, err)
	}

	return true, nil
}

// PrepareScope implements the ftypes.Firewall interface.
func (n *NFTables) PrepareScope(scope ftypes.Scope) error {
	baseName, chainName, err := scopeChains(scope)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.conn.AddTable(n.table)

	chain, err := n.ensureChain(&gnft.Chain{Name: chainName, Table: n.table})
	if err != nil {
		return err
	}

	hook := gnft.ChainHookInput
	if scope == ftypes.ScopeContainer {
		hook = gnft.ChainHookForward
	}
	acceptPolicy := gnft.ChainPolicyAccept
	base, err := n.ensureChain(&gnft.Chain{
		Name:     baseName,
		Table:    n.table,
		Type:     gnft.ChainTypeFilter,
		Hooknum:  hook,
		Priority: gnft.ChainPriorityFilter,
		Policy:   &acceptPolicy,
	})
	if err != nil {
		return err
	}

	if err = n.conn.Flush(); err != nil {
		return fmt.Errorf("failed creating chains for scope '%s': %w", scope, err)
	}

	rules, err := n.conn.GetRules(n.table, base)
	if err != nil {
		return fmt.Errorf("failed getting rules of chain '%s': %w", baseName, err)
	}

	var found bool
	for _, r := range rules {
		if string(r.UserData) != dispatchTag {
			continue
		}
		if !found {
			found = true
			continue
		}
		n.logger.Info("removing duplicate dispatch rule", "chain", baseName)
		if err = n.conn.DelRule(r); err != nil {
			return fmt.Errorf("failed deleting duplicate dispatch rule: %w", err)
		}
	}
	if !found {
		n.conn.AddRule(&gnft.Rule{
			Table:    n.table,
			Chain:    base,
			Exprs:    dispatchExprs(scope, chain.Name),
			UserData: []byte(dispatchTag),
		})
	}

	if err = n.conn.Flush(); err != nil {
		return fmt.Errorf("failed creating dispatch rule for scope '%s': %w", scope, err)
	}

	return nil
}

// ensureChain queues the creation of the chain if it doesn't exist.
func (n *NFTables) ensureChain(chain *gnft.Chain) (*gnft.Chain, error) {
	existing, err := n.conn.ListChain(n.table, chain.Name)
	switch {
	case isNotExist(err):
		n.logger.Debug("creating chain", "chain", chain.Name)
		return n.conn.AddChain(chain), nil
	case err != nil:
		return nil, fmt.Errorf("failed getting chain '%s': %w", chain.Name, err)
	}
	return existing, nil
}

// RemoveScope implements the ftypes.Firewall interface. The base chain only
// holds the dispatch rule, so it's deleted along with the scope chain.
func (n *NFTables) RemoveScope(scope ftypes.Scope) error {
	baseName, chainName, err := scopeChains(scope)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	// The jump from the base chain holds a reference to the scope chain, so
	// the base chain is deleted in an earlier transaction.
	for _, name := range []string{baseName, chainName} {
		chain, err := n.conn.ListChain(n.table, name)
		switch {
		case isNotExist(err):
			continue
		case err != nil:
			return fmt.Errorf("failed getting chain '%s': %w", name, err)
		}

		n.conn.DelChain(chain)
		if err = n.conn.Flush(); err != nil {
			return fmt.Errorf("failed deleting chain '%s': %w", name, err)
		}
		n.logger.Info("removed chain", "chain", name, "scope", scope)
	}

	return nil
}

func (n *NFTables) scopeChain(scope ftypes.Scope) (*gnft.Chain, error) {
	_, chainName, err := scopeChains(scope)
	if err != nil {
		return nil, err
	}
	chain, err := n.conn.ListChain(n.table, chainName)
	if err != nil {
		return nil, fmt.Errorf("failed getting chain '%s': %w", chainName, err)
	}
	return chain, nil
}

// scopeRules returns the rules of the scope chain that have a geofence tag,
// along with the kernel rules they were decoded from.
func (n *NFTables) scopeRules(scope ftypes.Scope) ([]ftypes.Rule, []*gnft.Rule, error) {
	chain, err := n.scopeChain(scope)
	if err != nil {
		return nil, nil, err
	}

	nrules, err := n.conn.GetRules(n.table, chain)
	if err != nil {
		return nil, nil, fmt.Errorf("failed getting rules of chain '%s': %w", chain.Name, err)
	}

	var (
		rules  = make([]ftypes.Rule, 0, len(nrules))
		source = make([]*gnft.Rule, 0, len(nrules))
	)
	for _, nr := range nrules {
		tag := string(nr.UserData)
		if !ftypes.IsTag(tag) {
			n.logger.Debug("ignoring untagged rule", "chain", chain.Name, "handle", nr.Handle)
			continue
		}
		r, err := ftypes.ParseRuleTag(scope, tag)
		if err != nil {
			n.logger.Warn("ignoring rule with malformed tag", "chain", chain.Name, "error", err)
			continue
		}
		rules = append(rules, r)
		source = append(source, nr)
	}

	return rules, source, nil
}

// Rules implements the ftypes.Firewall interface.
func (n *NFTables) Rules(scope ftypes.Scope) ([]ftypes.Rule, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	rules, _, err := n.scopeRules(scope)
	return rules, err
}

// InsertRule implements the ftypes.Firewall interface.
func (n *NFTables) InsertRule(rule ftypes.Rule) error {
	return n.addRule(rule, true)
}

// AppendRule implements the ftypes.Firewall interface.
func (n *NFTables) AppendRule(rule ftypes.Rule) error {
	return n.addRule(rule, false)
}

func (n *NFTables) addRule(rule ftypes.Rule, top bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	chain, err := n.scopeChain(rule.Scope)
	if err != nil {
		return err
	}

	exprs, err := n.ruleExprs(rule)
	if err != nil {
		return err
	}

	nr := &gnft.Rule{
		Table:    n.table,
		Chain:    chain,
		Exprs:    exprs,
		UserData: []byte(rule.Tag()),
	}
	if top {
		n.conn.InsertRule(nr)
	} else {
		n.conn.AddRule(nr)
	}

	if err = n.conn.Flush(); err != nil {
		return fmt.Errorf("failed adding rule '%s': %w", rule, err)
	}

	return nil
}

// DeleteRule implements the ftypes.Firewall interface.
func (n *NFTables) DeleteRule(rule ftypes.Rule) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	rules, source, err := n.scopeRules(rule.Scope)
	if err != nil {
		return err
	}

	for i, r := range rules {
		if r != rule {
			continue
		}
		if err = n.conn.DelRule(source[i]); err != nil {
			return fmt.Errorf("failed deleting rule '%s': %w", rule, err)
		}
		if err = n.conn.Flush(); err != nil {
			return fmt.Errorf("failed deleting rule '%s': %w", rule, err)
		}
		return nil
	}

	return fmt.Errorf("rule '%s' not found", rule)
}

// ruleExprs returns the nftables expressions of the rule.
func (n *NFTables) ruleExprs(rule ftypes.Rule) ([]expr.Any, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	var exprs []expr.Any
	switch rule.Match {
	case ftypes.MatchEstablished:
		// ct state established,related
		exprs = []expr.Any{
			&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
			&expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            4,
				Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED),
				Xor:            binaryutil.NativeEndian.PutUint32(0),
			},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
		}
	case ftypes.MatchLoopback:
		// iifname "lo"
		exprs = []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname("lo")},
		}
	case ftypes.MatchTCPPort:
		// tcp dport <port>
		exprs = []expr.Any{
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseTransportHeader,
				Offset:       2,
				Len:          2,
			},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(rule.Port)},
		}
	case ftypes.MatchICMP:
		// ip protocol icmp
		exprs = []expr.Any{
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_ICMP}},
		}
	case ftypes.MatchNotInSet:
		// ip saddr != @<set>
		set, err := n.getSet(rule.Set)
		if err != nil {
			return nil, err
		}
		exprs = []expr.Any{
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseNetworkHeader,
				Offset:       12,
				Len:          4,
			},
			&expr.Lookup{
				SourceRegister: 1,
				SetName:        set.Name,
				SetID:          set.ID,
				Invert:         true,
			},
		}
	}

	kind := expr.VerdictAccept
	if rule.Verdict == ftypes.VerdictDrop {
		kind = expr.VerdictDrop
	}

	return append(exprs, &expr.Verdict{Kind: kind}), nil
}

func dispatchExprs(scope ftypes.Scope, chain string) []expr.Any {
	jump := &expr.Verdict{Kind: expr.VerdictJump, Chain: chain}
	if scope != ftypes.ScopeContainer {
		return []expr.Any{jump}
	}

	// ct status dnat jump <chain>
	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATUS},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(ctStatusDNAT),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
		jump,
	}
}

// ifname returns the interface name as a null terminated byte slice of the
// size expected by the kernel.
func ifname(name string) []byte {
	b := make([]byte, unix.IFNAMSIZ)
	copy(b, name)
	return b
}
