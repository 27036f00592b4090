package firewall

import (
	"fmt"
	"slices"

	aerrors "go.hackfix.me/geofence/app/errors"
	ftypes "go.hackfix.me/geofence/firewall/types"
)

// ProtectedScopes returns the scopes the policy can be installed in on this
// system. The host scope is always included, and the container scope only if
// the container runtime's filtering hook exists and container protection is
// enabled.
func (m *Manager) ProtectedScopes() ([]ftypes.Scope, error) {
	scopes := []ftypes.Scope{ftypes.ScopeHost}
	if !m.containers {
		return scopes, nil
	}

	ok, err := m.firewall.HasScope(ftypes.ScopeContainer)
	if err != nil {
		return nil, aerrors.New(aerrors.ErrRuleReconcile, "failed checking container scope", err,
			"scope", ftypes.ScopeContainer)
	}
	if ok {
		scopes = append(scopes, ftypes.ScopeContainer)
	} else {
		m.logger.Info("container filtering hook not found; protecting host traffic only")
	}

	return scopes, nil
}

// ReconcileRules converges the rule chain of every protected scope to the
// policy, and returns the protected scopes. Running it repeatedly with the same
// policy doesn't change the installed rules. At no point during reconciliation
// is a scope left without a deny rule if it had one before.
func (m *Manager) ReconcileRules(policy Policy) ([]ftypes.Scope, error) {
	if err := policy.Validate(); err != nil {
		return nil, aerrors.New(aerrors.ErrConfig, "invalid firewall policy", err)
	}

	scopes, err := m.ProtectedScopes()
	if err != nil {
		return nil, err
	}

	for _, scope := range scopes {
		if err = m.firewall.PrepareScope(scope); err != nil {
			return nil, aerrors.New(aerrors.ErrRuleReconcile, "failed preparing chain", err, "scope", scope)
		}
		if err = m.reconcileScope(scope, policy); err != nil {
			return nil, aerrors.New(aerrors.ErrRuleReconcile, "failed reconciling rules", err, "scope", scope)
		}
	}

	// A chain installed while container protection was enabled would keep
	// filtering traffic that isn't reported as protected.
	if !m.containers {
		if err = m.firewall.RemoveScope(ftypes.ScopeContainer); err != nil {
			return nil, aerrors.New(aerrors.ErrRuleReconcile, "failed removing unprotected scope", err,
				"scope", ftypes.ScopeContainer)
		}
	}

	return scopes, nil
}

func (m *Manager) reconcileScope(scope ftypes.Scope, policy Policy) error {
	logger := m.logger.With("scope", scope)

	desired := policy.Rules(scope)
	exceptions, deny := desired[:len(desired)-1], desired[len(desired)-1]

	current, err := m.firewall.Rules(scope)
	if err != nil {
		return fmt.Errorf("failed listing rules: %w", err)
	}

	// Remove rules that aren't part of the policy anymore, and duplicate
	// instances of policy rules. A duplicate deny rule is removed only after
	// the first one was seen, so one instance always remains. Deny rules for a
	// previous set name are removed once the current deny rule is in place.
	var staleDeny []ftypes.Rule
	seen := make(map[ftypes.Rule]bool, len(current))
	for _, r := range current {
		stale := !slices.ContainsFunc(desired, r.Equal)
		switch {
		case stale && r.Match == ftypes.MatchNotInSet:
			staleDeny = append(staleDeny, r)
			continue
		case stale:
			logger.Info("removing stale rule", "rule", r.String())
		case seen[r]:
			logger.Info("removing duplicate rule", "rule", r.String())
		default:
			seen[r] = true
			continue
		}
		if err = m.firewall.DeleteRule(r); err != nil {
			return fmt.Errorf("failed deleting rule '%s': %w", r, err)
		}
	}

	// Insert missing exceptions at the top, in reverse order so that their
	// final order matches the policy.
	for i := len(exceptions) - 1; i >= 0; i-- {
		r := exceptions[i]
		if seen[r] {
			continue
		}
		logger.Debug("inserting rule", "rule", r.String())
		if err = m.firewall.InsertRule(r); err != nil {
			return fmt.Errorf("failed inserting rule '%s': %w", r, err)
		}
	}

	if err = m.placeDeny(scope, deny, exceptions, seen[deny]); err != nil {
		return err
	}

	for _, r := range staleDeny {
		logger.Info("removing stale rule", "rule", r.String())
		if err = m.firewall.DeleteRule(r); err != nil {
			return fmt.Errorf("failed deleting rule '%s': %w", r, err)
		}
	}

	return nil
}

// placeDeny appends the deny rule if it's missing, or moves it to the end of
// the chain if it precedes an exception.
func (m *Manager) placeDeny(scope ftypes.Scope, deny ftypes.Rule, exceptions []ftypes.Rule, exists bool) error {
	logger := m.logger.With("scope", scope)

	if !exists {
		logger.Debug("appending rule", "rule", deny.String())
		if err := m.firewall.AppendRule(deny); err != nil {
			return fmt.Errorf("failed appending rule '%s': %w", deny, err)
		}
		return nil
	}

	current, err := m.firewall.Rules(scope)
	if err != nil {
		return fmt.Errorf("failed listing rules: %w", err)
	}
	if denyIsLast(current, deny, exceptions) {
		return nil
	}

	// The deny rule precedes an exception. Append a new instance before
	// deleting the old one, so that it's never missing.
	logger.Info("moving misplaced rule to the end of the chain", "rule", deny.String())
	if err = m.firewall.AppendRule(deny); err != nil {
		return fmt.Errorf("failed appending rule '%s': %w", deny, err)
	}
	if err = m.firewall.DeleteRule(deny); err != nil {
		return fmt.Errorf("failed deleting rule '%s': %w", deny, err)
	}

	return nil
}

// denyIsLast reports whether rules contains deny exactly once, and after every
// one of the exceptions, which must all be present.
func denyIsLast(rules []ftypes.Rule, deny ftypes.Rule, exceptions []ftypes.Rule) bool {
	denyIdx, count := -1, 0
	for i, r := range rules {
		if r.Equal(deny) {
			denyIdx = i
			count++
		}
	}
	if count != 1 {
		return false
	}

	for _, ex := range exceptions {
		idx := slices.IndexFunc(rules, ex.Equal)
		if idx == -1 || idx > denyIdx {
			return false
		}
	}

	return true
}

// VerifyRules checks that in every scope the deny rule exists exactly once,
// and after all exceptions.
func (m *Manager) VerifyRules(policy Policy, scopes []ftypes.Scope) error {
	for _, scope := range scopes {
		rules, err := m.firewall.Rules(scope)
		if err != nil {
			return aerrors.New(aerrors.ErrRuleReconcile, "failed listing rules", err, "scope", scope)
		}

		desired := policy.Rules(scope)
		if !denyIsLast(rules, desired[len(desired)-1], desired[:len(desired)-1]) {
			return aerrors.New(aerrors.ErrRuleReconcile, "rule chain verification failed", nil,
				"scope", scope, "rules", fmt.Sprint(rules))
		}
	}

	return nil
}
