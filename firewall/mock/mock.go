// Package mock provides an in-memory firewall implementation for tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	ftypes "go.hackfix.me/geofence/firewall/types"
)

// Mock is an in-memory firewall. Its state is exported so that tests can seed
// and inspect it directly.
type Mock struct {
	mu sync.Mutex

	Sets   map[string][]netip.Prefix
	Chains map[ftypes.Scope][]ftypes.Rule
	// ContainerHook simulates the presence of the container runtime's
	// filtering hook.
	ContainerHook bool
	// Ops is the log of called operations, e.g. "CreateSet geofence_tmp".
	Ops []string

	failErrs map[string]error
	rejectFn func(netip.Prefix) error
	observer func(op string)
}

var _ ftypes.Firewall = (*Mock)(nil)

// New returns a new empty Mock firewall.
func New() *Mock {
	return &Mock{
		Sets:     make(map[string][]netip.Prefix),
		Chains:   make(map[ftypes.Scope][]ftypes.Rule),
		failErrs: make(map[string]error),
	}
}

// FailOn makes every subsequent call of the named operation return err. A nil
// err clears the failure.
func (m *Mock) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failErrs, op)
		return
	}
	m.failErrs[op] = err
}

// RejectPrefixes makes AddToSet reject the prefixes for which fn returns an
// error.
func (m *Mock) RejectPrefixes(fn func(netip.Prefix) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectFn = fn
}

// Observe registers fn to be called after every successful mutation, with the
// lock held. fn may read the exported state, but must not call Mock methods.
func (m *Mock) Observe(fn func(op string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// Lock locks the Mock state for inspection by tests.
func (m *Mock) Lock() { m.mu.Lock() }

// Unlock unlocks the Mock state.
func (m *Mock) Unlock() { m.mu.Unlock() }

func (m *Mock) op(name string, args ...any) error {
	entry := name
	for _, a := range args {
		entry += fmt.Sprintf(" %v", a)
	}
	m.Ops = append(m.Ops, entry)
	return m.failErrs[name]
}

func (m *Mock) mutated(op string) {
	if m.observer != nil {
		m.observer(op)
	}
}

// Check implements the ftypes.Firewall interface.
func (m *Mock) Check(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.op("Check")
}

// SetExists implements the ftypes.Firewall interface.
func (m *Mock) SetExists(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("SetExists", name); err != nil {
		return false, err
	}
	_, ok := m.Sets[name]
	return ok, nil
}

// CreateSet implements the ftypes.Firewall interface.
func (m *Mock) CreateSet(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("CreateSet", name); err != nil {
		return err
	}
	if _, ok := m.Sets[name]; ok {
		return fmt.Errorf("set '%s' already exists", name)
	}
	m.Sets[name] = []netip.Prefix{}
	m.mutated("CreateSet")
	return nil
}

// DestroySet implements the ftypes.Firewall interface.
func (m *Mock) DestroySet(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("DestroySet", name); err != nil {
		return err
	}
	if _, ok := m.Sets[name]; !ok {
		return nil
	}
	delete(m.Sets, name)
	m.mutated("DestroySet")
	return nil
}

// AddToSet implements the ftypes.Firewall interface.
func (m *Mock) AddToSet(name string, prefixes []netip.Prefix) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("AddToSet", name); err != nil {
		return 0, err
	}
	set, ok := m.Sets[name]
	if !ok {
		return 0, fmt.Errorf("set '%s' doesn't exist", name)
	}

	var (
		added int
		errs  []error
	)
	for _, p := range prefixes {
		if m.rejectFn != nil {
			if err := m.rejectFn(p); err != nil {
				errs = append(errs, fmt.Errorf("failed adding '%s' to set '%s': %w", p, name, err))
				continue
			}
		}
		set = append(set, p)
		added++
	}
	m.Sets[name] = set
	m.mutated("AddToSet")

	return added, errors.Join(errs...)
}

// SwapSets implements the ftypes.Firewall interface.
func (m *Mock) SwapSets(a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("SwapSets", a, b); err != nil {
		return err
	}
	setA, okA := m.Sets[a]
	setB, okB := m.Sets[b]
	if !okA || !okB {
		return fmt.Errorf("can't swap sets '%s' and '%s': both must exist", a, b)
	}
	m.Sets[a], m.Sets[b] = setB, setA
	m.mutated("SwapSets")
	return nil
}

// SetLen implements the ftypes.Firewall interface.
func (m *Mock) SetLen(name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("SetLen", name); err != nil {
		return 0, err
	}
	set, ok := m.Sets[name]
	if !ok {
		return 0, fmt.Errorf("set '%s' doesn't exist", name)
	}
	return len(set), nil
}

// HasScope implements the ftypes.Firewall interface.
func (m *Mock) HasScope(scope ftypes.Scope) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("HasScope", scope); err != nil {
		return false, err
	}
	return scope == ftypes.ScopeHost || m.ContainerHook, nil
}

// PrepareScope implements the ftypes.Firewall interface.
func (m *Mock) PrepareScope(scope ftypes.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("PrepareScope", scope); err != nil {
		return err
	}
	if scope == ftypes.ScopeContainer && !m.ContainerHook {
		return fmt.Errorf("container filtering hook not found")
	}
	if _, ok := m.Chains[scope]; !ok {
		m.Chains[scope] = []ftypes.Rule{}
		m.mutated("PrepareScope")
	}
	return nil
}

// RemoveScope implements the ftypes.Firewall interface.
func (m *Mock) RemoveScope(scope ftypes.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("RemoveScope", scope); err != nil {
		return err
	}
	if _, ok := m.Chains[scope]; !ok {
		return nil
	}
	delete(m.Chains, scope)
	m.mutated("RemoveScope")
	return nil
}

// Rules implements the ftypes.Firewall interface.
func (m *Mock) Rules(scope ftypes.Scope) ([]ftypes.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("Rules", scope); err != nil {
		return nil, err
	}
	return slices.Clone(m.Chains[scope]), nil
}

// InsertRule implements the ftypes.Firewall interface.
func (m *Mock) InsertRule(rule ftypes.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("InsertRule", rule); err != nil {
		return err
	}
	chain, ok := m.Chains[rule.Scope]
	if !ok {
		return fmt.Errorf("chain for scope '%s' doesn't exist", rule.Scope)
	}
	m.Chains[rule.Scope] = slices.Insert(chain, 0, rule)
	m.mutated("InsertRule")
	return nil
}

// AppendRule implements the ftypes.Firewall interface.
func (m *Mock) AppendRule(rule ftypes.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("AppendRule", rule); err != nil {
		return err
	}
	chain, ok := m.Chains[rule.Scope]
	if !ok {
		return fmt.Errorf("chain for scope '%s' doesn't exist", rule.Scope)
	}
	m.Chains[rule.Scope] = append(chain, rule)
	m.mutated("AppendRule")
	return nil
}

// DeleteRule implements the ftypes.Firewall interface.
func (m *Mock) DeleteRule(rule ftypes.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("DeleteRule", rule); err != nil {
		return err
	}
	chain := m.Chains[rule.Scope]
	idx := slices.Index(chain, rule)
	if idx == -1 {
		return fmt.Errorf("rule '%s' not found", rule)
	}
	m.Chains[rule.Scope] = slices.Delete(chain, idx, idx+1)
	m.mutated("DeleteRule")
	return nil
}

// Teardown implements the ftypes.Firewall interface.
func (m *Mock) Teardown(setNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("Teardown"); err != nil {
		return err
	}
	clear(m.Chains)
	for _, name := range setNames {
		delete(m.Sets, name)
	}
	m.mutated("Teardown")
	return nil
}
