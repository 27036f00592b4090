package types

import (
	"context"
	"fmt"
	"net/netip"
)

// FirewallType are the supported firewall implementations.
type FirewallType string

// All supported firewall implementations.
const (
	FirewallMock     FirewallType = "mock"
	FirewallNFTables FirewallType = "nftables"
	FirewallIPTables FirewallType = "iptables"
)

// FirewallTypeFromString returns a valid FirewallType for the given string, or
// an error if the value is invalid.
func FirewallTypeFromString(val string) (FirewallType, error) {
	switch FirewallType(val) {
	case FirewallMock:
		return FirewallMock, nil
	case FirewallNFTables:
		return FirewallNFTables, nil
	case FirewallIPTables:
		return FirewallIPTables, nil
	}
	return "", fmt.Errorf("unsupported firewall type '%s'", val)
}

// Firewall is the interface to the kernel packet filter and set membership
// subsystems. Implementations expose narrow primitives; the ordering,
// idempotency and atomicity guarantees are built on top of them by the
// firewall.Manager.
type Firewall interface {
	// Check verifies that the firewall subsystems are usable by this process,
	// e.g. that it has the required privileges, not merely that they exist.
	Check(ctx context.Context) error

	// SetExists reports whether the named membership set exists.
	SetExists(name string) (bool, error)
	// CreateSet creates a new empty IPv4 network membership set.
	CreateSet(name string) error
	// DestroySet removes the named membership set. It is not an error if the
	// set doesn't exist.
	DestroySet(name string) error
	// AddToSet adds prefixes to the named set. It returns the number of
	// prefixes that were added, and an error joining all individual failures.
	AddToSet(name string, prefixes []netip.Prefix) (int, error)
	// SwapSets atomically exchanges the contents of two sets, so that a lookup
	// against either name never observes an absent or partially filled set.
	SwapSets(a, b string) error
	// SetLen returns the number of entries in the named set.
	SetLen(name string) (int, error)

	// HasScope reports whether the hook for the scope is present on this
	// system. The host scope is always present.
	HasScope(scope Scope) (bool, error)
	// PrepareScope idempotently creates the dedicated chain for the scope and
	// the single hook or dispatch rule that sends traffic to it.
	PrepareScope(scope Scope) error
	// RemoveScope removes the dedicated chain of the scope and the hook or
	// dispatch rule that sends traffic to it. It is not an error if they don't
	// exist.
	RemoveScope(scope Scope) error
	// Rules returns the geofence rules of the scope's dedicated chain, in
	// evaluation order.
	Rules(scope Scope) ([]Rule, error)
	// InsertRule inserts the rule at the top of its scope's chain.
	InsertRule(rule Rule) error
	// AppendRule appends the rule at the bottom of its scope's chain.
	AppendRule(rule Rule) error
	// DeleteRule deletes the first instance of the rule from its scope's chain.
	DeleteRule(rule Rule) error

	// Teardown removes all chains, dispatch rules and sets created by
	// geofence, including sets with the given names.
	Teardown(setNames ...string) error
}
