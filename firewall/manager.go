package firewall

import (
	"fmt"
	"log/slog"
	"net/netip"

	aerrors "go.hackfix.me/geofence/app/errors"
	"go.hackfix.me/geofence/firewall/iptables"
	"go.hackfix.me/geofence/firewall/mock"
	"go.hackfix.me/geofence/firewall/nftables"
	ftypes "go.hackfix.me/geofence/firewall/types"
)

// Manager builds the membership set and reconciles the rule chains on top of
// the primitives of a firewall implementation.
type Manager struct {
	firewall   ftypes.Firewall
	containers bool
	logger     *slog.Logger
}

// SetStats are the counters of a set replacement.
type SetStats struct {
	// Requested is the number of prefixes passed in.
	Requested int
	// Normalized is the number of prefixes left after merging duplicates and
	// overlaps.
	Normalized int
	Added      int
	Failed     int
}

// NewManager returns a new Manager instance.
func NewManager(firewall ftypes.Firewall, opts ...Option) (*Manager, error) {
	if firewall == nil {
		return nil, fmt.Errorf("firewall implementation is required")
	}

	m := &Manager{firewall: firewall}

	opts = append(DefaultOptions(), opts...)
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Firewall returns the underlying firewall implementation.
//
//nolint:ireturn // Intentional.
func (m *Manager) Firewall() ftypes.Firewall {
	return m.firewall
}

// With returns a copy of the manager whose log records include the given
// attributes.
func (m *Manager) With(args ...any) *Manager {
	return &Manager{
		firewall:   m.firewall,
		containers: m.containers,
		logger:     m.logger.With(args...),
	}
}

// ReplaceSet replaces the contents of the named live set with the given
// prefixes. The new contents are loaded into a separate working set, which is
// then atomically swapped with the live set, so that concurrent lookups observe
// either the complete old contents or the complete new contents. The live set
// is created if it doesn't exist. The working set never outlives the call.
//
// Individual entries the kernel rejects are logged and counted, but the
// replacement only fails if none could be added.
func (m *Manager) ReplaceSet(name string, prefixes []netip.Prefix) (stats SetStats, err error) {
	stats.Requested = len(prefixes)

	if err = ValidateSetName(name); err != nil {
		return stats, aerrors.New(aerrors.ErrConfig, "invalid set name", err, "set", name)
	}

	normalized, err := NormalizePrefixes(prefixes)
	if err != nil {
		return stats, aerrors.New(aerrors.ErrSetBuild, "failed normalizing prefixes", err, "set", name)
	}
	stats.Normalized = len(normalized)
	if len(normalized) == 0 {
		return stats, aerrors.New(aerrors.ErrSetBuild, "refusing to load an empty set", nil, "set", name)
	}

	work := WorkingSetName(name)
	logger := m.logger.With("set", name, "working_set", work)

	// A working set can be left over if a previous process was killed.
	exists, err := m.firewall.SetExists(work)
	if err != nil {
		return stats, aerrors.New(aerrors.ErrSetBuild, "failed checking working set", err, "set", work)
	}
	if exists {
		logger.Warn("destroying leftover working set")
		if err = m.firewall.DestroySet(work); err != nil {
			return stats, aerrors.New(aerrors.ErrSetBuild, "failed destroying leftover working set", err, "set", work)
		}
	}

	if err = m.firewall.CreateSet(work); err != nil {
		return stats, aerrors.New(aerrors.ErrSetBuild, "failed creating working set", err, "set", work)
	}

	swapped := false
	defer func() {
		if swapped {
			return
		}
		if derr := m.firewall.DestroySet(work); derr != nil {
			logger.Warn("failed destroying working set", "error", derr)
		}
	}()

	added, addErr := m.firewall.AddToSet(work, normalized)
	stats.Added = added
	stats.Failed = len(normalized) - added
	for _, e := range unwrapJoined(addErr) {
		logger.Warn("failed adding entry", "error", e)
	}
	if added == 0 {
		return stats, aerrors.New(aerrors.ErrSetBuild, "failed adding any entry to working set", addErr,
			"set", work, "failed", stats.Failed)
	}
	logger.Debug("populated working set", "added", stats.Added, "failed", stats.Failed)

	if exists, err = m.firewall.SetExists(name); err != nil {
		return stats, aerrors.New(aerrors.ErrSetBuild, "failed checking live set", err, "set", name)
	}
	if !exists {
		logger.Info("creating live set")
		if err = m.firewall.CreateSet(name); err != nil {
			return stats, aerrors.New(aerrors.ErrSetBuild, "failed creating live set", err, "set", name)
		}
	}

	if err = m.firewall.SwapSets(work, name); err != nil {
		return stats, aerrors.New(aerrors.ErrSetBuild, "failed swapping working and live sets", err,
			"set", name, "working_set", work)
	}
	swapped = true

	if derr := m.firewall.DestroySet(work); derr != nil {
		logger.Warn("failed destroying working set after swap", "error", derr)
	}

	logger.Info("replaced set contents",
		"requested", stats.Requested,
		"normalized", stats.Normalized,
		"added", stats.Added,
		"failed", stats.Failed,
	)

	return stats, nil
}

func unwrapJoined(err error) []error {
	if err == nil {
		return nil
	}
	if je, ok := err.(interface{ Unwrap() []error }); ok {
		return je.Unwrap()
	}
	return []error{err}
}

// Setup creates a new Firewall with the given type and a Manager for it.
//
//nolint:ireturn // Intentional, this is a generic function.
func Setup(ft ftypes.FirewallType, logger *slog.Logger, opts ...Option) (ftypes.Firewall, *Manager, error) {
	var (
		fw  ftypes.Firewall
		err error
	)
	switch ft {
	case ftypes.FirewallMock:
		fw = mock.New()
	case ftypes.FirewallNFTables:
		fw, err = nftables.New(logger)
	case ftypes.FirewallIPTables:
		fw, err = iptables.New(logger)
	default:
		return nil, nil, fmt.Errorf("unsupported firewall type '%s'", ft)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed creating %s firewall: %w", ft, err)
	}

	var fwMgr *Manager
	fwMgr, err = NewManager(fw, append([]Option{WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed creating the firewall manager: %w", err)
	}

	return fw, fwMgr, nil
}
