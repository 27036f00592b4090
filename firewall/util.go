package firewall

import (
	"fmt"
	"net/netip"
	"regexp"

	"go4.org/netipx"
)

// WorkingSetSuffix is appended to the live set name to form the name of the
// set that is populated before being swapped in.
const WorkingSetSuffix = "_tmp"

// The longest name accepted by ipset is 31 characters, and the working set
// name must fit as well.
var setNameRx = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,26}$`)

// ValidateSetName returns an error if name can't be used as a membership set
// name by all firewall implementations.
func ValidateSetName(name string) error {
	if !setNameRx.MatchString(name) {
		return fmt.Errorf("invalid set name '%s': must start with a letter, "+
			"contain only letters, digits, '_' or '-', and be at most 27 characters long", name)
	}
	return nil
}

// WorkingSetName returns the name of the working set for the live set name.
func WorkingSetName(name string) string {
	return name + WorkingSetSuffix
}

// NormalizePrefixes returns the minimal sorted list of IPv4 prefixes covering
// exactly the same addresses as the given prefixes. Duplicate and overlapping
// prefixes are merged, and adjacent ones are aggregated, so that the result is
// suitable for interval sets which reject overlapping elements.
func NormalizePrefixes(prefixes []netip.Prefix) ([]netip.Prefix, error) {
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		if !p.IsValid() || !p.Addr().Is4() {
			return nil, fmt.Errorf("invalid IPv4 prefix '%s'", p)
		}
		b.AddPrefix(p.Masked())
	}

	ipSet, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("failed building IP set: %w", err)
	}

	return ipSet.Prefixes(), nil
}
