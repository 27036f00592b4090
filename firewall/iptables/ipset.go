package iptables

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// Command templates of the ipset operations. Set names are validated before
// they reach here, so they never need quoting.
const (
	ipsetCreate  = "create %s hash:net family inet maxelem %d"
	ipsetDestroy = "destroy %s"
	ipsetRestore = "restore -exist"
	ipsetAdd     = "add -exist %s %s"
	ipsetSwap    = "swap %s %s"
	ipsetNames   = "list -n"
	ipsetHeader  = "list -t %s"

	// Large enough for the aggregated ranges of any combination of countries.
	ipsetMaxElem = 1 << 20
)

var entriesRx = regexp.MustCompile(`(?m)^Number of entries:\s*(\d+)\s*$`)

func (i *IPTables) ipset(stdin []byte, format string, args ...any) ([]byte, error) {
	argv, err := shlex.Split(fmt.Sprintf(format, args...))
	if err != nil {
		return nil, fmt.Errorf("failed parsing ipset command: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var in io.Reader
	if stdin != nil {
		in = bytes.NewReader(stdin)
	}

	return i.runner.Run(ctx, in, i.ipsetBin, argv...)
}

// SetExists implements the ftypes.Firewall interface.
func (i *IPTables) SetExists(name string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.setExists(name)
}

func (i *IPTables) setExists(name string) (bool, error) {
	out, err := i.ipset(nil, ipsetNames)
	if err != nil {
		return false, fmt.Errorf("failed listing sets: %w", err)
	}

	return slices.Contains(strings.Fields(string(out)), name), nil
}

// CreateSet implements the ftypes.Firewall interface.
func (i *IPTables) CreateSet(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, err := i.ipset(nil, ipsetCreate, name, ipsetMaxElem); err != nil {
		return fmt.Errorf("failed creating set '%s': %w", name, err)
	}
	i.logger.Debug("created set", "set", name)

	return nil
}

// DestroySet implements the ftypes.Firewall interface.
func (i *IPTables) DestroySet(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.destroySet(name)
}

func (i *IPTables) destroySet(name string) error {
	exists, err := i.setExists(name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	if _, err = i.ipset(nil, ipsetDestroy, name); err != nil {
		return fmt.Errorf("failed destroying set '%s': %w", name, err)
	}
	i.logger.Debug("destroyed set", "set", name)

	return nil
}

// AddToSet implements the ftypes.Firewall interface. All prefixes are loaded
// with a single restore batch. If the batch is rejected, they're added one by
// one, so that a single bad entry doesn't fail the whole batch.
func (i *IPTables) AddToSet(name string, prefixes []netip.Prefix) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var batch bytes.Buffer
	for _, p := range prefixes {
		fmt.Fprintf(&batch, "add %s %s\n", name, p)
	}

	_, err := i.ipset(batch.Bytes(), ipsetRestore)
	if err == nil {
		return len(prefixes), nil
	}
	i.logger.Debug("batch rejected, retrying entries individually",
		"set", name, "size", len(prefixes), "error", err)

	var (
		added int
		errs  []error
	)
	for _, p := range prefixes {
		if _, err = i.ipset(nil, ipsetAdd, name, p); err != nil {
			errs = append(errs, fmt.Errorf("failed adding '%s' to set '%s': %w", p, name, err))
			continue
		}
		added++
	}

	return added, errors.Join(errs...)
}

// SwapSets implements the ftypes.Firewall interface.
func (i *IPTables) SwapSets(a, b string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, err := i.ipset(nil, ipsetSwap, a, b); err != nil {
		return fmt.Errorf("failed swapping sets '%s' and '%s': %w", a, b, err)
	}

	return nil
}

// SetLen implements the ftypes.Firewall interface.
func (i *IPTables) SetLen(name string) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	out, err := i.ipset(nil, ipsetHeader, name)
	if err != nil {
		return 0, fmt.Errorf("failed listing set '%s': %w", name, err)
	}

	return parseEntries(out)
}

func parseEntries(out []byte) (int, error) {
	m := entriesRx.FindSubmatch(out)
	if m == nil {
		return 0, errors.New("number of entries not found in set header")
	}

	return strconv.Atoi(string(m[1]))
}
