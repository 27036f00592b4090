package nftables

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"strings"
	"sync"

	gnft "github.com/google/nftables"
	"go4.org/netipx"

	ftypes "go.hackfix.me/geofence/firewall/types"
)

const (
	tableName = "geofence"
	// Maximum number of set elements added in a single transaction.
	addBatchSize = 512
)

// NFTables is an abstraction over the Linux nftables firewall. All objects are
// created in a dedicated table, so they never interfere with rules managed by
// other software:
//
//	table ip geofence {
//	    set geofence_allowed {
//	        type ipv4_addr
//	        flags interval
//	    }
//
//	    chain input {
//	        type filter hook input priority filter; policy accept;
//	        jump host
//	    }
//
//	    chain forward {
//	        type filter hook forward priority filter; policy accept;
//	        ct status dnat jump container
//	    }
//
//	    chain host {
//	        ct state established,related accept
//	        iifname "lo" accept
//	        tcp dport 22 accept
//	        ip protocol icmp accept
//	        ip saddr != @geofence_allowed drop
//	    }
//
//	    chain container { ... }
//	}
//
// Accept verdicts only end evaluation of this table, leaving the decision to
// the rest of the ruleset, while drop verdicts are final.
type NFTables struct {
	mu     sync.Mutex
	conn   Conn
	table  *gnft.Table
	logger *slog.Logger
}

var _ ftypes.Firewall = (*NFTables)(nil)

// New returns a new NFTables instance. It returns an error if the netlink
// connection to the kernel fails.
func New(logger *slog.Logger) (*NFTables, error) {
	conn, err := gnft.New()
	if err != nil {
		return nil, fmt.Errorf("failed establishing netlink connection: %w", err)
	}

	return NewWithConn(conn, logger), nil
}

// NewWithConn returns a new NFTables instance that uses the given connection.
func NewWithConn(conn Conn, logger *slog.Logger) *NFTables {
	return &NFTables{
		conn: conn,
		table: &gnft.Table{
			Name:   tableName,
			Family: gnft.TableFamilyIPv4,
		},
		logger: logger.With("type", "nftables"),
	}
}

// Check ensures that the process is allowed to manage the nftables ruleset.
func (n *NFTables) Check(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, err := n.conn.ListTables(); err != nil {
		return fmt.Errorf("failed listing nftables tables (is CAP_NET_ADMIN granted?): %w", err)
	}

	return nil
}

func (n *NFTables) tableExists() (bool, error) {
	_, err := n.conn.ListTableOfFamily(tableName, gnft.TableFamilyIPv4)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed getting table %s: %w", tableName, err)
	}
	return true, nil
}

func (n *NFTables) getSet(name string) (*gnft.Set, error) {
	set, err := n.conn.GetSetByName(n.table, name)
	if err != nil {
		return nil, fmt.Errorf("failed getting set '%s': %w", name, err)
	}
	return set, nil
}

// SetExists implements the ftypes.Firewall interface.
func (n *NFTables) SetExists(name string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// The set lookup also fails with ENOENT if the table doesn't exist.
	_, err := n.conn.GetSetByName(n.table, name)
	switch {
	case isNotExist(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed getting set '%s': %w", name, err)
	}

	return true, nil
}

// CreateSet implements the ftypes.Firewall interface.
func (n *NFTables) CreateSet(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.conn.AddTable(n.table)
	set := &gnft.Set{
		Name:     name,
		Table:    n.table,
		KeyType:  gnft.TypeIPAddr,
		Interval: true,
	}
	if err := n.conn.AddSet(set, nil); err != nil {
		return fmt.Errorf("failed adding set '%s': %w", name, err)
	}
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("failed creating set '%s': %w", name, err)
	}

	n.logger.Debug("created set", "set", name)

	return nil
}

// DestroySet implements the ftypes.Firewall interface.
func (n *NFTables) DestroySet(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	set, err := n.conn.GetSetByName(n.table, name)
	switch {
	case isNotExist(err):
		return nil
	case err != nil:
		return fmt.Errorf("failed getting set '%s': %w", name, err)
	}

	n.conn.DelSet(set)
	if err = n.conn.Flush(); err != nil {
		return fmt.Errorf("failed deleting set '%s': %w", name, err)
	}

	n.logger.Debug("destroyed set", "set", name)

	return nil
}

// AddToSet implements the ftypes.Firewall interface. Prefixes are added in
// batches. If a batch is rejected, its prefixes are retried one by one, so that
// a single bad entry doesn't fail the whole batch.
func (n *NFTables) AddToSet(name string, prefixes []netip.Prefix) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	set, err := n.getSet(name)
	if err != nil {
		return 0, err
	}

	var (
		added int
		errs  []error
	)
	for batch := range slices.Chunk(prefixes, addBatchSize) {
		elems := make([]gnft.SetElement, 0, 2*len(batch))
		for _, p := range batch {
			elems = append(elems, intervalElements(p)...)
		}
		if err = n.conn.SetAddElements(set, elems); err == nil {
			err = n.conn.Flush()
		}
		if err == nil {
			added += len(batch)
			continue
		}

		n.logger.Debug("batch rejected, retrying entries individually",
			"set", name, "size", len(batch), "error", err)
		for _, p := range batch {
			if err = n.conn.SetAddElements(set, intervalElements(p)); err == nil {
				err = n.conn.Flush()
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("failed adding '%s' to set '%s': %w", p, name, err))
				continue
			}
			added++
		}
	}

	return added, errors.Join(errs...)
}

// SwapSets implements the ftypes.Firewall interface. nftables has no set swap
// operation, so the elements of both sets are exchanged in a single
// transaction, which the kernel applies atomically.
func (n *NFTables) SwapSets(a, b string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	setA, err := n.getSet(a)
	if err != nil {
		return err
	}
	setB, err := n.getSet(b)
	if err != nil {
		return err
	}

	elemsA, err := n.conn.GetSetElements(setA)
	if err != nil {
		return fmt.Errorf("failed getting elements of set '%s': %w", a, err)
	}
	elemsB, err := n.conn.GetSetElements(setB)
	if err != nil {
		return fmt.Errorf("failed getting elements of set '%s': %w", b, err)
	}

	n.conn.FlushSet(setA)
	n.conn.FlushSet(setB)
	if len(elemsB) > 0 {
		if err = n.conn.SetAddElements(setA, elemsB); err != nil {
			return fmt.Errorf("failed adding elements to set '%s': %w", a, err)
		}
	}
	if len(elemsA) > 0 {
		if err = n.conn.SetAddElements(setB, elemsA); err != nil {
			return fmt.Errorf("failed adding elements to set '%s': %w", b, err)
		}
	}

	if err = n.conn.Flush(); err != nil {
		return fmt.Errorf("failed swapping sets '%s' and '%s': %w", a, b, err)
	}

	return nil
}

// SetLen implements the ftypes.Firewall interface.
func (n *NFTables) SetLen(name string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	set, err := n.getSet(name)
	if err != nil {
		return 0, err
	}

	elems, err := n.conn.GetSetElements(set)
	if err != nil {
		return 0, fmt.Errorf("failed getting elements of set '%s': %w", name, err)
	}

	var count int
	for _, e := range elems {
		if !e.IntervalEnd {
			count++
		}
	}

	return count, nil
}

// Teardown implements the ftypes.Firewall interface. Deleting the table
// removes all chains, rules and sets in it.
func (n *NFTables) Teardown(_ ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	exists, err := n.tableExists()
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	n.conn.DelTable(n.table)
	if err = n.conn.Flush(); err != nil {
		return fmt.Errorf("failed deleting table %s: %w", tableName, err)
	}

	n.logger.Info("removed table", "table", tableName)

	return nil
}

// intervalElements returns the interval set elements for the prefix. The
// interval end is exclusive, and is omitted if the prefix extends to the end
// of the address space.
func intervalElements(p netip.Prefix) []gnft.SetElement {
	r := netipx.RangeOfPrefix(p)
	elems := []gnft.SetElement{{Key: r.From().AsSlice()}}
	if end := r.To().Next(); end.IsValid() {
		elems = append(elems, gnft.SetElement{Key: end.AsSlice(), IntervalEnd: true})
	}
	return elems
}

// isNotExist reports whether err is caused by a missing object. Some lookups
// return a non-wrapped error, so errors.Is(err, os.ErrNotExist) isn't enough.
// See https://github.com/google/nftables/blob/68e1406c13281ebc65b8cb5733ee5882244809d5/chain.go#L218
func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist) || strings.Contains(err.Error(), "no such file or directory")
}
