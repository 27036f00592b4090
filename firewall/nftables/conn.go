package nftables

import (
	gnft "github.com/google/nftables"
)

// Conn is the subset of the nftables netlink connection used by NFTables.
// Operations that modify the ruleset are queued until Flush is called, which
// applies them in a single transaction.
type Conn interface {
	ListTables() ([]*gnft.Table, error)
	ListTableOfFamily(name string, family gnft.TableFamily) (*gnft.Table, error)
	AddTable(t *gnft.Table) *gnft.Table
	DelTable(t *gnft.Table)

	ListChain(t *gnft.Table, name string) (*gnft.Chain, error)
	AddChain(c *gnft.Chain) *gnft.Chain
	DelChain(c *gnft.Chain)

	GetRules(t *gnft.Table, c *gnft.Chain) ([]*gnft.Rule, error)
	AddRule(r *gnft.Rule) *gnft.Rule
	InsertRule(r *gnft.Rule) *gnft.Rule
	DelRule(r *gnft.Rule) error

	GetSetByName(t *gnft.Table, name string) (*gnft.Set, error)
	AddSet(s *gnft.Set, vals []gnft.SetElement) error
	DelSet(s *gnft.Set)
	GetSetElements(s *gnft.Set) ([]gnft.SetElement, error)
	SetAddElements(s *gnft.Set, vals []gnft.SetElement) error
	FlushSet(s *gnft.Set)

	Flush() error
}

var _ Conn = (*gnft.Conn)(nil)
