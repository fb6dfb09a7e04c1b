package acl

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrRejected is wrapped by ErrBlocked and ErrNotAllowed.
	ErrRejected = errors.New("connection rejected")

	ErrBlocked    = fmt.Errorf("%w: blocked client", ErrRejected)
	ErrNotAllowed = fmt.Errorf("%w: not allowed client", ErrRejected)
)

// Mode says whether a table lists allowed or blocked clients.
type Mode int

const (
	Allow Mode = iota
	Block
)

func (m Mode) String() string {
	if m == Block {
		return "block"
	}
	return "allow"
}

// Table is an ordered, immutable list of rules.
type Table struct {
	rules []Rule
}

// NewTable builds a table from entries. Entries naming the same network are
// merged into a single rule, keeping the order in which networks first
// appear.
func NewTable(mode Mode, entries []Entry) (*Table, error) {
	t := &Table{}
	index := make(map[netip.Prefix]int, len(entries))
	for _, e := range entries {
		prefix, err := ParsePrefix(e.Network)
		if err != nil {
			return nil, fmt.Errorf("%s list: %w", mode, err)
		}
		port, err := ParsePortSpec(e.Port)
		if err != nil {
			return nil, fmt.Errorf("%s list: %w", mode, err)
		}
		i, ok := index[prefix]
		if !ok {
			i = len(t.rules)
			index[prefix] = i
			t.rules = append(t.rules, Rule{Prefix: prefix})
		}
		t.rules[i].Ports = append(t.rules[i].Ports, port)
	}
	return t, nil
}

// Rules returns a copy of the table's rules.
func (t *Table) Rules() []Rule {
	if t == nil {
		return nil
	}
	return append([]Rule(nil), t.rules...)
}

// Enabled reports whether the table has any rule. An empty table takes no
// part in evaluation.
func (t *Table) Enabled() bool {
	return t != nil && len(t.rules) > 0
}

// Match reports whether any rule matches addr and port.
func (t *Table) Match(addr netip.Addr, port uint16) bool {
	if t == nil {
		return false
	}
	for _, r := range t.rules {
		if r.Match(addr, port) {
			return true
		}
	}
	return false
}

// Policy combines an optional block table and an optional allow table.
type Policy struct {
	Allow *Table
	Block *Table
}

// NewPolicy parses the allow and block lists. Either list may be empty.
func NewPolicy(allow, block []Entry) (*Policy, error) {
	at, err := NewTable(Allow, allow)
	if err != nil {
		return nil, err
	}
	bt, err := NewTable(Block, block)
	if err != nil {
		return nil, err
	}
	return &Policy{Allow: at, Block: bt}, nil
}

// Evaluate reports whether a client at addr:port may connect.
func (p *Policy) Evaluate(addr netip.Addr, port uint16) bool {
	return p.Check(addr, port) == nil
}

// Check is Evaluate returning the reason for a rejection. A block-table match
// wins over any allow-table match. An enabled allow table with no matching
// rule denies.
func (p *Policy) Check(addr netip.Addr, port uint16) error {
	if p == nil {
		return nil
	}
	if p.Block.Enabled() && p.Block.Match(addr, port) {
		return ErrBlocked
	}
	if p.Allow.Enabled() && !p.Allow.Match(addr, port) {
		return ErrNotAllowed
	}
	return nil
}
