package acl

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ErrConfiguration is wrapped by every error returned while building rules.
var ErrConfiguration = errors.New("invalid access rule")

// AnyPort is the PortSpec that matches every port.
const AnyPort PortSpec = -1

// PortSpec is either a concrete TCP port or AnyPort.
type PortSpec int32

// ParsePortSpec parses "*" or a decimal port number.
func ParsePortSpec(s string) (PortSpec, error) {
	s = strings.TrimSpace(s)
	if s == "*" {
		return AnyPort, nil
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: port %q", ErrConfiguration, s)
	}
	return PortSpec(n), nil
}

// Matches reports whether port satisfies p.
func (p PortSpec) Matches(port uint16) bool {
	return p == AnyPort || int32(p) == int32(port)
}

func (p PortSpec) String() string {
	if p == AnyPort {
		return "*"
	}
	return strconv.Itoa(int(p))
}

// ParsePrefix parses a CIDR or a single address. Host bits are masked off,
// so "10.1.2.3/8" is read as 10.0.0.0/8.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: network %q", ErrConfiguration, s)
		}
		return unmapPrefix(p).Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: network %q", ErrConfiguration, s)
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func unmapPrefix(p netip.Prefix) netip.Prefix {
	a := p.Addr()
	if !a.Is4In6() || p.Bits() < 96 {
		return p
	}
	return netip.PrefixFrom(a.Unmap(), p.Bits()-96)
}

// Rule pairs a network with the ports it covers.
type Rule struct {
	Prefix netip.Prefix
	Ports  []PortSpec
}

// Match reports whether the single-address network of addr lies inside the
// rule's network and port is one of the rule's ports.
func (r Rule) Match(addr netip.Addr, port uint16) bool {
	if !r.Contains(addr) {
		return false
	}
	for _, p := range r.Ports {
		if p.Matches(port) {
			return true
		}
	}
	return false
}

// Contains reports whether addr is inside the rule's network. Addresses of a
// different family never match.
func (r Rule) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.BitLen() != r.Prefix.Addr().BitLen() {
		return false
	}
	return r.Prefix.Contains(addr)
}

func (r Rule) String() string {
	ports := make([]string, len(r.Ports))
	for i, p := range r.Ports {
		ports[i] = p.String()
	}
	return r.Prefix.String() + ":" + strings.Join(ports, ",")
}

// Entry is one unparsed (network, port) pair from the configuration.
type Entry struct {
	Network string
	Port    string
}

// ParseEntry splits "NETWORK:PORT" at the last colon, so IPv6 networks such
// as "fd00::/8:443" work without brackets.
func ParseEntry(s string) (Entry, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return Entry{}, fmt.Errorf("%w: %q: expected NETWORK:PORT", ErrConfiguration, s)
	}
	return Entry{Network: s[:i], Port: s[i+1:]}, nil
}

// ParseEntries parses every element with ParseEntry.
func ParseEntries(ss []string) ([]Entry, error) {
	entries := make([]Entry, 0, len(ss))
	for _, s := range ss {
		e, err := ParseEntry(s)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
