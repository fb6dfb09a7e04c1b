package route

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/die-net/zoxy/internal/acl"
)

// ErrConfiguration is wrapped by every parse error in this package.
var ErrConfiguration = errors.New("invalid route")

// ForwardRule redirects destinations inside Match to Host. Port replaces
// the destination port unless it is acl.AnyPort.
type ForwardRule struct {
	Match acl.Rule
	Host  string
	Port  acl.PortSpec
}

// ParseForwardRule parses "NETWORK:PORT=HOST:PORT". Either port may be "*".
func ParseForwardRule(s string) (ForwardRule, error) {
	from, to, ok := strings.Cut(s, "=")
	if !ok {
		return ForwardRule{}, fmt.Errorf("%w: %q: expected NETWORK:PORT=HOST:PORT", ErrConfiguration, s)
	}
	match, err := parseMatch(from)
	if err != nil {
		return ForwardRule{}, fmt.Errorf("%w: %q: %w", ErrConfiguration, s, err)
	}
	host, port, err := splitHostPortSpec(to)
	if err != nil {
		return ForwardRule{}, fmt.Errorf("%w: %q: %w", ErrConfiguration, s, err)
	}
	return ForwardRule{Match: match, Host: host, Port: port}, nil
}

// Apply returns the rewritten destination and whether the rule matched.
func (f ForwardRule) Apply(addr netip.Addr, host string, port int) (string, int, bool) {
	if !f.Match.Match(addr, uint16(port)) {
		return host, port, false
	}
	if f.Port != acl.AnyPort {
		port = int(f.Port)
	}
	return f.Host, port, true
}

func (f ForwardRule) String() string {
	return f.Match.String() + "=" + f.Host + ":" + f.Port.String()
}

func parseMatch(s string) (acl.Rule, error) {
	e, err := acl.ParseEntry(s)
	if err != nil {
		return acl.Rule{}, err
	}
	prefix, err := acl.ParsePrefix(e.Network)
	if err != nil {
		return acl.Rule{}, err
	}
	port, err := acl.ParsePortSpec(e.Port)
	if err != nil {
		return acl.Rule{}, err
	}
	return acl.Rule{Prefix: prefix, Ports: []acl.PortSpec{port}}, nil
}

// splitHostPortSpec splits "HOST:PORT" at the last colon. IPv6 hosts may be
// bracketed.
func splitHostPortSpec(s string) (string, acl.PortSpec, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 {
		return "", 0, errors.New("expected HOST:PORT")
	}
	host := strings.TrimSuffix(strings.TrimPrefix(s[:i], "["), "]")
	if host == "" {
		return "", 0, errors.New("missing host")
	}
	port, err := acl.ParsePortSpec(s[i+1:])
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func parseRate(s string) (float64, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 100 {
		return 0, fmt.Errorf("rate %q: expected a percentage", s)
	}
	return float64(n) / 100, nil
}
