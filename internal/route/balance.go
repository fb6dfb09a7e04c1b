package route

import (
	"fmt"
	"math"
	"net/netip"
	"strings"
	"sync"

	"github.com/die-net/zoxy/internal/acl"
)

// Backend is one target of a Balancer. Rate is the share of traffic it
// should receive, between 0 and 1.
type Backend struct {
	Host string
	Port acl.PortSpec
	Rate float64
}

// ParseBackend parses "HOST:PORT:RATE", RATE being a whole percentage.
func ParseBackend(s string) (Backend, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 {
		return Backend{}, fmt.Errorf("%w: %q: expected HOST:PORT:RATE", ErrConfiguration, s)
	}
	rate, err := parseRate(s[i+1:])
	if err != nil {
		return Backend{}, fmt.Errorf("%w: %q: %w", ErrConfiguration, s, err)
	}
	host, port, err := splitHostPortSpec(s[:i])
	if err != nil {
		return Backend{}, fmt.Errorf("%w: %q: %w", ErrConfiguration, s, err)
	}
	return Backend{Host: host, Port: port, Rate: rate}, nil
}

// Balancer spreads destinations matching Frontend over its backends.
type Balancer struct {
	frontend acl.Rule
	backends []Backend

	mu     sync.Mutex
	counts []int
}

// NewBalancer parses a "NETWORK:PORT" frontend and "HOST:PORT:RATE"
// backends.
func NewBalancer(frontend string, backends []string) (*Balancer, error) {
	match, err := parseMatch(frontend)
	if err != nil {
		return nil, fmt.Errorf("%w: frontend %q: %w", ErrConfiguration, frontend, err)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: frontend %q has no backends", ErrConfiguration, frontend)
	}
	b := &Balancer{frontend: match, counts: make([]int, len(backends))}
	for _, s := range backends {
		be, err := ParseBackend(s)
		if err != nil {
			return nil, err
		}
		b.backends = append(b.backends, be)
	}
	return b, nil
}

// Pick returns the backend for a destination, or false if the destination
// is not the frontend.
func (b *Balancer) Pick(addr netip.Addr, host string, port int) (string, int, bool) {
	if !b.frontend.Match(addr, uint16(port)) {
		return host, port, false
	}

	b.mu.Lock()
	i := b.next()
	b.counts[i]++
	b.mu.Unlock()

	be := b.backends[i]
	if be.Port != acl.AnyPort {
		port = int(be.Port)
	}
	return be.Host, port, true
}

// Counts returns how often each backend has been picked.
func (b *Balancer) Counts() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.counts...)
}

// next picks the backend furthest below its rate. Backends never picked
// come first; ties go to the earliest backend.
func (b *Balancer) next() int {
	total := 0
	for _, c := range b.counts {
		total += c
	}

	best, bestDiff := 0, math.Inf(-1)
	for i, be := range b.backends {
		diff := math.Inf(1)
		if total != 0 && b.counts[i] != 0 {
			diff = be.Rate - float64(b.counts[i])/float64(total)
		}
		if diff > bestDiff {
			best, bestDiff = i, diff
		}
	}
	return best
}
