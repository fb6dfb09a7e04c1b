package route

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultLookupTTL is how long a resolved address is reused.
const DefaultLookupTTL = time.Minute

// Lookup resolves hostnames to a single address, caching answers.
type Lookup struct {
	cache   *cache.Cache
	resolve func(ctx context.Context, host string) ([]netip.Addr, error)
}

// NewLookup returns a Lookup backed by net.DefaultResolver. A ttl of zero
// means DefaultLookupTTL.
func NewLookup(ttl time.Duration) *Lookup {
	if ttl <= 0 {
		ttl = DefaultLookupTTL
	}
	return &Lookup{
		cache: cache.New(ttl, 2*ttl),
		resolve: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
}

// Addr returns the address of host. IPv4 answers are preferred. Literal
// addresses are returned as is.
func (l *Lookup) Addr(ctx context.Context, host string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return a.Unmap(), nil
	}
	if v, ok := l.cache.Get(host); ok {
		return v.(netip.Addr), nil
	}

	addrs, err := l.resolve(ctx, host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("lookup %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("lookup %s: no addresses", host)
	}

	addr := addrs[0].Unmap()
	for _, a := range addrs {
		if a.Unmap().Is4() {
			addr = a.Unmap()
			break
		}
	}
	l.cache.SetDefault(host, addr)
	return addr, nil
}
