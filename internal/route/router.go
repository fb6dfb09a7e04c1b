package route

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// defaultLookup serves routers built without a Lookup.
var defaultLookup = sync.OnceValue(func() *Lookup { return NewLookup(0) })

// Router applies forward rules and then the balancer to a destination. It
// is not modified by Route and may be shared between connections.
type Router struct {
	Forwards []ForwardRule
	Balancer *Balancer
	Lookup   *Lookup
	Logger   logrus.FieldLogger
}

// Enabled reports whether the router would ever change a destination.
func (r *Router) Enabled() bool {
	return r != nil && (len(r.Forwards) > 0 || r.Balancer != nil)
}

// Route returns the destination to dial for host:port. The first matching
// forward rule wins; the balancer then sees the possibly forwarded
// destination.
func (r *Router) Route(ctx context.Context, host string, port int) (string, int, error) {
	if !r.Enabled() {
		return host, port, nil
	}

	log := r.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	lookup := r.Lookup
	if lookup == nil {
		lookup = defaultLookup()
	}

	addr, err := lookup.Addr(ctx, host)
	if err != nil {
		return "", 0, err
	}

	origHost, origPort := host, port
	for _, f := range r.Forwards {
		var ok bool
		if host, port, ok = f.Apply(addr, host, port); ok {
			log.Infof("forward %s:%d to %s:%d", origHost, origPort, host, port)
			break
		}
	}

	if r.Balancer == nil {
		return host, port, nil
	}
	if host != origHost {
		if addr, err = lookup.Addr(ctx, host); err != nil {
			return "", 0, err
		}
	}
	fromHost, fromPort := host, port
	if host, port, ok := r.Balancer.Pick(addr, host, port); ok {
		log.Infof("load balancing %s:%d to %s:%d", fromHost, fromPort, host, port)
		return host, port, nil
	}
	return host, port, nil
}
