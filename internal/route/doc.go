// Package route rewrites the destination of a proxied connection.
//
// Forward rules send traffic for a destination network and port to a fixed
// host. A Balancer spreads traffic for one destination network and port over
// several backends in proportion to configured rates. Both match on the
// destination's IP address, so hostnames are resolved first through a small
// cache.
package route
