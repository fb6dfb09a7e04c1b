// Package destination extracts the host and port a proxied request is for.
package destination

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrUnresolvable is wrapped by every Resolve error.
var ErrUnresolvable = errors.New("no destination in request target")

// Resolve returns the host and port named by a request target: an absolute
// URL for ordinary methods, or a host:port authority for CONNECT.
//
// Authorities carry no scheme, so one containing ":443" is read as an https
// URL. A missing port defaults to 80 for http and is an error otherwise.
func Resolve(target string) (string, int, error) {
	raw := target
	if !strings.Contains(raw, "://") && strings.Contains(raw, ":443") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %w", ErrUnresolvable, target, err)
	}

	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("%w: %q: missing host", ErrUnresolvable, target)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return "", 0, fmt.Errorf("%w: %q: bad port", ErrUnresolvable, target)
		}
		return host, int(port), nil
	}

	if strings.EqualFold(u.Scheme, "http") {
		return host, 80, nil
	}
	return "", 0, fmt.Errorf("%w: %q: missing port", ErrUnresolvable, target)
}

// Address joins host and port into a dial address.
func Address(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
