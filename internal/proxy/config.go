package proxy

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/zoxy/internal/acl"
	"github.com/die-net/zoxy/internal/dialer"
	"github.com/die-net/zoxy/internal/relay"
	"github.com/die-net/zoxy/internal/route"
)

// DefaultMaxRequestSize bounds the single read that captures a request.
const DefaultMaxRequestSize = 1 << 20

type Config struct {
	// NegotiationTimeout bounds reading the request and writing the
	// CONNECT acknowledgement or the forwarded request. Zero means no limit.
	NegotiationTimeout time.Duration

	// MaxRequestSize is the most bytes read for a request; zero means
	// DefaultMaxRequestSize.
	MaxRequestSize int

	Relay relay.Config

	// Policy filters peers. Nil admits everyone.
	Policy *acl.Policy

	// Router optionally rewrites destinations.
	Router *route.Router

	Dialer dialer.Dialer

	Logger logrus.FieldLogger
}

func (c Config) maxRequestSize() int {
	if c.MaxRequestSize <= 0 {
		return DefaultMaxRequestSize
	}
	return c.MaxRequestSize
}
