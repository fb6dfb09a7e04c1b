package conn

import (
	"context"
	"net"
	"time"
)

// DefaultBacklog is the number of pending connections the kernel queues.
const DefaultBacklog = 100

type Config struct {
	Addr string
	// Backlog is the listen queue length; zero means DefaultBacklog.
	Backlog int
	// AcceptTimeout, if positive, makes Accept fail with a timeout error
	// when no connection arrives in time.
	AcceptTimeout time.Duration
	KeepAlive     net.KeepAliveConfig
}

func (c Config) backlog() int {
	if c.Backlog <= 0 {
		return DefaultBacklog
	}
	return c.Backlog
}

// Listen opens a TCP listener for cfg.
func Listen(ctx context.Context, cfg Config) (net.Listener, error) {
	ln, err := listenTCP(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: ln, AcceptTimeout: cfg.AcceptTimeout, KeepAlive: cfg.KeepAlive}, nil
}

// Listener applies keepalive settings to accepted connections and bounds
// each Accept by AcceptTimeout.
type Listener struct {
	net.Listener
	AcceptTimeout time.Duration
	KeepAlive     net.KeepAliveConfig
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

func (l *Listener) Accept() (net.Conn, error) {
	if l.AcceptTimeout > 0 {
		if d, ok := l.Listener.(deadliner); ok {
			_ = d.SetDeadline(time.Now().Add(l.AcceptTimeout))
		}
	}

	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAlive)
	}
	return c, nil
}
