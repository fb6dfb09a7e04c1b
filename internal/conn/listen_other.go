//go:build !unix

package conn

import (
	"context"
	"fmt"
	"net"
)

// listenTCP cannot choose the backlog here; the platform default applies.
func listenTCP(ctx context.Context, cfg Config) (net.Listener, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return ln, nil
}
