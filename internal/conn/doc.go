// Package conn creates the proxy's listening socket.
//
// On unix systems the socket is built by hand so the listen backlog can be
// fixed instead of following the kernel's somaxconn. Accepted TCP
// connections get the configured keepalive settings, and an optional accept
// timeout makes Accept return periodically so callers can notice shutdown.
package conn
