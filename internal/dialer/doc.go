// Package dialer opens the outbound leg of a proxied connection.
//
// The direct dialer connects straight to the destination with a short
// connect timeout. The other dialers reach the destination through an
// upstream proxy (HTTP CONNECT, SOCKS5, or SSH direct-tcpip) and are
// selected by New from an upstream URL.
package dialer
