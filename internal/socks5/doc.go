// Package socks5 holds the SOCKS5 handshakes zoxy speaks when it reaches
// destinations through a SOCKS5 upstream.
//
// It is a thin layer over the protocol types in github.com/txthinking/socks5.
package socks5
