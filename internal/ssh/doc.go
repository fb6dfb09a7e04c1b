// Package ssh holds the SSH plumbing behind the ssh:// upstream: client
// handshakes, key loading (private key files or the SSH agent), and
// known_hosts verification with trust on first use.
package ssh
