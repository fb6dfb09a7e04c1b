package testutil

import (
	"errors"
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// SOCKS5Negotiate plays the server side of method negotiation. An empty
// username accepts unauthenticated clients.
func SOCKS5Negotiate(conn net.Conn, username, password string) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	want := byte(txsocks5.MethodNone)
	if username != "" {
		want = txsocks5.MethodUsernamePassword
	}
	if !slices.Contains(neg.Methods, want) {
		// RFC 1928: 0xFF means no acceptable methods.
		_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
		return fmt.Errorf("client does not offer method %#x", want)
	}
	if _, err := txsocks5.NewNegotiationReply(want).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	if username == "" {
		return nil
	}

	urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if string(urq.Uname) != username || string(urq.Passwd) != password {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
		return errors.New("auth failed")
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	return nil
}

// SOCKS5ReadConnect reads a request and returns the address of a CONNECT.
// Other commands are answered with "command not supported".
func SOCKS5ReadConnect(conn net.Conn) (string, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	if req.Cmd != txsocks5.CmdConnect {
		_, _ = zeroAddrReply(txsocks5.RepCommandNotSupported).WriteTo(conn)
		return "", fmt.Errorf("unsupported command %#x", req.Cmd)
	}
	return req.Address(), nil
}

// SOCKS5Reply answers a CONNECT with one of the txsocks5.Rep* codes. bound
// is reported to the client on success and may be nil otherwise.
func SOCKS5Reply(conn net.Conn, rep byte, bound net.Addr) error {
	if rep != txsocks5.RepSuccess || bound == nil {
		_, err := zeroAddrReply(rep).WriteTo(conn)
		return err
	}
	atyp, addr, port, err := txsocks5.ParseAddress(bound.String())
	if err != nil {
		return fmt.Errorf("parse bound address %q: %w", bound.String(), err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(rep, atyp, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

func zeroAddrReply(rep byte) *txsocks5.Reply {
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0})
}
