package dialer

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/zoxy/internal/socks5"
	"github.com/die-net/zoxy/internal/testutil"
)

// serveSOCKS5 answers one CONNECT on c and then pipes it to the target.
func serveSOCKS5(ctx context.Context, c net.Conn, auth socks5.Auth) {
	if err := testutil.SOCKS5Negotiate(c, auth.Username, auth.Password); err != nil {
		return
	}
	addr, err := testutil.SOCKS5ReadConnect(c)
	if err != nil {
		return
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = testutil.SOCKS5Reply(c, txsocks5.RepHostUnreachable, nil)
		return
	}
	defer dst.Close()

	if err := testutil.SOCKS5Reply(c, txsocks5.RepSuccess, dst.LocalAddr()); err != nil {
		return
	}
	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)
}

func TestSOCKS5ProxyDialerDial(t *testing.T) {
	tests := []struct {
		name string
		auth socks5.Auth
	}{
		{name: "no_auth"},
		{name: "user_pass", auth: socks5.Auth{Username: "user", Password: "pass"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)
			defer echoLn.Close()

			upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
				serveSOCKS5(ctx, c, tt.auth)
			})

			d := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, upLn.Addr().String(), tt.auth.Username, tt.auth.Password)

			conn, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEcho(t, conn, conn, []byte("hello"))
			_ = conn.Close()

			waitUp()
		})
	}
}

func TestSOCKS5ProxyDialerUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A port nobody listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := ln.Addr().String()
	_ = ln.Close()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		serveSOCKS5(ctx, c, socks5.Auth{})
	})

	d := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")
	if _, err := d.DialContext(ctx, "tcp", dead); err == nil {
		t.Fatal("expected error")
	}

	waitUp()
}

func TestSOCKS5ProxyDialerContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// The upstream accepts but never answers the handshake.
	hold := make(chan struct{})
	upLn, waitUp := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		<-hold
	})
	defer waitUp()
	defer close(hold)

	d := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")

	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	if _, err := d.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("dial took %s after cancel", elapsed)
	}
}
