package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/die-net/zoxy/internal/acl"
	"github.com/die-net/zoxy/internal/conn"
	"github.com/die-net/zoxy/internal/relay"
	"github.com/die-net/zoxy/internal/route"
	"github.com/die-net/zoxy/internal/testutil"
)

// stubDialer maps destination addresses to local listeners.
type stubDialer struct {
	mu     sync.Mutex
	routes map[string]string
	dialed []string
}

func (d *stubDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, address)
	local, ok := d.routes[address]
	d.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("dial %s: no route to host", address)
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, local)
}

func (d *stubDialer) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

type harness struct {
	addr   string
	dialer *stubDialer
	hook   *logtest.Hook
}

func startProxy(t *testing.T, cfg Config, routes map[string]string) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	d := &stubDialer{routes: routes}
	cfg.Dialer = d
	cfg.Logger = log
	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = 2 * time.Second
	}
	if cfg.Relay.ReadTimeout == 0 {
		cfg.Relay = relay.Config{ReadTimeout: 50 * time.Millisecond, WriteTimeout: time.Second, IdleCycles: 2}
	}

	ln, err := conn.Listen(ctx, conn.Config{Addr: "127.0.0.1:0", AcceptTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(ctx, cfg)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
		_ = ln.Close()
		srv.Wait()
	})

	return &harness{addr: ln.Addr().String(), dialer: d, hook: hook}
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()

	c, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

// assertClosedSilently expects the proxy to close c without writing.
func assertClosedSilently(t *testing.T, c net.Conn) {
	t.Helper()

	b, err := io.ReadAll(c)
	if err != nil && !isReset(err) {
		t.Fatalf("read: %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("proxy wrote %q, want nothing", b)
	}
}

func isReset(err error) bool {
	var ne *net.OpError
	return errors.As(err, &ne) && !ne.Timeout()
}

func TestConnectTunnel(t *testing.T) {
	t.Parallel()

	echo := testutil.StartEchoTCPServer(t, context.Background())
	h := startProxy(t, Config{}, map[string]string{"example.com:443": echo.Addr().String()})

	c := h.dial(t)
	if _, err := io.WriteString(c, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	ack := make([]byte, len(connectEstablished))
	if _, err := io.ReadFull(c, ack); err != nil {
		t.Fatal(err)
	}
	if string(ack) != connectEstablished {
		t.Fatalf("ack = %q", ack)
	}

	testutil.AssertEcho(t, c, c, []byte("tls bytes go here"))
	testutil.AssertEcho(t, c, c, []byte("and more"))

	if got := h.dialer.calls(); len(got) != 1 || got[0] != "example.com:443" {
		t.Fatalf("dialed %v", got)
	}
}

func TestConnectTrailingBytes(t *testing.T) {
	t.Parallel()

	echo := testutil.StartEchoTCPServer(t, context.Background())
	h := startProxy(t, Config{}, map[string]string{"example.com:443": echo.Addr().String()})

	c := h.dial(t)
	if _, err := io.WriteString(c, "CONNECT example.com:443 HTTP/1.1\r\n\r\nearly"); err != nil {
		t.Fatal(err)
	}
	want := connectEstablished + "early"
	got := make([]byte, len(want))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestForwardPlainRequest(t *testing.T) {
	t.Parallel()

	const (
		request  = "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"
		response = "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	)

	received := make(chan []byte, 1)
	origin, wait := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		buf := make([]byte, len(request))
		_, _ = io.ReadFull(c, buf)
		received <- buf
		_, _ = io.WriteString(c, response)
	})
	defer wait()

	h := startProxy(t, Config{}, map[string]string{"example.com:80": origin.Addr().String()})

	c := h.dial(t)
	if _, err := io.WriteString(c, request); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != response {
		t.Fatalf("response = %q, want %q", got, response)
	}
	if b := <-received; string(b) != request {
		t.Fatalf("origin got %q, want %q", b, request)
	}
}

func TestRejectedPeerClosedSilently(t *testing.T) {
	t.Parallel()

	block, err := acl.ParseEntries([]string{"127.0.0.0/8:*"})
	if err != nil {
		t.Fatal(err)
	}
	policy, err := acl.NewPolicy(nil, block)
	if err != nil {
		t.Fatal(err)
	}
	h := startProxy(t, Config{Policy: policy}, nil)

	c := h.dial(t)
	_, _ = io.WriteString(c, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
	assertClosedSilently(t, c)

	if got := h.dialer.calls(); len(got) != 0 {
		t.Fatalf("dialed %v for a blocked peer", got)
	}
	var warned bool
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "connection rejected" {
			if err, _ := e.Data[logrus.ErrorKey].(error); errors.Is(err, acl.ErrBlocked) {
				warned = true
			}
		}
	}
	if !warned {
		t.Fatal("no rejection warning logged")
	}
}

func TestNotAllowedPeer(t *testing.T) {
	t.Parallel()

	allow, err := acl.ParseEntries([]string{"192.0.2.0/24:*"})
	if err != nil {
		t.Fatal(err)
	}
	policy, err := acl.NewPolicy(allow, nil)
	if err != nil {
		t.Fatal(err)
	}
	h := startProxy(t, Config{Policy: policy}, nil)

	c := h.dial(t)
	assertClosedSilently(t, c)
}

func TestDroppedRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		request string
		dials   int
	}{
		{name: "garbage", request: "\x16\x03\x01 hello\r\n"},
		{name: "unresolvable", request: "CONNECT example.com:8443 HTTP/1.1\r\n\r\n"},
		{name: "https without port", request: "GET https://example.com/ HTTP/1.1\r\n\r\n"},
		{name: "egress failure", request: "CONNECT unreachable.example:443 HTTP/1.1\r\n\r\n", dials: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := startProxy(t, Config{}, nil)
			c := h.dial(t)
			if _, err := io.WriteString(c, tt.request); err != nil {
				t.Fatal(err)
			}
			assertClosedSilently(t, c)
			if got := h.dialer.calls(); len(got) != tt.dials {
				t.Fatalf("dialed %v, want %d dials", got, tt.dials)
			}
		})
	}
}

func TestNegotiationTimeout(t *testing.T) {
	t.Parallel()

	h := startProxy(t, Config{NegotiationTimeout: 50 * time.Millisecond}, nil)
	c := h.dial(t)
	start := time.Now()
	assertClosedSilently(t, c)
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("silent client held for %v", d)
	}
}

func TestRoutedRequestRewritten(t *testing.T) {
	t.Parallel()

	const (
		request  = "GET http://192.0.2.10:80/ HTTP/1.1\r\nHost: 192.0.2.10:80\r\n\r\n"
		expected = "GET http://origin.test:8080/ HTTP/1.1\r\nHost: origin.test:8080\r\n\r\n"
	)

	received := make(chan []byte, 1)
	origin, wait := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		buf := make([]byte, len(expected))
		_, _ = io.ReadFull(c, buf)
		received <- buf
	})
	defer wait()

	fwd, err := route.ParseForwardRule("192.0.2.0/24:80=origin.test:8080")
	if err != nil {
		t.Fatal(err)
	}
	routeLog, _ := logtest.NewNullLogger()
	router := &route.Router{Forwards: []route.ForwardRule{fwd}, Logger: routeLog}
	h := startProxy(t, Config{Router: router}, map[string]string{"origin.test:8080": origin.Addr().String()})

	c := h.dial(t)
	if _, err := io.WriteString(c, request); err != nil {
		t.Fatal(err)
	}
	if b := <-received; !bytes.Equal(b, []byte(expected)) {
		t.Fatalf("origin got %q, want %q", b, expected)
	}
	if got := h.dialer.calls(); len(got) != 1 || got[0] != "origin.test:8080" {
		t.Fatalf("dialed %v", got)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := conn.Listen(ctx, conn.Config{Addr: "127.0.0.1:0", AcceptTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	log, _ := logtest.NewNullLogger()
	srv := NewServer(ctx, Config{Dialer: &stubDialer{}, Logger: log})
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestInFlightSurvivesShutdown(t *testing.T) {
	t.Parallel()

	echo := testutil.StartEchoTCPServer(t, context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ln, err := conn.Listen(ctx, conn.Config{Addr: "127.0.0.1:0", AcceptTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	log, _ := logtest.NewNullLogger()
	srv := NewServer(ctx, Config{
		Relay:  relay.Config{ReadTimeout: 50 * time.Millisecond, IdleCycles: 10},
		Dialer: &stubDialer{routes: map[string]string{"example.com:443": echo.Addr().String()}},
		Logger: log,
	})
	go func() { _ = srv.Serve(ln) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(c, "CONNECT example.com:443 HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	ack := make([]byte, len(connectEstablished))
	if _, err := io.ReadFull(c, ack); err != nil {
		t.Fatal(err)
	}

	cancel()
	testutil.AssertEcho(t, c, c, []byte("still here"))
}
