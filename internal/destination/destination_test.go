package destination

import (
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		target   string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{name: "connect 443", target: "example.com:443", wantHost: "example.com", wantPort: 443},
		{name: "absolute url default port", target: "http://example.com/path", wantHost: "example.com", wantPort: 80},
		{name: "absolute url explicit port", target: "http://example.com:8080/", wantHost: "example.com", wantPort: 8080},
		{name: "scheme case", target: "HTTP://example.com/", wantHost: "example.com", wantPort: 80},
		{name: "https url with port", target: "https://example.com:8443/x", wantHost: "example.com", wantPort: 8443},
		{name: "ipv6 connect", target: "[2001:db8::1]:443", wantHost: "2001:db8::1", wantPort: 443},
		{name: "ipv4 connect", target: "192.0.2.1:443", wantHost: "192.0.2.1", wantPort: 443},
		{name: "port prefix 443", target: "example.com:4433", wantHost: "example.com", wantPort: 4433},
		{name: "https url without port", target: "https://example.com/", wantErr: true},
		{name: "connect other port", target: "example.com:8443", wantErr: true},
		{name: "origin form", target: "/index.html", wantErr: true},
		{name: "empty", target: "", wantErr: true},
		{name: "ftp without port", target: "ftp://example.com/", wantErr: true},
		{name: "bad port", target: "http://example.com:99999/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			host, port, err := Resolve(tt.target)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve(%q) err=%v wantErr=%v", tt.target, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrUnresolvable) {
					t.Fatalf("error %v does not wrap ErrUnresolvable", err)
				}
				return
			}
			if host != tt.wantHost || port != tt.wantPort {
				t.Fatalf("Resolve(%q) = %s, %d; want %s, %d", tt.target, host, port, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestAddress(t *testing.T) {
	t.Parallel()

	if got := Address("2001:db8::1", 443); got != "[2001:db8::1]:443" {
		t.Fatalf("got %s", got)
	}
	if got := Address("example.com", 80); got != "example.com:80" {
		t.Fatalf("got %s", got)
	}
}
