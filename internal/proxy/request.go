package proxy

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// request is the first chunk read from a client.
type request struct {
	raw    []byte
	method string
	target string
	proto  string
}

func (r *request) tunnel() bool {
	return r.method == http.MethodConnect
}

// trailing returns bytes that followed the request head in the same read.
func (r *request) trailing() []byte {
	i := bytes.Index(r.raw, []byte("\r\n\r\n"))
	if i < 0 {
		return nil
	}
	return r.raw[i+4:]
}

// rewrite replaces every occurrence of from with to in the raw request.
func (r *request) rewrite(from, to string) {
	if from == to {
		return
	}
	r.raw = bytes.ReplaceAll(r.raw, []byte(from), []byte(to))
}

// parseRequest reads "METHOD SP TARGET SP HTTP/x.y" off the front of raw.
func parseRequest(raw []byte) (*request, error) {
	i := bytes.IndexByte(raw, '\n')
	if i < 0 {
		return nil, fmt.Errorf("%w: incomplete request line", ErrRequestParse)
	}
	line := strings.TrimSuffix(string(raw[:i]), "\r")

	method, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRequestParse, line)
	}
	target, proto, ok := strings.Cut(rest, " ")
	if !ok || target == "" {
		return nil, fmt.Errorf("%w: %q", ErrRequestParse, line)
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, fmt.Errorf("%w: bad method %q", ErrRequestParse, method)
	}
	if _, _, ok := http.ParseHTTPVersion(proto); !ok {
		return nil, fmt.Errorf("%w: bad version %q", ErrRequestParse, proto)
	}

	return &request{raw: raw, method: method, target: target, proto: proto}, nil
}
