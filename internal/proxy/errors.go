package proxy

import "errors"

var (
	// ErrRequestParse is returned when the first bytes from a client are not
	// an HTTP request line.
	ErrRequestParse = errors.New("malformed request")

	// ErrEgressConnect is returned when the destination cannot be reached.
	ErrEgressConnect = errors.New("cannot connect to destination")
)
