// Package relay copies bytes between two connections until both go quiet.
//
// A CONNECT tunnel usually carries TLS, and the proxy cannot see when the
// conversation is over: neither peer is obliged to close its side. The
// relay therefore ends a connection by idleness. Time is cut into cycles of
// Config.ReadTimeout; a cycle in which no byte moved in either direction is
// an idle cycle, and Config.IdleCycles consecutive idle cycles end the
// relay. Any byte in either direction resets the count.
//
// Each direction is pumped by its own goroutine with every read and write
// bounded by a deadline, so a stalled peer cannot hold up the other
// direction or the idle clock.
package relay
