// Package proxy implements the forwarding proxy's connection supervisor.
//
// A Server accepts client connections, checks the peer against an access
// policy, reads the first request, works out where it is going and relays
// bytes between the client and the destination until the exchange goes idle.
// CONNECT requests are acknowledged and tunneled; any other request is sent
// to the destination unchanged.
package proxy
