// Package acl implements the client access policy of the proxy.
//
// A Policy holds up to two Tables: a block table and an allow table. Each
// table is an ordered list of Rules pairing an IP network with a set of
// ports. Lookups are a linear scan over the rules, which is fine for the
// handful of entries a command line carries.
//
// Tables are immutable once built and may be shared by any number of
// goroutines.
package acl
