// Package acmecore drives the lifecycle of a single TLS certificate through
// ACME (RFC 8555) account registration, DNS-01 authorization, finalization
// and renewal.
//
// The core is a single-threaded cooperative state machine: it issues calls
// on a host-supplied Collaborator and consumes their completions via the
// *Done methods on Core, never blocking and never running concurrently with
// itself. The host owns the event loop, the timers, and the filesystem and
// network primitives that back the Collaborator; acmecore owns only the
// lifecycle logic and the on-disk artifacts it persists to its working
// directory.
package acmecore
