// Package sessions is the authoritative registry of live messaging
// connections, one per tenant. A Session bundles a supervised transport
// connection, a durable credential accessor, and a single-slot pairing
// challenge waiter; the Registry enforces at-most-one session per id and
// exposes create/get/list/delete to the request-serving boundary.
//
// Layers & Roles
//
//	Registry    -> session table, atomic per-id creation, teardown
//	supervisor  -> per-session reconnection state machine (internal)
//	credstore   -> durable credentials and protocol state
//	waclient    -> the external wire-protocol client at its boundary
//
// A session entry exists in the Registry if and only if its connection is
// live, connecting, or scheduled for a retry. Terminal logout removes the
// session and erases its persisted credentials; RestoreAll rebuilds the
// table from persisted credentials at process start.
package sessions
