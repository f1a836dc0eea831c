// Package session owns the sentinel<->panopticon line transport: the
// AUTHZ/LOG/SCAN grammar with bounded line reads, the connection state
// vocabulary shared by both ends, the device client's retry, backoff and
// outbox primitives, and validation of plain TCP or TLS/mTLS transports.
package session
