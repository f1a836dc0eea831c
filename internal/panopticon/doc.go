// Package panopticon is the server side of the device session protocol.
//
// The Registry owns known devices, secret matching, live-session ownership
// and the persisted connected flag. The Service owns the listener and the
// AUTHZ handshake, and demultiplexes each device's lines into the access
// controller and the device log.
package panopticon
