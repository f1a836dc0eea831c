// Package sentinel is the device side of panopticon.
//
// A Decoder turns captured edges into verified tag reads. A Client owns the
// single outbound session to the server, re-dials with backoff after any
// failure, and drains a bounded outbox of SCAN and LOG lines. LogForwarder
// mirrors local zerolog records into that outbox.
package sentinel
