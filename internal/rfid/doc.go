// Package rfid owns the EM4100 tag identity and its text encodings.
//
// A TagID is five bytes, a version byte followed by four id bytes. Its wire
// text form is "80:00:48:23:4C"; decimal and card-number forms are for
// operators.
//
// Signal capture and frame recovery live in the capture, manchester and
// em4100 subpackages; nothing above them ever sees a partial frame.
package rfid
