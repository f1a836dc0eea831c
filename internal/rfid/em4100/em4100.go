// Package em4100 assembles 64-bit EM4100 frames from recovered bits.
//
// Frame layout: 9 header ones, ten rows of 4 data bits plus an even row
// parity bit, then 4 even column-parity bits and a stop bit of 0.
package em4100

import (
	"errors"

	"github.com/danmuck/panopticon/internal/rfid"
	"github.com/danmuck/panopticon/internal/rfid/manchester"
)

const (
	FrameBits  = 64
	HeaderBits = 9
	Rows       = 10
	rowBits    = 5
	bodyBits   = FrameBits - HeaderBits
)

var (
	ErrRowParity    = errors.New("em4100: row parity mismatch")
	ErrColumnParity = errors.New("em4100: column parity mismatch")
	ErrStopBit      = errors.New("em4100: stop bit set")
)

// Assembler hunts for a header and validates the following body. It is not
// safe for concurrent use.
type Assembler struct {
	buf   [FrameBits]uint8
	n     int
	ones  int
	inHdr bool

	frames   uint64
	rejected uint64
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Push feeds one symbol and returns a tag when it completes a valid frame.
func (a *Assembler) Push(sym manchester.Symbol) (rfid.TagID, bool) {
	if sym == manchester.Desync {
		a.Reset()
		return rfid.TagID{}, false
	}
	bit := uint8(0)
	if sym == manchester.One {
		bit = 1
	}
	a.push(bit)
	if a.n < FrameBits {
		return rfid.TagID{}, false
	}

	frame := a.buf
	a.Reset()
	tag, err := Decode(frame)
	if err == nil {
		a.frames++
		return tag, true
	}
	a.rejected++
	// Rescan everything after the first header bit so a header that started
	// one bit late is still found.
	for _, b := range frame[1:] {
		a.push(b)
	}
	return rfid.TagID{}, false
}

func (a *Assembler) push(bit uint8) {
	if a.inHdr {
		a.buf[a.n] = bit
		a.n++
		return
	}
	if bit == 1 {
		a.ones++
	} else {
		a.ones = 0
	}
	if a.ones == HeaderBits {
		a.inHdr = true
		for i := range HeaderBits {
			a.buf[i] = 1
		}
		a.n = HeaderBits
		a.ones = 0
	}
}

// Reset drops any partially collected frame.
func (a *Assembler) Reset() {
	a.n = 0
	a.ones = 0
	a.inHdr = false
}

func (a *Assembler) Frames() uint64   { return a.frames }
func (a *Assembler) Rejected() uint64 { return a.rejected }

// Decode validates a full 64-bit frame and extracts the tag.
func Decode(frame [FrameBits]uint8) (rfid.TagID, error) {
	body := frame[HeaderBits:]
	var nibbles [Rows]uint8
	var cols [4]uint8
	for r := range Rows {
		row := body[r*rowBits : (r+1)*rowBits]
		var parity, nib uint8
		for c := range 4 {
			parity ^= row[c]
			cols[c] ^= row[c]
			nib = nib<<1 | row[c]
		}
		if parity != row[4] {
			return rfid.TagID{}, ErrRowParity
		}
		nibbles[r] = nib
	}
	tail := body[Rows*rowBits:]
	for c := range 4 {
		if cols[c] != tail[c] {
			return rfid.TagID{}, ErrColumnParity
		}
	}
	if tail[4] != 0 {
		return rfid.TagID{}, ErrStopBit
	}
	var tag rfid.TagID
	for j := range rfid.TagLen {
		tag[j] = nibbles[2*j]<<4 | nibbles[2*j+1]
	}
	return tag, nil
}

// Encode renders a tag as a complete frame.
func Encode(tag rfid.TagID) [FrameBits]uint8 {
	var out [FrameBits]uint8
	for i := range HeaderBits {
		out[i] = 1
	}
	var cols [4]uint8
	pos := HeaderBits
	for r := range Rows {
		nib := tag[r/2]
		if r%2 == 0 {
			nib >>= 4
		}
		var parity uint8
		for c := range 4 {
			b := (nib >> (3 - c)) & 1
			out[pos] = b
			parity ^= b
			cols[c] ^= b
			pos++
		}
		out[pos] = parity
		pos++
	}
	for c := range 4 {
		out[pos] = cols[c]
		pos++
	}
	out[pos] = 0
	return out
}

// Symbols converts a frame into manchester symbols, for feeding an Assembler.
func Symbols(frame [FrameBits]uint8) []manchester.Symbol {
	out := make([]manchester.Symbol, len(frame))
	for i, b := range frame {
		out[i] = manchester.Symbol(b)
	}
	return out
}
