package em4100

import "github.com/danmuck/panopticon/internal/rfid"

// DefaultRequiredReads is how many identical consecutive frames make a read.
const DefaultRequiredReads = 2

// Verifier only confirms a tag after it was decoded several times in a row.
type Verifier struct {
	required int
	last     rfid.TagID
	count    int
}

func NewVerifier(required int) *Verifier {
	if required <= 0 {
		required = DefaultRequiredReads
	}
	return &Verifier{required: required}
}

// Observe records one decoded frame. It returns the tag once the required
// streak is reached and then starts a new streak.
func (v *Verifier) Observe(tag rfid.TagID) (rfid.TagID, bool) {
	if v.count > 0 && tag == v.last {
		v.count++
	} else {
		v.last = tag
		v.count = 1
	}
	if v.count < v.required {
		return rfid.TagID{}, false
	}
	v.count = 0
	return tag, true
}

// Reset discards the current streak.
func (v *Verifier) Reset() {
	v.count = 0
}
