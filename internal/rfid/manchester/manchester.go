// Package manchester recovers logical bits from biphase edge timing.
//
// Encoding convention: a bit occupies two half-bit periods and always has a
// transition at its midpoint. A falling mid-bit transition is 1, a rising one
// is 0. Transitions at bit boundaries only occur between equal bits, so the
// interval between consecutive edges is either ~T (short) or ~2T (long).
package manchester

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/danmuck/panopticon/internal/rfid/capture"
)

// DefaultHalfBit is the nominal half-bit period of the reader front end.
const DefaultHalfBit = 320 * time.Microsecond

// DefaultTolerance is the accepted relative deviation for short/long intervals.
const DefaultTolerance = 0.25

var ErrInvalidConfig = errors.New("manchester: invalid config")

// Symbol is one recovered output: a bit or a desync marker.
type Symbol uint8

const (
	Zero Symbol = iota
	One
	// Desync means previously recovered bits can no longer be trusted to be
	// contiguous with the next ones.
	Desync
)

func (s Symbol) String() string {
	switch s {
	case Zero:
		return "0"
	case One:
		return "1"
	default:
		return "desync"
	}
}

type Config struct {
	HalfBit   time.Duration
	Tolerance float64
	// Invert swaps the bit polarity for front ends that invert demod output.
	Invert bool
}

func DefaultConfig() Config {
	return Config{HalfBit: DefaultHalfBit, Tolerance: DefaultTolerance}
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.HalfBit <= 0 {
		c.HalfBit = DefaultHalfBit
	}
	if c.Tolerance == 0 {
		c.Tolerance = DefaultTolerance
	}
	return c
}

// Validate rejects tolerances that would let short and long windows overlap.
func (c Config) Validate() error {
	if c.HalfBit <= 0 {
		return fmt.Errorf("%w: half bit period must be positive", ErrInvalidConfig)
	}
	if c.Tolerance <= 0 || c.Tolerance >= 1.0/3.0 {
		return fmt.Errorf("%w: tolerance %.3f outside (0, 0.333)", ErrInvalidConfig, c.Tolerance)
	}
	return nil
}

type interval int

const (
	invalid interval = iota
	short
	long
)

// Recoverer is the clock-recovery state machine. It is not safe for
// concurrent use; one decoder task owns it.
type Recoverer struct {
	cfg Config

	shortMin, shortMax time.Duration
	longMin, longMax   time.Duration

	havePrev  bool
	prevAt    time.Duration
	prevLevel bool

	synced bool
	atMid  bool

	bits    uint64
	desyncs uint64
}

func New(cfg Config) (*Recoverer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := float64(cfg.HalfBit)
	return &Recoverer{
		cfg:      cfg,
		shortMin: time.Duration(t * (1 - cfg.Tolerance)),
		shortMax: time.Duration(t * (1 + cfg.Tolerance)),
		longMin:  time.Duration(2 * t * (1 - cfg.Tolerance)),
		longMax:  time.Duration(2 * t * (1 + cfg.Tolerance)),
	}, nil
}

// Push consumes one edge and returns at most one symbol.
func (r *Recoverer) Push(e capture.Edge) (Symbol, bool) {
	if !r.havePrev {
		r.havePrev = true
		r.prevAt, r.prevLevel = e.At, e.Level
		return 0, false
	}
	d := e.At - r.prevAt
	sameLevel := e.Level == r.prevLevel
	r.prevAt, r.prevLevel = e.At, e.Level

	kind := r.classify(d)
	if sameLevel {
		kind = invalid
	}

	if !r.synced {
		if kind == long {
			r.synced = true
			r.atMid = true
			return r.emit(e.Level), true
		}
		return 0, false
	}

	switch {
	case kind == short && r.atMid:
		r.atMid = false
		return 0, false
	case kind == short:
		r.atMid = true
		return r.emit(e.Level), true
	case kind == long && r.atMid:
		return r.emit(e.Level), true
	default:
		r.synced = false
		r.atMid = false
		r.desyncs++
		return Desync, true
	}
}

// Reset drops all timing state, e.g. after the capture queue overran.
func (r *Recoverer) Reset() {
	r.havePrev = false
	r.synced = false
	r.atMid = false
}

func (r *Recoverer) Bits() uint64    { return r.bits }
func (r *Recoverer) Desyncs() uint64 { return r.desyncs }

// Symbols adapts an edge sequence into a lazy symbol sequence.
func (r *Recoverer) Symbols(edges iter.Seq[capture.Edge]) iter.Seq[Symbol] {
	return func(yield func(Symbol) bool) {
		for e := range edges {
			sym, ok := r.Push(e)
			if !ok {
				continue
			}
			if !yield(sym) {
				return
			}
		}
	}
}

func (r *Recoverer) classify(d time.Duration) interval {
	switch {
	case d >= r.shortMin && d <= r.shortMax:
		return short
	case d >= r.longMin && d <= r.longMax:
		return long
	default:
		return invalid
	}
}

// emit maps the level after a mid-bit transition onto a bit value.
func (r *Recoverer) emit(level bool) Symbol {
	r.bits++
	one := !level
	if r.cfg.Invert {
		one = !one
	}
	if one {
		return One
	}
	return Zero
}

// Encode renders bits as edges starting at start. The line is assumed to idle
// at the level opposite to the first half-bit, so the first edge is at start.
func Encode(bits []uint8, cfg Config, start time.Duration) []capture.Edge {
	cfg = cfg.WithDefaults()
	if len(bits) == 0 {
		return nil
	}
	halves := make([]bool, 0, 2*len(bits))
	for _, b := range bits {
		first := b != 0
		if cfg.Invert {
			first = !first
		}
		halves = append(halves, first, !first)
	}
	out := make([]capture.Edge, 0, len(halves))
	out = append(out, capture.Edge{At: start, Level: halves[0]})
	for i := 1; i < len(halves); i++ {
		if halves[i] != halves[i-1] {
			out = append(out, capture.Edge{
				At:    start + time.Duration(i)*cfg.HalfBit,
				Level: halves[i],
			})
		}
	}
	return out
}
