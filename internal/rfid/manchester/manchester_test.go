package manchester

import (
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/danmuck/panopticon/internal/rfid/capture"
	"github.com/danmuck/panopticon/internal/testutil/testlog"
)

func decodeAll(t *testing.T, cfg Config, edges []capture.Edge) []Symbol {
	t.Helper()
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("new recoverer: %v", err)
	}
	return slices.Collect(r.Symbols(slices.Values(edges)))
}

// expectedAfterSync returns the bits a recoverer starting cold can produce:
// it locks on the first long interval, i.e. the first bit that differs from
// its predecessor.
func expectedAfterSync(bits []uint8) []Symbol {
	for i := 1; i < len(bits); i++ {
		if bits[i] != bits[i-1] {
			out := make([]Symbol, 0, len(bits)-i)
			for _, b := range bits[i:] {
				out = append(out, Symbol(b))
			}
			return out
		}
	}
	return nil
}

func TestValidateRejectsOverlappingWindows(t *testing.T) {
	testlog.Start(t)

	for _, tol := range []float64{-0.1, 0.34, 0.5} {
		if _, err := New(Config{HalfBit: DefaultHalfBit, Tolerance: tol}); err == nil {
			t.Fatalf("expected tolerance %.2f to be rejected", tol)
		}
	}
	if _, err := New(DefaultConfig()); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
}

func TestRecoversEncodedBits(t *testing.T) {
	testlog.Start(t)

	bits := []uint8{0, 1, 0, 0, 1, 1, 1, 0, 1, 0, 0, 0, 1}
	edges := Encode(bits, DefaultConfig(), time.Millisecond)
	got := decodeAll(t, DefaultConfig(), edges)
	want := expectedAfterSync(bits)
	if !slices.Equal(got, want) {
		t.Fatalf("decoded %v, want %v", got, want)
	}
}

func TestRecoversUnderJitter(t *testing.T) {
	testlog.Start(t)

	rng := rand.New(rand.NewSource(7))
	bits := make([]uint8, 256)
	for i := range bits {
		bits[i] = uint8(rng.Intn(2))
	}
	bits[0], bits[1] = 1, 0

	edges := Encode(bits, DefaultConfig(), 0)
	maxJitter := int64(DefaultHalfBit / 10)
	for i := range edges {
		edges[i].At += time.Duration(rng.Int63n(2*maxJitter+1) - maxJitter)
	}

	got := decodeAll(t, DefaultConfig(), edges)
	want := expectedAfterSync(bits)
	if !slices.Equal(got, want) {
		t.Fatalf("jittered decode mismatch: got %d symbols want %d", len(got), len(want))
	}
}

func TestInvalidIntervalProducesDesync(t *testing.T) {
	testlog.Start(t)

	bits := []uint8{1, 0, 1, 0, 1, 0}
	edges := Encode(bits, DefaultConfig(), 0)
	// Stretch everything after the fourth edge by 3T.
	for i := 4; i < len(edges); i++ {
		edges[i].At += 3 * DefaultHalfBit
	}
	got := decodeAll(t, DefaultConfig(), edges)
	if !slices.Contains(got, Desync) {
		t.Fatalf("expected desync in %v", got)
	}
}

func TestRepeatedLevelProducesDesync(t *testing.T) {
	testlog.Start(t)

	bits := []uint8{1, 0, 0, 1, 1, 0}
	edges := Encode(bits, DefaultConfig(), 0)
	edges[3].Level = edges[2].Level

	r, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var sawDesync bool
	for _, e := range edges {
		if sym, ok := r.Push(e); ok && sym == Desync {
			sawDesync = true
		}
	}
	if !sawDesync {
		t.Fatalf("expected desync on repeated level")
	}
	if r.Desyncs() != 1 {
		t.Fatalf("desyncs=%d want 1", r.Desyncs())
	}
}

func TestShortIntervalsDoNotSync(t *testing.T) {
	testlog.Start(t)

	bits := []uint8{1, 1, 1, 1, 1, 1}
	got := decodeAll(t, DefaultConfig(), Encode(bits, DefaultConfig(), 0))
	if len(got) != 0 {
		t.Fatalf("expected no symbols from an all-ones run, got %v", got)
	}
}

func TestInvertSwapsPolarity(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	cfg.Invert = true
	bits := []uint8{1, 0, 1, 1, 0}
	got := decodeAll(t, cfg, Encode(bits, cfg, 0))
	want := expectedAfterSync(bits)
	if !slices.Equal(got, want) {
		t.Fatalf("inverted decode %v, want %v", got, want)
	}

	plain := decodeAll(t, DefaultConfig(), Encode(bits, cfg, 0))
	if slices.Equal(plain, want) {
		t.Fatalf("expected polarity mismatch without invert")
	}
}
