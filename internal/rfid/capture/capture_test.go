package capture

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/panopticon/internal/testutil/testlog"
)

func TestQueueDropsWhenFull(t *testing.T) {
	testlog.Start(t)
	q := NewQueue(2)
	for i := 0; i < 5; i++ {
		q.Offer(Edge{At: time.Duration(i) * time.Microsecond})
	}
	if q.Dropped() != 3 || q.Offered() != 5 {
		t.Fatalf("dropped=%d offered=%d", q.Dropped(), q.Offered())
	}
	q.Close()
	var got []time.Duration
	for e := range q.C() {
		got = append(got, e.At)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != time.Microsecond {
		t.Fatalf("unexpected drained edges %v", got)
	}
	if q.Offer(Edge{}) {
		t.Fatalf("offer after close must fail")
	}
}

func TestPutWaitsWithoutCountingDrops(t *testing.T) {
	testlog.Start(t)
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 4; i++ {
			if err := q.Put(ctx, Edge{At: time.Duration(i)}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	for i := 0; i < 4; i++ {
		e := <-q.C()
		if e.At != time.Duration(i) {
			t.Fatalf("edge %d out of order: %v", i, e.At)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("put: %v", err)
	}
	if q.Dropped() != 0 || q.Offered() != 4 {
		t.Fatalf("dropped=%d offered=%d", q.Dropped(), q.Offered())
	}

	q.Offer(Edge{})
	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if err := q.Put(cancelled, Edge{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled put on full queue, got %v", err)
	}
	q.Close()
	if err := q.Put(context.Background(), Edge{}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected closed queue error, got %v", err)
	}
}

func TestSamplerEmitsOnlyTransitions(t *testing.T) {
	testlog.Start(t)
	var s Sampler
	levels := []bool{false, false, true, true, true, false, true}
	var edges []Edge
	for i, lvl := range levels {
		if e, ok := s.Sample(time.Duration(i)*10*time.Microsecond, lvl); ok {
			edges = append(edges, e)
		}
	}
	want := []Edge{
		{At: 20 * time.Microsecond, Level: true},
		{At: 50 * time.Microsecond, Level: false},
		{At: 60 * time.Microsecond, Level: true},
	}
	if len(edges) != len(want) {
		t.Fatalf("edges=%v", edges)
	}
	for i := range want {
		if edges[i] != want[i] {
			t.Fatalf("edge[%d]=%v want %v", i, edges[i], want[i])
		}
	}
}

func TestReplayRoundTrip(t *testing.T) {
	testlog.Start(t)
	edges := []Edge{
		{At: 0, Level: true},
		{At: 320 * time.Microsecond, Level: false},
		{At: 960 * time.Microsecond, Level: true},
	}
	var buf bytes.Buffer
	if err := WriteReplay(&buf, edges); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadReplay(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(edges) {
		t.Fatalf("got %d edges", len(got))
	}
	for i := range edges {
		if got[i] != edges[i] {
			t.Fatalf("edge[%d]=%v want %v", i, got[i], edges[i])
		}
	}
}

func TestReadReplayRejectsBackwardsOffsets(t *testing.T) {
	testlog.Start(t)
	_, err := ReadReplay(strings.NewReader("100 1\n50 0\n"))
	if !errors.Is(err, ErrInvalidReplay) {
		t.Fatalf("expected ErrInvalidReplay, got %v", err)
	}
	_, err = ReadReplay(strings.NewReader("100 2\n"))
	if !errors.Is(err, ErrInvalidReplay) {
		t.Fatalf("expected ErrInvalidReplay for level, got %v", err)
	}
}
