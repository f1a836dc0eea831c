// Package capture owns the edge-sampling boundary between the demodulator
// output and the decoder task.
//
// The producer side (Sampler, Queue.Offer) never blocks: a full queue drops
// the edge and counts an overrun. A dropped edge shows up downstream as a
// timing or level violation, which the bit recoverer treats as desync.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrQueueClosed = errors.New("capture: queue closed")

// Edge is one digital-level transition. At is measured from an arbitrary
// capture epoch; only differences between edges are meaningful.
type Edge struct {
	At    time.Duration
	Level bool
}

// Queue is a bounded single-consumer edge buffer.
type Queue struct {
	ch      chan Edge
	dropped atomic.Uint64
	offered atomic.Uint64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{ch: make(chan Edge, size)}
}

// Offer enqueues e without blocking. It reports false when the edge was
// dropped because the queue is full or closed.
func (q *Queue) Offer(e Edge) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.offered.Add(1)
	select {
	case q.ch <- e:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Put enqueues e, waiting for room until ctx ends. Waiting is not counted as
// a drop; it is for producers that can be paused, such as replays.
func (q *Queue) Put(ctx context.Context, e Edge) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.offered.Add(1)
	select {
	case q.ch <- e:
		q.mu.RUnlock()
		return nil
	default:
	}
	q.mu.RUnlock()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		q.mu.RLock()
		if q.closed {
			q.mu.RUnlock()
			return ErrQueueClosed
		}
		select {
		case q.ch <- e:
			q.mu.RUnlock()
			return nil
		default:
		}
		q.mu.RUnlock()
	}
}

// C is the consumer side. It is closed after Close once drained.
func (q *Queue) C() <-chan Edge {
	return q.ch
}

func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})
}

func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

func (q *Queue) Offered() uint64 {
	return q.offered.Load()
}

// Sampler turns periodic level samples into edges.
type Sampler struct {
	last   bool
	primed bool
}

// Sample returns an edge when level differs from the previous sample. The
// first sample only primes the sampler.
func (s *Sampler) Sample(at time.Duration, level bool) (Edge, bool) {
	if !s.primed {
		s.primed = true
		s.last = level
		return Edge{}, false
	}
	if level == s.last {
		return Edge{}, false
	}
	s.last = level
	return Edge{At: at, Level: level}, true
}

// Pin is a readable digital input, typically the demodulator output line.
type Pin interface {
	Level() bool
}

// Poll samples pin every interval until ctx ends and offers edges to q.
// It returns the number of edges produced.
func Poll(ctx context.Context, pin Pin, every time.Duration, q *Queue) uint64 {
	if every <= 0 {
		every = 20 * time.Microsecond
	}
	var (
		s     Sampler
		count uint64
	)
	start := time.Now()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return count
		case now := <-ticker.C:
			if e, ok := s.Sample(now.Sub(start), pin.Level()); ok {
				q.Offer(e)
				count++
			}
		}
	}
}
