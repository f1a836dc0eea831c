package sentinel

import (
	"context"
	"time"

	"github.com/danmuck/panopticon/internal/rfid"
	"github.com/danmuck/panopticon/internal/rfid/capture"
	"github.com/danmuck/panopticon/internal/rfid/em4100"
	"github.com/danmuck/panopticon/internal/rfid/manchester"
	"github.com/rs/zerolog/log"
)

// TagEdges renders frames back-to-back repetitions of tag as edges starting
// at start.
func TagEdges(tag rfid.TagID, frames int, cfg manchester.Config, start time.Duration) []capture.Edge {
	frame := em4100.Encode(tag)
	bits := make([]uint8, 0, frames*em4100.FrameBits)
	for range frames {
		bits = append(bits, frame[:]...)
	}
	return manchester.Encode(bits, cfg, start)
}

// Play offers edges to q paced by their timestamps. When realtime is false
// edges are put as fast as the consumer drains them and none are dropped. It returns the
// capture-clock position after the last edge.
func Play(ctx context.Context, edges []capture.Edge, q *capture.Queue, realtime bool) (time.Duration, error) {
	if len(edges) == 0 {
		return 0, nil
	}
	wall := time.Now()
	origin := edges[0].At
	for _, e := range edges {
		if ctx.Err() != nil {
			return e.At, ctx.Err()
		}
		if realtime {
			if wait := time.Until(wall.Add(e.At - origin)); wait > time.Millisecond {
				if err := sleepCtx(ctx, wait); err != nil {
					return e.At, err
				}
			}
			q.Offer(e)
			continue
		}
		if err := q.Put(ctx, e); err != nil {
			return e.At, err
		}
	}
	return edges[len(edges)-1].At, nil
}

// SyntheticSource presents Tag to the reader every Every, Frames frames at a
// time, in place of a real demodulator.
type SyntheticSource struct {
	Tag        rfid.TagID
	Frames     int
	Every      time.Duration
	Manchester manchester.Config
}

func (s SyntheticSource) Run(ctx context.Context, q *capture.Queue) error {
	frames := s.Frames
	if frames <= 0 {
		frames = 4
	}
	every := s.Every
	if every <= 0 {
		every = 10 * time.Second
	}
	cfg := s.Manchester.WithDefaults()
	var clock time.Duration
	for {
		edges := TagEdges(s.Tag, frames, cfg, clock)
		end, err := Play(ctx, edges, q, true)
		if err != nil {
			return nil
		}
		log.Debug().Str("tag_id", s.Tag.String()).Int("frames", frames).Msg("sentinel.SyntheticSource presented tag")
		clock = end + every
		if err := sleepCtx(ctx, every); err != nil {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
