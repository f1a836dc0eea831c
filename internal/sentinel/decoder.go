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

const DefaultCooldown = 5 * time.Second

type DecoderConfig struct {
	Manchester manchester.Config
	// RequiredReads is the identical-frame streak needed to accept a tag.
	RequiredReads int
	// Cooldown suppresses re-sending the same tag while it stays in range.
	Cooldown time.Duration
}

func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		Manchester:    manchester.DefaultConfig(),
		RequiredReads: em4100.DefaultRequiredReads,
		Cooldown:      DefaultCooldown,
	}
}

// ScanSink receives accepted reads.
type ScanSink interface {
	SendScan(tag rfid.TagID)
}

type DecoderStats struct {
	Bits     uint64
	Desyncs  uint64
	Frames   uint64
	Rejected uint64
	Accepted uint64
	Cooled   uint64
}

// Decoder is the edge -> tag pipeline. It is owned by a single goroutine.
type Decoder struct {
	cfg       DecoderConfig
	recoverer *manchester.Recoverer
	assembler *em4100.Assembler
	verifier  *em4100.Verifier
	now       func() time.Time

	lastTag  rfid.TagID
	lastSent time.Time
	accepted uint64
	cooled   uint64
}

func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	rec, err := manchester.New(cfg.Manchester)
	if err != nil {
		return nil, err
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	return &Decoder{
		cfg:       cfg,
		recoverer: rec,
		assembler: em4100.NewAssembler(),
		verifier:  em4100.NewVerifier(cfg.RequiredReads),
		now:       time.Now,
	}, nil
}

// Feed consumes one edge and reports a tag that should be sent.
func (d *Decoder) Feed(e capture.Edge) (rfid.TagID, bool) {
	sym, ok := d.recoverer.Push(e)
	if !ok {
		return rfid.TagID{}, false
	}
	if sym == manchester.Desync {
		d.verifier.Reset()
	}
	frame, ok := d.assembler.Push(sym)
	if !ok {
		return rfid.TagID{}, false
	}
	tag, ok := d.verifier.Observe(frame)
	if !ok {
		return rfid.TagID{}, false
	}
	now := d.now()
	if d.cfg.Cooldown > 0 && tag == d.lastTag && !d.lastSent.IsZero() && now.Sub(d.lastSent) < d.cfg.Cooldown {
		d.cooled++
		return rfid.TagID{}, false
	}
	d.lastTag, d.lastSent = tag, now
	d.accepted++
	return tag, true
}

func (d *Decoder) Stats() DecoderStats {
	return DecoderStats{
		Bits:     d.recoverer.Bits(),
		Desyncs:  d.recoverer.Desyncs(),
		Frames:   d.assembler.Frames(),
		Rejected: d.assembler.Rejected(),
		Accepted: d.accepted,
		Cooled:   d.cooled,
	}
}

// Run drains edges until the channel closes or ctx ends, handing accepted
// tags to sink.
func (d *Decoder) Run(ctx context.Context, edges <-chan capture.Edge, sink ScanSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-edges:
			if !ok {
				st := d.Stats()
				log.Debug().Uint64("frames", st.Frames).Uint64("rejected", st.Rejected).
					Uint64("accepted", st.Accepted).Msg("sentinel.Decoder input closed")
				return
			}
			if tag, ok := d.Feed(e); ok {
				log.Info().Str("tag_id", tag.String()).Str("decimal", tag.Decimal()).
					Msg("sentinel.Decoder tag verified")
				sink.SendScan(tag)
			}
		}
	}
}
